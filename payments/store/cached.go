package store

import (
	"context"
	"log/slog"

	"github.com/timour/course-checkout/payments/catalog"
)

// CatalogCacher is the cache side of CachedStore. *CatalogCache implements it.
type CatalogCacher interface {
	GetCourse(ctx context.Context, id string) (*catalog.Course, error)
	SetCourse(ctx context.Context, course *catalog.Course) error
	GetCourses(ctx context.Context, ids []string) (map[string]*catalog.Course, error)
	GetBundle(ctx context.Context, id string) (*catalog.Bundle, error)
	SetBundle(ctx context.Context, bundle *catalog.Bundle) error
	Invalidate(ctx context.Context, keys ...string) error
}

// CachedStore puts a cache-aside layer in front of single course and bundle
// reads. Purchases, entitlements and bundle lists always go to the
// underlying store so access checks see the latest committed state.
type CachedStore struct {
	Store
	cache  CatalogCacher
	logger *slog.Logger
}

func NewCachedStore(next Store, cache CatalogCacher, logger *slog.Logger) *CachedStore {
	return &CachedStore{Store: next, cache: cache, logger: logger}
}

func (s *CachedStore) GetCourse(ctx context.Context, id string) (*catalog.Course, error) {
	cached, err := s.cache.GetCourse(ctx, id)
	if err != nil {
		s.logger.Warn("catalog cache error, reading store", slog.String("course_id", id), slog.Any("error", err))
	} else if cached != nil {
		return cached, nil
	}

	course, err := s.Store.GetCourse(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetCourse(ctx, course); err != nil {
		s.logger.Warn("failed to populate catalog cache", slog.String("course_id", id), slog.Any("error", err))
	}
	return course, nil
}

func (s *CachedStore) GetCourses(ctx context.Context, ids []string) ([]*catalog.Course, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	cached, err := s.cache.GetCourses(ctx, ids)
	if err != nil {
		s.logger.Warn("catalog cache error, reading store", slog.Any("error", err))
		cached = map[string]*catalog.Course{}
	}

	var missed []string
	for _, id := range ids {
		if _, ok := cached[id]; !ok {
			missed = append(missed, id)
		}
	}

	if len(missed) > 0 {
		fromStore, err := s.Store.GetCourses(ctx, missed)
		if err != nil {
			return nil, err
		}
		for _, c := range fromStore {
			cached[c.ID] = c
			if err := s.cache.SetCourse(ctx, c); err != nil {
				s.logger.Warn("failed to populate catalog cache", slog.String("course_id", c.ID), slog.Any("error", err))
			}
		}
	}

	courses := make([]*catalog.Course, 0, len(ids))
	for _, id := range ids {
		if c, ok := cached[id]; ok {
			courses = append(courses, c)
		}
	}
	return courses, nil
}

func (s *CachedStore) GetBundle(ctx context.Context, id string) (*catalog.Bundle, error) {
	cached, err := s.cache.GetBundle(ctx, id)
	if err != nil {
		s.logger.Warn("catalog cache error, reading store", slog.String("bundle_id", id), slog.Any("error", err))
	} else if cached != nil {
		return cached, nil
	}

	bundle, err := s.Store.GetBundle(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetBundle(ctx, bundle); err != nil {
		s.logger.Warn("failed to populate catalog cache", slog.String("bundle_id", id), slog.Any("error", err))
	}
	return bundle, nil
}

func (s *CachedStore) SetCoursePricing(ctx context.Context, courseID, productID, priceID string) error {
	if err := s.Store.SetCoursePricing(ctx, courseID, productID, priceID); err != nil {
		return err
	}
	s.invalidate(ctx, courseKey(courseID))
	return nil
}

func (s *CachedStore) SetBundlePricing(ctx context.Context, bundleID, productID, priceID string) error {
	if err := s.Store.SetBundlePricing(ctx, bundleID, productID, priceID); err != nil {
		return err
	}
	s.invalidate(ctx, bundleKey(bundleID))
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, key string) {
	if err := s.cache.Invalidate(ctx, key); err != nil {
		s.logger.Warn("failed to invalidate catalog cache", slog.String("key", key), slog.Any("error", err))
	}
}
