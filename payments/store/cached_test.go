package store_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/timour/course-checkout/common/logger"
	"github.com/timour/course-checkout/payments/catalog"
	"github.com/timour/course-checkout/payments/store"
	"github.com/timour/course-checkout/payments/store/inmem"
)

type fakeCache struct {
	mu      sync.Mutex
	courses map[string]catalog.Course
	bundles map[string]catalog.Bundle
	err     error
	sets    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{courses: map[string]catalog.Course{}, bundles: map[string]catalog.Bundle{}}
}

func (c *fakeCache) GetCourse(ctx context.Context, id string) (*catalog.Course, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if v, ok := c.courses[id]; ok {
		return &v, nil
	}
	return nil, nil
}

func (c *fakeCache) SetCourse(ctx context.Context, course *catalog.Course) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sets++
	c.courses[course.ID] = *course
	return nil
}

func (c *fakeCache) GetCourses(ctx context.Context, ids []string) (map[string]*catalog.Course, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	found := map[string]*catalog.Course{}
	for _, id := range ids {
		if v, ok := c.courses[id]; ok {
			found[id] = &v
		}
	}
	return found, nil
}

func (c *fakeCache) GetBundle(ctx context.Context, id string) (*catalog.Bundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if v, ok := c.bundles[id]; ok {
		return &v, nil
	}
	return nil, nil
}

func (c *fakeCache) SetBundle(ctx context.Context, bundle *catalog.Bundle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sets++
	c.bundles[bundle.ID] = *bundle
	return nil
}

func (c *fakeCache) Invalidate(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	for _, k := range keys {
		delete(c.courses, strings.TrimPrefix(k, "course:"))
		delete(c.bundles, strings.TrimPrefix(k, "bundle:"))
	}
	return nil
}

func TestCachedStoreServesCourseFromCache(t *testing.T) {
	ctx := context.Background()
	db := inmem.NewStore()
	db.PutCourse(&catalog.Course{ID: "c1", Title: "Go", PriceCents: 5000})
	cache := newFakeCache()
	s := store.NewCachedStore(db, cache, logger.Discard())

	if _, err := s.GetCourse(ctx, "c1"); err != nil {
		t.Fatalf("GetCourse: %v", err)
	}
	db.PutCourse(&catalog.Course{ID: "c1", Title: "Go, second edition", PriceCents: 5000})

	c, err := s.GetCourse(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCourse: %v", err)
	}
	if c.Title != "Go" {
		t.Fatalf("expected the cached title, got %q", c.Title)
	}
}

func TestCachedStoreInvalidatesOnPricingWrite(t *testing.T) {
	ctx := context.Background()
	db := inmem.NewStore()
	db.PutCourse(&catalog.Course{ID: "c1", Title: "Go", PriceCents: 5000})
	db.PutBundle(&catalog.Bundle{ID: "b1", Name: "All", PriceCents: 9000, CourseIDs: []string{"c1"}, Active: true})
	s := store.NewCachedStore(db, newFakeCache(), logger.Discard())

	s.GetCourse(ctx, "c1")
	s.GetBundle(ctx, "b1")
	if err := s.SetCoursePricing(ctx, "c1", "prod_1", "price_1"); err != nil {
		t.Fatalf("SetCoursePricing: %v", err)
	}
	if err := s.SetBundlePricing(ctx, "b1", "prod_2", "price_2"); err != nil {
		t.Fatalf("SetBundlePricing: %v", err)
	}

	if c, _ := s.GetCourse(ctx, "c1"); c.ExternalPriceID != "price_1" {
		t.Fatalf("course served stale pricing: %+v", c)
	}
	if b, _ := s.GetBundle(ctx, "b1"); b.ExternalPriceID != "price_2" {
		t.Fatalf("bundle served stale pricing: %+v", b)
	}
}

func TestCachedStoreGetCoursesMergesHitsAndMisses(t *testing.T) {
	ctx := context.Background()
	db := inmem.NewStore()
	for _, id := range []string{"c1", "c2", "c3"} {
		db.PutCourse(&catalog.Course{ID: id, Title: id, PriceCents: 1000})
	}
	cache := newFakeCache()
	s := store.NewCachedStore(db, cache, logger.Discard())

	s.GetCourse(ctx, "c2")
	courses, err := s.GetCourses(ctx, []string{"c3", "c2", "c1", "missing"})
	if err != nil {
		t.Fatalf("GetCourses: %v", err)
	}
	var ids []string
	for _, c := range courses {
		ids = append(ids, c.ID)
	}
	if strings.Join(ids, ",") != "c3,c2,c1" {
		t.Fatalf("unexpected order or members: %v", ids)
	}
	if cache.sets != 3 {
		t.Fatalf("expected every course cached once, got %d sets", cache.sets)
	}
}

func TestCachedStoreBypassesFailingCache(t *testing.T) {
	ctx := context.Background()
	db := inmem.NewStore()
	db.PutCourse(&catalog.Course{ID: "c1", Title: "Go", PriceCents: 5000})
	db.PutBundle(&catalog.Bundle{ID: "b1", Name: "All", CourseIDs: []string{"c1"}, Active: true})
	cache := newFakeCache()
	cache.err = errors.New("connection refused")
	s := store.NewCachedStore(db, cache, logger.Discard())

	if _, err := s.GetCourse(ctx, "c1"); err != nil {
		t.Fatalf("GetCourse should fall back to the store: %v", err)
	}
	if _, err := s.GetBundle(ctx, "b1"); err != nil {
		t.Fatalf("GetBundle should fall back to the store: %v", err)
	}
	if courses, err := s.GetCourses(ctx, []string{"c1"}); err != nil || len(courses) != 1 {
		t.Fatalf("GetCourses should fall back to the store: %v, %v", courses, err)
	}
	if err := s.SetCoursePricing(ctx, "c1", "prod_1", "price_1"); err != nil {
		t.Fatalf("a failed invalidation must not fail the write: %v", err)
	}
	if _, err := s.GetCourse(ctx, "missing"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewCatalogCacheUnreachable(t *testing.T) {
	if _, err := store.NewCatalogCache("127.0.0.1:1", time.Minute); err == nil {
		t.Fatalf("expected an error for an unreachable redis")
	}
}
