package pricing

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/timour/course-checkout/payments/catalog"
)

// Catalog lists everything the batch job walks.
type Catalog interface {
	ListCourses(ctx context.Context) ([]*catalog.Course, error)
	ListBundles(ctx context.Context) ([]*catalog.Bundle, error)
}

// Job syncs every course and every active bundle. An item that fails is
// logged and skipped; the run reports how many failed.
type Job struct {
	service *Service
	catalog Catalog
	logger  *zap.Logger
}

func NewJob(service *Service, catalog Catalog, logger *zap.Logger) *Job {
	return &Job{service: service, catalog: catalog, logger: logger}
}

type Summary struct {
	Synced  int
	Changed int
	Failed  int
}

func (j *Job) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	courses, err := j.catalog.ListCourses(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to list courses: %w", err)
	}
	bundles, err := j.catalog.ListBundles(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to list bundles: %w", err)
	}

	items := make([]Item, 0, len(courses)+len(bundles))
	for _, c := range courses {
		items = append(items, CourseItem(c))
	}
	for _, b := range bundles {
		if !b.Active {
			j.logger.Debug("skipping inactive bundle", zap.String("bundle_id", b.ID))
			continue
		}
		items = append(items, BundleItem(b))
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		res, err := j.service.SyncItemPricing(ctx, item)
		if err != nil {
			summary.Failed++
			j.logger.Error("price sync failed",
				zap.String("item_type", string(item.Type)),
				zap.String("item_id", item.ID),
				zap.Error(err),
			)
			continue
		}

		summary.Synced++
		if res.Changed {
			summary.Changed++
		}
		j.logger.Debug("price synced",
			zap.String("item_type", string(item.Type)),
			zap.String("item_id", item.ID),
			zap.String("price_id", res.PriceID),
			zap.Bool("changed", res.Changed),
		)
	}

	j.logger.Info("price sync finished",
		zap.Int("synced", summary.Synced),
		zap.Int("changed", summary.Changed),
		zap.Int("failed", summary.Failed),
	)
	if summary.Failed > 0 {
		return summary, fmt.Errorf("%d of %d items failed to sync", summary.Failed, len(items))
	}
	return summary, nil
}
