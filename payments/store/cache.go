package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/timour/course-checkout/payments/catalog"
)

// CatalogCache keeps JSON copies of courses and bundles in Redis.
type CatalogCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCatalogCache(addr string, ttl time.Duration) (*CatalogCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &CatalogCache{client: client, ttl: ttl}, nil
}

func (c *CatalogCache) Close() error {
	return c.client.Close()
}

func courseKey(id string) string { return "course:" + id }
func bundleKey(id string) string { return "bundle:" + id }

// get returns found=false on a cache miss.
func (c *CatalogCache) get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get error: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (c *CatalogCache) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (c *CatalogCache) GetCourse(ctx context.Context, id string) (*catalog.Course, error) {
	var course catalog.Course
	found, err := c.get(ctx, courseKey(id), &course)
	if err != nil || !found {
		return nil, err
	}
	return &course, nil
}

func (c *CatalogCache) SetCourse(ctx context.Context, course *catalog.Course) error {
	return c.set(ctx, courseKey(course.ID), course)
}

func (c *CatalogCache) GetBundle(ctx context.Context, id string) (*catalog.Bundle, error) {
	var bundle catalog.Bundle
	found, err := c.get(ctx, bundleKey(id), &bundle)
	if err != nil || !found {
		return nil, err
	}
	return &bundle, nil
}

func (c *CatalogCache) SetBundle(ctx context.Context, bundle *catalog.Bundle) error {
	return c.set(ctx, bundleKey(bundle.ID), bundle)
}

// GetCourses returns whatever subset of ids is cached.
func (c *CatalogCache) GetCourses(ctx context.Context, ids []string) (map[string]*catalog.Course, error) {
	courses := make(map[string]*catalog.Course)
	if len(ids) == 0 {
		return courses, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = courseKey(id)
	}

	results, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget error: %w", err)
	}

	for i, result := range results {
		data, ok := result.(string)
		if !ok {
			continue
		}
		var course catalog.Course
		if err := json.Unmarshal([]byte(data), &course); err != nil {
			continue
		}
		courses[ids[i]] = &course
	}
	return courses, nil
}

func (c *CatalogCache) Invalidate(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}
