// Package inmem is an in-memory Store with the same uniqueness guarantees as
// the PostgreSQL schema. Used by tests and local runs without a database.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timour/course-checkout/payments/catalog"
	"github.com/timour/course-checkout/payments/store"
)

type entitlementKey struct {
	buyerID  string
	courseID string
}

type Store struct {
	sync.RWMutex

	users         map[string]*catalog.User
	courses       map[string]*catalog.Course
	bundles       map[string]*catalog.Bundle
	purchases     map[string]*catalog.Purchase // by payment reference
	entitlements  map[entitlementKey]*catalog.Entitlement
	subscriptions map[string]*catalog.Subscription

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		users:         map[string]*catalog.User{},
		courses:       map[string]*catalog.Course{},
		bundles:       map[string]*catalog.Bundle{},
		purchases:     map[string]*catalog.Purchase{},
		entitlements:  map[entitlementKey]*catalog.Entitlement{},
		subscriptions: map[string]*catalog.Subscription{},
		now:           time.Now,
	}
}

func (s *Store) PutUser(u *catalog.User) {
	s.Lock()
	defer s.Unlock()
	cp := *u
	s.users[u.ID] = &cp
}

func (s *Store) PutCourse(c *catalog.Course) {
	s.Lock()
	defer s.Unlock()
	cp := *c
	s.courses[c.ID] = &cp
}

func (s *Store) PutBundle(b *catalog.Bundle) {
	s.Lock()
	defer s.Unlock()
	s.bundles[b.ID] = copyBundle(b)
}

func copyBundle(b *catalog.Bundle) *catalog.Bundle {
	cp := *b
	cp.CourseIDs = append([]string(nil), b.CourseIDs...)
	return &cp
}

func (s *Store) GetCourse(ctx context.Context, id string) (*catalog.Course, error) {
	s.RLock()
	defer s.RUnlock()
	c, ok := s.courses[id]
	if !ok {
		return nil, fmt.Errorf("course %s: %w", id, catalog.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetCourses(ctx context.Context, ids []string) ([]*catalog.Course, error) {
	s.RLock()
	defer s.RUnlock()
	var res []*catalog.Course
	for _, id := range ids {
		if c, ok := s.courses[id]; ok {
			cp := *c
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (s *Store) ListCourses(ctx context.Context) ([]*catalog.Course, error) {
	s.RLock()
	defer s.RUnlock()
	res := make([]*catalog.Course, 0, len(s.courses))
	for _, c := range s.courses {
		cp := *c
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *Store) GetBundle(ctx context.Context, id string) (*catalog.Bundle, error) {
	s.RLock()
	defer s.RUnlock()
	b, ok := s.bundles[id]
	if !ok {
		return nil, fmt.Errorf("bundle %s: %w", id, catalog.ErrNotFound)
	}
	return copyBundle(b), nil
}

func (s *Store) GetBundles(ctx context.Context, ids []string) ([]*catalog.Bundle, error) {
	s.RLock()
	defer s.RUnlock()
	var res []*catalog.Bundle
	for _, id := range ids {
		if b, ok := s.bundles[id]; ok {
			res = append(res, copyBundle(b))
		}
	}
	return res, nil
}

func (s *Store) ListBundles(ctx context.Context) ([]*catalog.Bundle, error) {
	s.RLock()
	defer s.RUnlock()
	res := make([]*catalog.Bundle, 0, len(s.bundles))
	for _, b := range s.bundles {
		res = append(res, copyBundle(b))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*catalog.User, error) {
	s.RLock()
	defer s.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, catalog.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *Store) SetCoursePricing(ctx context.Context, courseID, productID, priceID string) error {
	s.Lock()
	defer s.Unlock()
	c, ok := s.courses[courseID]
	if !ok {
		return fmt.Errorf("course %s: %w", courseID, catalog.ErrNotFound)
	}
	c.ExternalProductID = productID
	c.ExternalPriceID = priceID
	return nil
}

func (s *Store) SetBundlePricing(ctx context.Context, bundleID, productID, priceID string) error {
	s.Lock()
	defer s.Unlock()
	b, ok := s.bundles[bundleID]
	if !ok {
		return fmt.Errorf("bundle %s: %w", bundleID, catalog.ErrNotFound)
	}
	b.ExternalProductID = productID
	b.ExternalPriceID = priceID
	return nil
}

func (s *Store) InsertPurchase(ctx context.Context, p *catalog.Purchase) (*catalog.Purchase, bool, error) {
	s.Lock()
	defer s.Unlock()

	if existing, ok := s.purchases[p.ExternalPaymentReferenceID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	if _, ok := s.users[p.BuyerID]; !ok {
		return nil, false, fmt.Errorf("failed to insert purchase: buyer %s: %w", p.BuyerID, catalog.ErrNotFound)
	}

	stored := *p
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	stored.PurchasedAt = s.now()
	s.purchases[p.ExternalPaymentReferenceID] = &stored

	cp := stored
	return &cp, true, nil
}

func (s *Store) GetPurchaseByPaymentReference(ctx context.Context, ref string) (*catalog.Purchase, error) {
	s.RLock()
	defer s.RUnlock()
	p, ok := s.purchases[ref]
	if !ok {
		return nil, fmt.Errorf("purchase for %s: %w", ref, catalog.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListPurchases(ctx context.Context, buyerID string, purchaseType catalog.PurchaseType) ([]*catalog.Purchase, error) {
	s.RLock()
	defer s.RUnlock()
	var res []*catalog.Purchase
	for _, p := range s.purchases {
		if p.BuyerID == buyerID && p.PurchaseType == purchaseType {
			cp := *p
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].PurchasedAt.Before(res[j].PurchasedAt) })
	return res, nil
}

// CountPurchases returns the number of ledger rows, for assertions.
func (s *Store) CountPurchases() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.purchases)
}

func (s *Store) GrantEntitlement(ctx context.Context, e *catalog.Entitlement) (bool, error) {
	s.Lock()
	defer s.Unlock()

	key := entitlementKey{e.BuyerID, e.CourseID}
	if _, ok := s.entitlements[key]; ok {
		return false, nil
	}
	stored := *e
	stored.GrantedAt = s.now()
	s.entitlements[key] = &stored
	return true, nil
}

func (s *Store) GetEntitlement(ctx context.Context, buyerID, courseID string) (*catalog.Entitlement, error) {
	s.RLock()
	defer s.RUnlock()
	e, ok := s.entitlements[entitlementKey{buyerID, courseID}]
	if !ok {
		return nil, fmt.Errorf("entitlement %s/%s: %w", buyerID, courseID, catalog.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ListEntitlements(ctx context.Context, buyerID string) ([]*catalog.Entitlement, error) {
	s.RLock()
	defer s.RUnlock()
	var res []*catalog.Entitlement
	for k, e := range s.entitlements {
		if k.buyerID == buyerID {
			cp := *e
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CourseID < res[j].CourseID })
	return res, nil
}

func (s *Store) UpsertSubscription(ctx context.Context, sub *catalog.Subscription) error {
	s.Lock()
	defer s.Unlock()
	stored := *sub
	if existing, ok := s.subscriptions[sub.ExternalSubscriptionID]; ok && stored.BuyerID == "" {
		stored.BuyerID = existing.BuyerID
	}
	stored.UpdatedAt = s.now()
	s.subscriptions[sub.ExternalSubscriptionID] = &stored
	return nil
}

func (s *Store) GetSubscription(id string) (*catalog.Subscription, bool) {
	s.RLock()
	defer s.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, false
	}
	cp := *sub
	return &cp, true
}

// Compile-time check: Store implements store.Store
var _ store.Store = (*Store)(nil)
