package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/timour/course-checkout/payments/catalog"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store on PostgreSQL. Uniqueness of purchases per
// payment reference and of grants per (buyer, course) is enforced by the
// schema, not by locking here.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is IF NOT EXISTS.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const courseColumns = `id, title, description, price, COALESCE(external_product_id, ''), COALESCE(external_price_id, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCourse(row rowScanner) (*catalog.Course, error) {
	var c catalog.Course
	var price string
	if err := row.Scan(&c.ID, &c.Title, &c.Description, &price, &c.ExternalProductID, &c.ExternalPriceID); err != nil {
		return nil, err
	}
	cents, err := catalog.ParseCents(price)
	if err != nil {
		return nil, fmt.Errorf("course %s: %w", c.ID, err)
	}
	c.PriceCents = cents
	return &c, nil
}

func (s *PostgresStore) GetCourse(ctx context.Context, id string) (*catalog.Course, error) {
	query := `SELECT ` + courseColumns + ` FROM courses WHERE id = $1`
	c, err := scanCourse(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("course %s: %w", id, catalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get course: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetCourses(ctx context.Context, ids []string) ([]*catalog.Course, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + courseColumns + ` FROM courses WHERE id = ANY($1)`
	return s.queryCourses(ctx, query, pq.Array(ids))
}

func (s *PostgresStore) ListCourses(ctx context.Context) ([]*catalog.Course, error) {
	query := `SELECT ` + courseColumns + ` FROM courses ORDER BY id`
	return s.queryCourses(ctx, query)
}

func (s *PostgresStore) queryCourses(ctx context.Context, query string, args ...any) ([]*catalog.Course, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query courses: %w", err)
	}
	defer rows.Close()

	var courses []*catalog.Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan course: %w", err)
		}
		courses = append(courses, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return courses, nil
}

const bundleColumns = `id, name, description, price, discount_percentage, course_ids, active,
	COALESCE(external_product_id, ''), COALESCE(external_price_id, '')`

func scanBundle(row rowScanner) (*catalog.Bundle, error) {
	var b catalog.Bundle
	var price string
	var courseIDs pq.StringArray
	err := row.Scan(&b.ID, &b.Name, &b.Description, &price, &b.DiscountPercentage, &courseIDs, &b.Active,
		&b.ExternalProductID, &b.ExternalPriceID)
	if err != nil {
		return nil, err
	}
	cents, err := catalog.ParseCents(price)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", b.ID, err)
	}
	b.PriceCents = cents
	b.CourseIDs = []string(courseIDs)
	return &b, nil
}

func (s *PostgresStore) GetBundle(ctx context.Context, id string) (*catalog.Bundle, error) {
	query := `SELECT ` + bundleColumns + ` FROM bundles WHERE id = $1`
	b, err := scanBundle(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bundle %s: %w", id, catalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bundle: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) GetBundles(ctx context.Context, ids []string) ([]*catalog.Bundle, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + bundleColumns + ` FROM bundles WHERE id = ANY($1)`
	return s.queryBundles(ctx, query, pq.Array(ids))
}

func (s *PostgresStore) ListBundles(ctx context.Context) ([]*catalog.Bundle, error) {
	query := `SELECT ` + bundleColumns + ` FROM bundles ORDER BY id`
	return s.queryBundles(ctx, query)
}

func (s *PostgresStore) queryBundles(ctx context.Context, query string, args ...any) ([]*catalog.Bundle, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bundles: %w", err)
	}
	defer rows.Close()

	var bundles []*catalog.Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bundle: %w", err)
		}
		bundles = append(bundles, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return bundles, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*catalog.User, error) {
	var u catalog.User
	query := `SELECT id, email, name FROM users WHERE id = $1`
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Email, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, catalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) SetCoursePricing(ctx context.Context, courseID, productID, priceID string) error {
	query := `
		UPDATE courses
		SET external_product_id = $1, external_price_id = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3
	`
	return s.execOne(ctx, query, "course", courseID, productID, priceID, courseID)
}

func (s *PostgresStore) SetBundlePricing(ctx context.Context, bundleID, productID, priceID string) error {
	query := `
		UPDATE bundles
		SET external_product_id = $1, external_price_id = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3
	`
	return s.execOne(ctx, query, "bundle", bundleID, productID, priceID, bundleID)
}

func (s *PostgresStore) execOne(ctx context.Context, query, kind, id string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s pricing: %w", kind, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, catalog.ErrNotFound)
	}
	return nil
}

const purchaseColumns = `id, buyer_id, purchase_type, item_id, price_paid, external_payment_reference_id, purchased_at`

func scanPurchase(row rowScanner) (*catalog.Purchase, error) {
	var p catalog.Purchase
	var purchaseType, price string
	err := row.Scan(&p.ID, &p.BuyerID, &purchaseType, &p.ItemID, &price, &p.ExternalPaymentReferenceID, &p.PurchasedAt)
	if err != nil {
		return nil, err
	}
	cents, err := catalog.ParseCents(price)
	if err != nil {
		return nil, fmt.Errorf("purchase %s: %w", p.ID, err)
	}
	p.PurchaseType = catalog.PurchaseType(purchaseType)
	p.PricePaidCents = cents
	return &p, nil
}

// InsertPurchase relies on UNIQUE(external_payment_reference_id). A losing
// concurrent insert falls through to reading the winner's row.
func (s *PostgresStore) InsertPurchase(ctx context.Context, p *catalog.Purchase) (*catalog.Purchase, bool, error) {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}

	query := `
		INSERT INTO purchases
		(id, buyer_id, purchase_type, item_id, price_paid, external_payment_reference_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (external_payment_reference_id) DO NOTHING
		RETURNING ` + purchaseColumns
	stored, err := scanPurchase(s.db.QueryRowContext(ctx, query,
		id, p.BuyerID, string(p.PurchaseType), p.ItemID, catalog.FormatCents(p.PricePaidCents), p.ExternalPaymentReferenceID))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert purchase: %w", err)
	}

	existing, err := s.GetPurchaseByPaymentReference(ctx, p.ExternalPaymentReferenceID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) GetPurchaseByPaymentReference(ctx context.Context, ref string) (*catalog.Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE external_payment_reference_id = $1`
	p, err := scanPurchase(s.db.QueryRowContext(ctx, query, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("purchase for %s: %w", ref, catalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPurchases(ctx context.Context, buyerID string, purchaseType catalog.PurchaseType) ([]*catalog.Purchase, error) {
	query := `
		SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE buyer_id = $1 AND purchase_type = $2
		ORDER BY purchased_at
	`
	rows, err := s.db.QueryContext(ctx, query, buyerID, string(purchaseType))
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var purchases []*catalog.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return purchases, nil
}

func (s *PostgresStore) GrantEntitlement(ctx context.Context, e *catalog.Entitlement) (bool, error) {
	query := `
		INSERT INTO user_courses (buyer_id, course_id, granted_via)
		VALUES ($1, $2, $3)
		ON CONFLICT (buyer_id, course_id) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query, e.BuyerID, e.CourseID, e.GrantedVia)
	if err != nil {
		return false, fmt.Errorf("failed to grant entitlement: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

func (s *PostgresStore) GetEntitlement(ctx context.Context, buyerID, courseID string) (*catalog.Entitlement, error) {
	var e catalog.Entitlement
	query := `
		SELECT buyer_id, course_id, granted_via, granted_at
		FROM user_courses
		WHERE buyer_id = $1 AND course_id = $2
	`
	err := s.db.QueryRowContext(ctx, query, buyerID, courseID).Scan(&e.BuyerID, &e.CourseID, &e.GrantedVia, &e.GrantedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entitlement %s/%s: %w", buyerID, courseID, catalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) ListEntitlements(ctx context.Context, buyerID string) ([]*catalog.Entitlement, error) {
	query := `
		SELECT buyer_id, course_id, granted_via, granted_at
		FROM user_courses
		WHERE buyer_id = $1
		ORDER BY granted_at
	`
	rows, err := s.db.QueryContext(ctx, query, buyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entitlements: %w", err)
	}
	defer rows.Close()

	var entitlements []*catalog.Entitlement
	for rows.Next() {
		var e catalog.Entitlement
		if err := rows.Scan(&e.BuyerID, &e.CourseID, &e.GrantedVia, &e.GrantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entitlement: %w", err)
		}
		entitlements = append(entitlements, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return entitlements, nil
}

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *catalog.Subscription) error {
	query := `
		INSERT INTO subscriptions (external_subscription_id, buyer_id, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (external_subscription_id) DO UPDATE
		SET status = EXCLUDED.status,
		    buyer_id = COALESCE(EXCLUDED.buyer_id, subscriptions.buyer_id),
		    updated_at = CURRENT_TIMESTAMP
	`
	buyer := sql.NullString{String: sub.BuyerID, Valid: sub.BuyerID != ""}
	if _, err := s.db.ExecContext(ctx, query, sub.ExternalSubscriptionID, buyer, sub.Status); err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
