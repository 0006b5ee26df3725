package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/timour/course-checkout/common/metrics"
	"github.com/timour/course-checkout/payments/catalog"
	"github.com/timour/course-checkout/payments/checkout"
)

const maxRequestBytes = int64(4096)

type PaymentHTTPHandler struct {
	checkout CheckoutService
	access   AccessService
	ledger   LedgerReader
	webhook  http.Handler
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

func NewPaymentHTTPHandler(c CheckoutService, a AccessService, ledger LedgerReader, webhook http.Handler, gatherer prometheus.Gatherer, logger *slog.Logger) *PaymentHTTPHandler {
	return &PaymentHTTPHandler{
		checkout: c,
		access:   a,
		ledger:   ledger,
		webhook:  webhook,
		gatherer: gatherer,
		logger:   logger,
	}
}

func (h *PaymentHTTPHandler) registerRoutes(router *http.ServeMux) {
	router.HandleFunc("POST /api/checkout", h.handleCreateCheckout)
	router.HandleFunc("GET /api/checkout/status", h.handleCheckoutStatus)
	router.HandleFunc("GET /api/courses/{courseID}/access", h.handleCourseAccess)
	router.HandleFunc("GET /api/me/courses", h.handleMyCourses)
	router.Handle("POST /webhook", h.webhook)
	router.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	router.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// Handler wraps the routes with identity and request metrics.
func (h *PaymentHTTPHandler) Handler(m *metrics.HTTPMetrics) http.Handler {
	mux := http.NewServeMux()
	h.registerRoutes(mux)
	return withMetrics(m, mux, withIdentity(mux))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// storeID reports whether id can name a row; every store key is a UUID.
func storeID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (h *PaymentHTTPHandler) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON {type, id}")
		return
	}

	buyerID := buyerFromContext(r.Context())

	var (
		res *checkout.Result
		err error
	)
	switch catalog.PurchaseType(req.Type) {
	case catalog.PurchaseTypeCourse:
		res, err = h.checkout.CreateCourseCheckout(r.Context(), req.ID, buyerID)
	case catalog.PurchaseTypeBundle:
		res, err = h.checkout.CreateBundleCheckout(r.Context(), req.ID, buyerID)
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", `type must be "course" or "bundle"`)
		return
	}

	if err != nil {
		var cerr *checkout.Error
		if errors.As(err, &cerr) {
			writeError(w, cerr.Status, cerr.Code, cerr.Message)
			return
		}
		h.logger.Error("unexpected checkout error", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal", "could not start checkout")
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{URL: res.URL})
}

// handleCheckoutStatus is polled by the success page. A missing purchase
// means the webhook has not landed yet, not that payment failed.
func (h *PaymentHTTPHandler) handleCheckoutStatus(w http.ResponseWriter, r *http.Request) {
	buyerID := buyerFromContext(r.Context())
	if buyerID == "" {
		writeError(w, http.StatusUnauthorized, "auth_required", "sign in to view your purchase")
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}

	p, err := h.ledger.GetPurchaseByPaymentReference(r.Context(), sessionID)
	if errors.Is(err, catalog.ErrNotFound) {
		writeJSON(w, http.StatusOK, checkoutStatusResponse{Status: statusProcessing})
		return
	}
	if err != nil {
		h.logger.Error("failed to look up purchase", slog.String("session_id", sessionID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal", "could not load purchase")
		return
	}
	if p.BuyerID != buyerID {
		writeError(w, http.StatusNotFound, "not_found", "purchase not found")
		return
	}

	writeJSON(w, http.StatusOK, checkoutStatusResponse{
		Status: statusCompleted,
		Purchase: &purchaseResponse{
			ID:           p.ID,
			PurchaseType: string(p.PurchaseType),
			ItemID:       p.ItemID,
			PricePaid:    catalog.FormatCents(p.PricePaidCents),
			PurchasedAt:  p.PurchasedAt,
		},
	})
}

func (h *PaymentHTTPHandler) handleCourseAccess(w http.ResponseWriter, r *http.Request) {
	courseID := r.PathValue("courseID")
	if !storeID(courseID) {
		writeError(w, http.StatusBadRequest, "invalid_id", "course id must be a UUID")
		return
	}
	buyerID := buyerFromContext(r.Context())
	if !storeID(buyerID) {
		writeJSON(w, http.StatusOK, accessResponse{CourseID: courseID, HasAccess: false})
		return
	}

	ok, err := h.access.HasAccess(r.Context(), buyerID, courseID)
	if err != nil {
		h.logger.Error("access check failed", slog.String("course_id", courseID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal", "could not check access")
		return
	}
	writeJSON(w, http.StatusOK, accessResponse{CourseID: courseID, HasAccess: ok})
}

func (h *PaymentHTTPHandler) handleMyCourses(w http.ResponseWriter, r *http.Request) {
	buyerID := buyerFromContext(r.Context())
	if buyerID == "" {
		writeError(w, http.StatusUnauthorized, "auth_required", "sign in to view your courses")
		return
	}
	if !storeID(buyerID) {
		writeJSON(w, http.StatusOK, []entitlementResponse{})
		return
	}

	list, err := h.ledger.ListEntitlements(r.Context(), buyerID)
	if err != nil {
		h.logger.Error("failed to list entitlements", slog.String("buyer_id", buyerID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal", "could not load courses")
		return
	}

	res := make([]entitlementResponse, 0, len(list))
	for _, e := range list {
		res = append(res, entitlementResponse{CourseID: e.CourseID, GrantedVia: e.GrantedVia, GrantedAt: e.GrantedAt})
	}
	writeJSON(w, http.StatusOK, res)
}
