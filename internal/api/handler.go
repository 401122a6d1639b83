package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/greenbasket/checkout/internal/broker"
	"github.com/greenbasket/checkout/internal/domain"
	"github.com/greenbasket/checkout/internal/ledger"
	"github.com/greenbasket/checkout/internal/offline"
	"github.com/greenbasket/checkout/internal/service"
	"github.com/greenbasket/checkout/internal/session"
)

type CheckoutHandler struct {
	svc     *service.Coordinator
	timeout time.Duration
}

func NewCheckoutHandler(svc *service.Coordinator, timeout time.Duration) *CheckoutHandler {
	return &CheckoutHandler{
		svc:     svc,
		timeout: timeout,
	}
}

type CreateSessionRequestDTO struct {
	CartSnapshot domain.CartSnapshot `json:"cartSnapshot"`
}

type SessionResponseDTO struct {
	CheckoutCode string               `json:"checkoutCode"`
	Status       domain.SessionStatus `json:"status"`
	Totals       domain.Totals        `json:"totals"`
	CreatedAt    time.Time            `json:"createdAt"`
}

// POST /api/v1/checkout
func (h *CheckoutHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	user := getUserFromContext(r.Context())
	if user.ID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	var req CreateSessionRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if len(req.CartSnapshot.Items) == 0 {
		respondError(w, http.StatusBadRequest, "empty_cart", "cartSnapshot must contain at least one item")
		return
	}

	s, err := h.svc.CreateSession(ctx, user.ID, req.CartSnapshot)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, SessionResponseDTO{
		CheckoutCode: s.CheckoutCode,
		Status:       s.Status,
		Totals:       s.Totals,
		CreatedAt:    s.CreatedAt,
	})
}

type OfflinePayloadRequestDTO struct {
	CartSnapshot domain.CartSnapshot `json:"cartSnapshot"`
}

type OfflinePayloadResponseDTO struct {
	Payload json.RawMessage `json:"payload"`
}

// POST /api/v1/checkout/offline
func (h *CheckoutHandler) BuildOfflinePayload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	user := getUserFromContext(r.Context())
	if user.ID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	var req OfflinePayloadRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if len(req.CartSnapshot.Items) == 0 {
		respondError(w, http.StatusBadRequest, "empty_cart", "cartSnapshot must contain at least one item")
		return
	}

	payload, err := h.svc.BuildOfflinePayload(ctx, offline.IdentitySnapshot{
		UserID:    user.ID,
		UserName:  user.Name,
		UserEmail: user.Email,
	}, req.CartSnapshot)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, OfflinePayloadResponseDTO{Payload: payload})
}

// POST /api/v1/checkout/{code}/scan
func (h *CheckoutHandler) Scan(w http.ResponseWriter, r *http.Request) {
	user, code, ok := h.cashierRequest(w, r)
	if !ok {
		return
	}

	if err := h.svc.Scan(code, user.ID, user.Name); err != nil {
		handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "scanned"})
}

type LockRequestDTO struct {
	Voucher *domain.Voucher `json:"voucher,omitempty"`
}

// POST /api/v1/checkout/{code}/lock
func (h *CheckoutHandler) Lock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	user, code, ok := h.cashierRequest(w, r)
	if !ok {
		return
	}

	var req LockRequestDTO
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}

	if err := h.svc.Lock(ctx, code, user.ID, req.Voucher); err != nil {
		handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "locked"})
}

type PayRequestDTO struct {
	PaymentRef string `json:"paymentRef"`
}

// POST /api/v1/checkout/{code}/pay
func (h *CheckoutHandler) Pay(w http.ResponseWriter, r *http.Request) {
	user, code, ok := h.cashierRequest(w, r)
	if !ok {
		return
	}

	var req PayRequestDTO
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}

	if err := h.svc.MarkPaid(code, user.ID, req.PaymentRef); err != nil {
		handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "paid"})
}

// POST /api/v1/checkout/{code}/complete
func (h *CheckoutHandler) Complete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	user, code, ok := h.cashierRequest(w, r)
	if !ok {
		return
	}

	orderID, err := h.svc.Complete(ctx, code, user.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "complete", "orderId": orderID})
}

type CancelRequestDTO struct {
	Reason string `json:"reason"`
}

// POST /api/v1/checkout/{code}/cancel
func (h *CheckoutHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	user, code, ok := h.cashierRequest(w, r)
	if !ok {
		return
	}

	var req CancelRequestDTO
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}

	reason := domain.CancellationReason(req.Reason)
	switch reason {
	case "":
		reason = domain.ReasonCashierAbort
	case domain.ReasonCustomerAbort, domain.ReasonCashierAbort,
		domain.ReasonPaymentDeclined, domain.ReasonOperatorOverride:
	default:
		respondError(w, http.StatusBadRequest, "invalid_reason", "unknown cancellation reason")
		return
	}

	if err := h.svc.Cancel(ctx, code, user.ID, reason); err != nil {
		handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type SubmitOfflineRequestDTO struct {
	Payload     json.RawMessage `json:"payload"`
	CompletedAt time.Time       `json:"completedAt"`
}

// POST /api/v1/offline/sessions
func (h *CheckoutHandler) SubmitOfflineSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	user := getUserFromContext(r.Context())
	if user.ID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}
	if user.Role != RoleCashier {
		respondError(w, http.StatusForbidden, "forbidden", "only cashier devices may submit offline sessions")
		return
	}

	var req SubmitOfflineRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if len(req.Payload) == 0 {
		respondError(w, http.StatusBadRequest, "missing_payload", "payload is required")
		return
	}

	if err := h.svc.SubmitOfflineSession(ctx, req.Payload, req.CompletedAt); err != nil {
		handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type UsageResponseDTO struct {
	Usage *ledger.WeekUsage `json:"usage"`
}

// GET /api/v1/usage/{customer_id}
func (h *CheckoutHandler) Usage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	user := getUserFromContext(r.Context())
	if user.ID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	customerID := chi.URLParam(r, "customer_id")
	if customerID == "" {
		respondError(w, http.StatusBadRequest, "invalid_customer_id", "customer_id is required")
		return
	}
	// Customers may only read their own usage.
	if user.Role != RoleCashier && customerID != user.ID {
		respondError(w, http.StatusForbidden, "forbidden", "cannot read another customer's usage")
		return
	}

	usage, err := h.svc.Usage(ctx, customerID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, UsageResponseDTO{Usage: usage})
}

// cashierRequest extracts the common preconditions of every mutation
// endpoint: an authenticated cashier and a checkout code in the path.
func (h *CheckoutHandler) cashierRequest(w http.ResponseWriter, r *http.Request) (User, string, bool) {
	user := getUserFromContext(r.Context())
	if user.ID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return User{}, "", false
	}
	if user.Role != RoleCashier {
		respondError(w, http.StatusForbidden, "forbidden", "only the cashier device may drive a checkout")
		return User{}, "", false
	}

	code := chi.URLParam(r, "code")
	if code == "" {
		respondError(w, http.StatusBadRequest, "invalid_code", "checkout code is required")
		return User{}, "", false
	}
	return user, code, true
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func handleServiceError(w http.ResponseWriter, err error) {
	var capErr *ledger.CapExceededError

	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "not_found", "checkout session not found")
	case errors.Is(err, session.ErrSessionExpired):
		respondError(w, http.StatusGone, "session_expired", "checkout session has expired")
	case errors.Is(err, session.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, session.ErrVoucherTooLarge):
		respondError(w, http.StatusBadRequest, "voucher_too_large", err.Error())
	case errors.Is(err, service.ErrWrongCashier):
		respondError(w, http.StatusForbidden, "wrong_cashier", err.Error())
	case errors.Is(err, broker.ErrReadOnlyRole):
		respondError(w, http.StatusForbidden, "read_only_role", "customer connections cannot mutate a checkout")
	case errors.Is(err, broker.ErrTopicClosed):
		respondError(w, http.StatusConflict, "session_closed", "checkout session is already closed")
	case errors.Is(err, offline.ErrMalformedPayload):
		respondError(w, http.StatusBadRequest, "malformed_payload", err.Error())
	case errors.As(err, &capErr):
		respondError(w, http.StatusConflict, "cap_exceeded", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
