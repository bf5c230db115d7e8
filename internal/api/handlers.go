/**
 * @description
 * HTTP handlers for the customer-facing endpoints of the funds-service. Handlers parse the
 * request, hand the authenticated Actor and inputs to the funds service, and translate
 * domain failures into status codes. They contain no business rules.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/domain: Request and response models, error kinds.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bms/funds-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const maxRequestBodyBytes = 1 << 20

// FundsService is the engine surface the handlers drive.
type FundsService interface {
	CreateAccount(ctx context.Context, actor domain.Actor, req domain.CreateAccountRequest) (*domain.Account, error)
	GetAccount(ctx context.Context, actor domain.Actor, accountID int64) (*domain.Account, error)
	ListAccounts(ctx context.Context, actor domain.Actor) ([]domain.Account, error)
	Deposit(ctx context.Context, actor domain.Actor, accountID int64, amount decimal.Decimal, description string) (*domain.Transaction, error)
	Withdraw(ctx context.Context, actor domain.Actor, accountID int64, amount decimal.Decimal, description string) (*domain.Transaction, error)
	InitiateTransfer(ctx context.Context, actor domain.Actor, req domain.TransferRequest) (*domain.TransferResult, error)
	CompleteTransfer(ctx context.Context, actor domain.Actor, reference, otpCode string) (*domain.TransferResult, error)
	ResendTransferOtp(ctx context.Context, actor domain.Actor, reference string) error
	ListTransactions(ctx context.Context, actor domain.Actor, accountID int64, from, to time.Time) ([]domain.Transaction, error)
	SearchTransactions(ctx context.Context, actor domain.Actor, term string) ([]domain.Transaction, error)
	FilterTransactions(ctx context.Context, actor domain.Actor, filter domain.TransactionFilter) ([]domain.Transaction, error)
	GetTransactionByReference(ctx context.Context, actor domain.Actor, reference string) ([]domain.Transaction, error)
	TransactionStats(ctx context.Context, actor domain.Actor, from, to time.Time) (*domain.TransactionStats, error)
	ListNotifications(ctx context.Context, actor domain.Actor, limit int) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, actor domain.Actor, notificationID int64) error

	FreezeAccount(ctx context.Context, actor domain.Actor, accountID int64, reason string) (*domain.Account, error)
	UnfreezeAccount(ctx context.Context, actor domain.Actor, accountID int64) (*domain.Account, error)
	CloseAccount(ctx context.Context, actor domain.Actor, accountID int64, reason string) (*domain.Account, error)
	UpdateAccountLimits(ctx context.Context, actor domain.Actor, accountID int64, newLimits domain.AccountLimits) (*domain.Account, error)
	ListPendingTransactions(ctx context.Context, actor domain.Actor, limit int) ([]domain.Transaction, error)
	ApproveTransaction(ctx context.Context, actor domain.Actor, transactionID int64, remarks string) (*domain.TransferResult, error)
	RejectTransaction(ctx context.Context, actor domain.Actor, transactionID int64, remarks string) (*domain.Transaction, error)
}

// Handlers holds the funds service the endpoints use.
type Handlers struct {
	service FundsService
}

// NewHandlers creates the API handlers.
func NewHandlers(service FundsService) *Handlers {
	return &Handlers{service: service}
}

type moneyRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

type completeTransferRequest struct {
	OtpCode string `json:"otp"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (h *Handlers) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req domain.CreateAccountRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.service.CreateAccount(r.Context(), actor, req)
	if err != nil {
		h.writeServiceError(w, "create_account", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, account)
}

func (h *Handlers) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	accounts, err := h.service.ListAccounts(r.Context(), actor)
	if err != nil {
		h.writeServiceError(w, "list_accounts", err)
		return
	}
	h.writeJSON(w, http.StatusOK, accounts)
}

func (h *Handlers) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	accountID, ok := h.pathID(w, r, "accountID")
	if !ok {
		return
	}
	account, err := h.service.GetAccount(r.Context(), actor, accountID)
	if err != nil {
		h.writeServiceError(w, "get_account", err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

func (h *Handlers) handleDeposit(w http.ResponseWriter, r *http.Request) {
	h.handleMoneyMovement(w, r, "deposit", h.service.Deposit)
}

func (h *Handlers) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	h.handleMoneyMovement(w, r, "withdraw", h.service.Withdraw)
}

func (h *Handlers) handleMoneyMovement(
	w http.ResponseWriter,
	r *http.Request,
	endpoint string,
	move func(ctx context.Context, actor domain.Actor, accountID int64, amount decimal.Decimal, description string) (*domain.Transaction, error),
) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	accountID, ok := h.pathID(w, r, "accountID")
	if !ok {
		return
	}
	var req moneyRequest
	if !h.decode(w, r, &req) {
		return
	}

	txn, err := move(r.Context(), actor, accountID, req.Amount, req.Description)
	if err != nil {
		h.writeServiceError(w, endpoint, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, txn)
}

func (h *Handlers) handleInitiateTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req domain.TransferRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.InitiateTransfer(r.Context(), actor, req)
	if err != nil {
		h.writeServiceError(w, "initiate_transfer", err)
		return
	}
	status := http.StatusCreated
	if result.VerificationRequired {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, result)
}

func (h *Handlers) handleCompleteTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req completeTransferRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.CompleteTransfer(r.Context(), actor, chi.URLParam(r, "reference"), req.OtpCode)
	if err != nil {
		h.writeServiceError(w, "complete_transfer", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) handleResendTransferOtp(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.service.ResendTransferOtp(r.Context(), actor, chi.URLParam(r, "reference")); err != nil {
		h.writeServiceError(w, "resend_transfer_otp", err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "A new verification code has been sent"})
}

func (h *Handlers) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	accountID, ok := h.pathID(w, r, "accountID")
	if !ok {
		return
	}
	from, to, ok := h.dateRange(w, r)
	if !ok {
		return
	}

	txns, err := h.service.ListTransactions(r.Context(), actor, accountID, from, to)
	if err != nil {
		h.writeServiceError(w, "list_transactions", err)
		return
	}
	h.writeJSON(w, http.StatusOK, txns)
}

func (h *Handlers) handleSearchTransactions(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	txns, err := h.service.SearchTransactions(r.Context(), actor, r.URL.Query().Get("q"))
	if err != nil {
		h.writeServiceError(w, "search_transactions", err)
		return
	}
	h.writeJSON(w, http.StatusOK, txns)
}

func (h *Handlers) handleFilterTransactions(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var filter domain.TransactionFilter
	if !h.decode(w, r, &filter) {
		return
	}
	txns, err := h.service.FilterTransactions(r.Context(), actor, filter)
	if err != nil {
		h.writeServiceError(w, "filter_transactions", err)
		return
	}
	h.writeJSON(w, http.StatusOK, txns)
}

func (h *Handlers) handleGetTransactionByReference(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	txns, err := h.service.GetTransactionByReference(r.Context(), actor, chi.URLParam(r, "reference"))
	if err != nil {
		h.writeServiceError(w, "get_transaction_by_reference", err)
		return
	}
	h.writeJSON(w, http.StatusOK, txns)
}

func (h *Handlers) handleTransactionStats(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	from, to, ok := h.dateRange(w, r)
	if !ok {
		return
	}
	stats, err := h.service.TransactionStats(r.Context(), actor, from, to)
	if err != nil {
		h.writeServiceError(w, "transaction_stats", err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	limit, ok := h.queryLimit(w, r)
	if !ok {
		return
	}
	notifications, err := h.service.ListNotifications(r.Context(), actor, limit)
	if err != nil {
		h.writeServiceError(w, "list_notifications", err)
		return
	}
	h.writeJSON(w, http.StatusOK, notifications)
}

func (h *Handlers) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	notificationID, ok := h.pathID(w, r, "notificationID")
	if !ok {
		return
	}
	if err := h.service.MarkNotificationRead(r.Context(), actor, notificationID); err != nil {
		h.writeServiceError(w, "mark_notification_read", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// actor returns the authenticated actor or writes 401.
func (h *Handlers) actor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := GetActor(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not identify user from token")
	}
	return actor, ok
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name))
		return 0, false
	}
	return id, true
}

func (h *Handlers) queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return 0, false
	}
	return limit, true
}

// dateRange reads optional from/to query values as RFC 3339 timestamps or plain dates.
// A plain "to" date covers that whole day.
func (h *Handlers) dateRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	from, err := parseQueryTime(r.URL.Query().Get("from"), false)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid from date")
		return time.Time{}, time.Time{}, false
	}
	to, err := parseQueryTime(r.URL.Query().Get("to"), true)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid to date")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func parseQueryTime(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	day, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		return day.Add(24*time.Hour - time.Nanosecond), nil
	}
	return day, nil
}

// statusForError maps a domain failure kind to an HTTP status.
func statusForError(err error) int {
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindPolicyViolation:
		return http.StatusUnprocessableEntity
	case domain.KindAuthorizationDenied:
		return http.StatusForbidden
	case domain.KindConflictState:
		return http.StatusConflict
	case domain.KindStepUpFailed:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s msg=\"request failed\" err=%v", endpoint, err)
		h.writeError(w, status, "Internal server error")
		return
	}

	log.Printf("level=warn component=api endpoint=%s outcome=reject kind=%s err=%v", endpoint, domain.KindOf(err), err)
	resp := errorResponse{Error: err.Error()}
	var de *domain.Error
	if errors.As(err, &de) {
		resp.Code = de.Code()
	}
	h.writeJSON(w, status, resp)
}

// writeJSON is a helper for writing JSON responses.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSONBody(w, status, data)
}

// writeError is a helper for writing JSON error responses.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	writeErrorJSON(w, status, message)
}

func writeJSONBody(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeErrorJSON(w http.ResponseWriter, status int, message string) {
	writeJSONBody(w, status, errorResponse{Error: message})
}
