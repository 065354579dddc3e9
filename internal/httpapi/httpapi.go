// Package httpapi exposes the transaction core over JSON. Handlers stay
// thin: decode, call the service, map the error taxonomy onto status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chainsyncstore/ChainSync-sub008/internal/apperr"
	"github.com/chainsyncstore/ChainSync-sub008/internal/domain"
	"github.com/chainsyncstore/ChainSync-sub008/internal/service"
)

type API struct {
	service *service.Service
}

func New(svc *service.Service) *API {
	return &API{service: svc}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/transactions", a.handleCreateTransaction)
		r.Get("/transactions/{id}", a.handleGetTransaction)
		r.Patch("/transactions/{id}", a.handleUpdateTransaction)
		r.Get("/transactions/reference/{ref}", a.handleGetTransactionByReference)

		r.Post("/refunds", a.handleProcessRefund)

		r.Get("/stores/{id}/transactions", a.handleListStoreTransactions)
		r.Get("/stores/{id}/transactions/search", a.handleSearchTransactions)
		r.Get("/stores/{id}/analytics", a.handleAnalytics)
		r.Get("/stores/{id}/audit-logs", a.handleAuditLogs)

		r.Get("/customers/{id}/transactions", a.handleListCustomerTransactions)

		r.Post("/stock/adjustments", a.handleAdjustStock)
		r.Get("/stock/movements", a.handleStockMovements)

		r.Post("/users", a.handleCreateUser)
		r.Get("/users", a.handleListUsers)
	})

	return r
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperr.InvalidInput("malformed request body"))
		return
	}
	resp, err := a.service.CreateTransaction(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	tx, err := a.service.GetTransaction(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) handleGetTransactionByReference(w http.ResponseWriter, r *http.Request) {
	tx, err := a.service.GetTransactionByReference(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req domain.UpdateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperr.InvalidInput("malformed request body"))
		return
	}
	tx, err := a.service.UpdateTransaction(r.Context(), id, req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) handleProcessRefund(w http.ResponseWriter, r *http.Request) {
	var req domain.ProcessRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperr.InvalidInput("malformed request body"))
		return
	}
	ret, err := a.service.ProcessRefund(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ret)
}

func (a *API) handleListStoreTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit, offset := pagination(r)
	txs, err := a.service.ListTransactionsByStore(r.Context(), id, limit, offset)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (a *API) handleListCustomerTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit, offset := pagination(r)
	txs, err := a.service.ListTransactionsByCustomer(r.Context(), id, limit, offset)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (a *API) handleSearchTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit, _ := pagination(r)
	txs, err := a.service.SearchTransactions(r.Context(), id, r.URL.Query().Get("q"), limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (a *API) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	from, to, err := timeRange(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	report, err := a.service.TransactionAnalytics(r.Context(), id, from, to)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	from, to, err := timeRange(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	limit, _ := pagination(r)
	logs, err := a.service.ListAuditLogs(r.Context(), id, from, to, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

type stockAdjustmentPayload struct {
	UserID int64 `json:"user_id"`
	domain.StockAdjustmentRequest
}

func (a *API) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req stockAdjustmentPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperr.InvalidInput("malformed request body"))
		return
	}
	if err := a.service.AdjustStock(r.Context(), req.UserID, req.StockAdjustmentRequest); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (a *API) handleStockMovements(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r)
	movements, err := a.service.StockMovements(r.Context(), r.URL.Query().Get("reference"), limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req domain.UserCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperr.InvalidInput("malformed request body"))
		return
	}
	user, err := a.service.CreateUser(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.service.ListUsers(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, apperr.InvalidInput("invalid %s in path", name))
		return 0, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func timeRange(r *http.Request) (from, to time.Time, err error) {
	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			return from, to, apperr.InvalidInput("from must be RFC3339")
		}
	}
	if raw := q.Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			return from, to, apperr.InvalidInput("to must be RFC3339")
		}
	}
	return from, to, nil
}

// writeAppError maps the error taxonomy to HTTP: not found is 404,
// validation failures are 422 except stock and status conflicts which are
// 409, everything else is a generic 500.
func writeAppError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	switch appErr.Kind {
	case apperr.KindNotFound:
		writeError(w, http.StatusNotFound, appErr)
	case apperr.KindValidation:
		switch appErr.Code {
		case apperr.CodeInsufficientStock, apperr.CodeInvalidTransactionStatus:
			writeError(w, http.StatusConflict, appErr)
		case apperr.CodeInvalidInput:
			writeError(w, http.StatusBadRequest, appErr)
		default:
			writeError(w, http.StatusUnprocessableEntity, appErr)
		}
	case apperr.KindDegraded:
		writeError(w, http.StatusServiceUnavailable, appErr)
	default:
		writeError(w, http.StatusInternalServerError, appErr)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic so storage errors never leak to clients.
	msg := err.Error()
	code := apperr.CodeOf(err)
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	body := map[string]any{"error": msg}
	if code != "" && status < 500 {
		body["code"] = code
	}
	writeJSON(w, status, body)
}
