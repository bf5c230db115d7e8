package api

import (
	"net/http"

	"github.com/bms/funds-service/internal/domain"
)

type reasonRequest struct {
	Reason string `json:"reason"`
}

type remarksRequest struct {
	Remarks string `json:"remarks"`
}

func (h *Handlers) handleFreezeAccount(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	accountID, ok := h.pathID(w, r, "accountID")
	if !ok {
		return
	}
	var req reasonRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.service.FreezeAccount(r.Context(), actor, accountID, req.Reason)
	if err != nil {
		h.writeServiceError(w, "freeze_account", err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

func (h *Handlers) handleUnfreezeAccount(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	accountID, ok := h.pathID(w, r, "accountID")
	if !ok {
		return
	}

	account, err := h.service.UnfreezeAccount(r.Context(), actor, accountID)
	if err != nil {
		h.writeServiceError(w, "unfreeze_account", err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

func (h *Handlers) handleCloseAccount(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	accountID, ok := h.pathID(w, r, "accountID")
	if !ok {
		return
	}
	var req reasonRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.service.CloseAccount(r.Context(), actor, accountID, req.Reason)
	if err != nil {
		h.writeServiceError(w, "close_account", err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

func (h *Handlers) handleUpdateAccountLimits(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	accountID, ok := h.pathID(w, r, "accountID")
	if !ok {
		return
	}
	var req domain.AccountLimits
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.service.UpdateAccountLimits(r.Context(), actor, accountID, req)
	if err != nil {
		h.writeServiceError(w, "update_account_limits", err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

func (h *Handlers) handleListPendingTransactions(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	limit, ok := h.queryLimit(w, r)
	if !ok {
		return
	}

	txns, err := h.service.ListPendingTransactions(r.Context(), actor, limit)
	if err != nil {
		h.writeServiceError(w, "list_pending_transactions", err)
		return
	}
	h.writeJSON(w, http.StatusOK, txns)
}

func (h *Handlers) handleApproveTransaction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	transactionID, ok := h.pathID(w, r, "transactionID")
	if !ok {
		return
	}
	var req remarksRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.ApproveTransaction(r.Context(), actor, transactionID, req.Remarks)
	if err != nil {
		h.writeServiceError(w, "approve_transaction", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) handleRejectTransaction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	transactionID, ok := h.pathID(w, r, "transactionID")
	if !ok {
		return
	}
	var req remarksRequest
	if !h.decode(w, r, &req) {
		return
	}

	txn, err := h.service.RejectTransaction(r.Context(), actor, transactionID, req.Remarks)
	if err != nil {
		h.writeServiceError(w, "reject_transaction", err)
		return
	}
	h.writeJSON(w, http.StatusOK, txn)
}
