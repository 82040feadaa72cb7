package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"recurpay/reconcile"
	"recurpay/wallet"
)

type balanceResponse struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type walletResponse struct {
	Address       string            `json:"address"`
	Funded        bool              `json:"funded"`
	NativeBalance string            `json:"nativeBalance"`
	Balances      []balanceResponse `json:"balances"`
}

type transferResponse struct {
	Direction string `json:"direction"`
	Amount    string `json:"amount"`
	Asset     string `json:"asset"`
	Date      string `json:"date"`
	From      string `json:"from"`
	To        string `json:"to"`
	Memo      string `json:"memo,omitempty"`
	TxHash    string `json:"txHash"`
}

type reconciliationResponse struct {
	ID             int64   `json:"id"`
	AgreementID    string  `json:"agreementId"`
	TxHash         string  `json:"txHash"`
	ExpectedCycles int     `json:"expectedCycles"`
	Reason         string  `json:"reason"`
	Status         string  `json:"status"`
	OpenedAt       string  `json:"openedAt"`
	ResolvedAt     *string `json:"resolvedAt"`
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	ov, err := s.walletService.Overview(r.Context(), sessionFrom(r.Context()).Address)
	if err != nil {
		s.log().Warn("wallet overview", "error", err)
		writeError(w, r, http.StatusBadGateway, "ledger_error", "could not load wallet balances")
		return
	}
	resp := walletResponse{
		Address:       ov.Address,
		Funded:        ov.Funded,
		NativeBalance: ov.NativeBalance,
		Balances:      make([]balanceResponse, 0, len(ov.Balances)),
	}
	for _, b := range ov.Balances {
		resp.Balances = append(resp.Balances, balanceResponse{Asset: b.Asset, Amount: b.Amount})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWalletTransactions(w http.ResponseWriter, r *http.Request) {
	limit := wallet.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "validation_error", "limit must be a positive integer")
			return
		}
		limit = n
	}
	transfers, err := s.walletService.History(r.Context(), sessionFrom(r.Context()).Address, limit)
	if err != nil {
		s.log().Warn("wallet history", "error", err)
		writeError(w, r, http.StatusBadGateway, "ledger_error", "could not load transactions")
		return
	}
	items := make([]transferResponse, 0, len(transfers))
	for _, t := range transfers {
		items = append(items, transferResponse{
			Direction: string(t.Direction),
			Amount:    t.Amount,
			Asset:     t.Asset,
			Date:      t.Date.UTC().Format(time.RFC3339),
			From:      t.From,
			To:        t.To,
			Memo:      t.Memo,
			TxHash:    t.TxHash,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleReconciliations(w http.ResponseWriter, r *http.Request) {
	records, err := s.reconciliationService.List(r.Context(), sessionFrom(r.Context()).Address, chi.URLParam(r, "id"))
	if err != nil {
		s.log().Error("list reconciliations", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "could not list reconciliations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toReconciliationResponses(records)})
}

// handleOpenReconciliations lists unresolved records across all owners for
// operators.
func (s *Server) handleOpenReconciliations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.reconciliationService.ListOpen(r.Context(), limit)
	if err != nil {
		s.log().Error("list open reconciliations", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "could not list reconciliations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toReconciliationResponses(records)})
}

func toReconciliationResponses(records []reconcile.Record) []reconciliationResponse {
	items := make([]reconciliationResponse, 0, len(records))
	for _, rec := range records {
		item := reconciliationResponse{
			ID:             rec.ID,
			AgreementID:    rec.AgreementID,
			TxHash:         rec.TxHash,
			ExpectedCycles: rec.ExpectedCycles,
			Reason:         rec.Reason,
			Status:         string(rec.Status),
			OpenedAt:       rec.OpenedAt.UTC().Format(time.RFC3339),
		}
		if rec.ResolvedAt != nil {
			resolved := rec.ResolvedAt.UTC().Format(time.RFC3339)
			item.ResolvedAt = &resolved
		}
		items = append(items, item)
	}
	return items
}

func (s *Server) handleRunDue(w http.ResponseWriter, r *http.Request) {
	summary, err := s.jobs.RunDue(r.Context())
	if err != nil {
		s.log().Error("run due agreements", "error", err)
		writeError(w, r, http.StatusInternalServerError, "persistence_error", "could not list due agreements")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
