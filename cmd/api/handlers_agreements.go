package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"recurpay/agreement"
	"recurpay/ledger"
)

type assetResponse struct {
	Code   string `json:"code"`
	Issuer string `json:"issuer,omitempty"`
}

type agreementResponse struct {
	ID              string        `json:"id"`
	Sender          string        `json:"sender"`
	Recipient       string        `json:"recipient"`
	Asset           assetResponse `json:"asset"`
	Amount          string        `json:"amount"`
	Frequency       string        `json:"frequency"`
	StartDate       string        `json:"startDate"`
	Indefinite      bool          `json:"indefinite"`
	CyclesTotal     *int          `json:"cyclesTotal"`
	CyclesCompleted int           `json:"cyclesCompleted"`
	Status          string        `json:"status"`
	NextPaymentDate string        `json:"nextPaymentDate"`
	LastPaymentDate *string       `json:"lastPaymentDate"`
	CreatedAt       string        `json:"createdAt"`
	UpdatedAt       string        `json:"updatedAt"`
}

type executionResponse struct {
	Agreement  agreementResponse `json:"agreement"`
	TxHash     string            `json:"txHash"`
	ExecutedAt string            `json:"executedAt"`
}

type executionRecordResponse struct {
	TxHash     string        `json:"txHash"`
	Cycle      int           `json:"cycle"`
	Amount     string        `json:"amount"`
	Asset      assetResponse `json:"asset"`
	Ledger     int64         `json:"ledger,omitempty"`
	ExecutedAt string        `json:"executedAt"`
}

type scheduleResponse struct {
	Due      []agreementResponse `json:"due"`
	Upcoming []agreementResponse `json:"upcoming"`
	DueSoon  []agreementResponse `json:"dueSoon"`
}

type createAgreementRequest struct {
	Recipient   string `json:"recipient"`
	AssetCode   string `json:"assetCode"`
	AssetIssuer string `json:"assetIssuer"`
	Amount      string `json:"amount"`
	Frequency   string `json:"frequency"`
	StartDate   string `json:"startDate"`
	Cycles      *int   `json:"cycles"`
}

type reconcileRequest struct {
	TxHash string `json:"txHash"`
}

func toAsset(a ledger.Asset) assetResponse {
	if a.IsNative() {
		return assetResponse{Code: ledger.NativeCode}
	}
	return assetResponse{Code: a.Code, Issuer: a.Issuer}
}

func toAgreementResponse(a agreement.Agreement) agreementResponse {
	resp := agreementResponse{
		ID:              a.ID,
		Sender:          a.Sender,
		Recipient:       a.Recipient,
		Asset:           toAsset(a.Asset),
		Amount:          a.Amount,
		Frequency:       string(a.Frequency),
		StartDate:       a.StartDate.UTC().Format(time.RFC3339),
		Indefinite:      a.Indefinite(),
		CyclesTotal:     a.CyclesTotal,
		CyclesCompleted: a.CyclesCompleted,
		Status:          string(a.Status),
		NextPaymentDate: a.NextPaymentDate.UTC().Format(time.RFC3339),
		CreatedAt:       a.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       a.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if a.LastPaymentDate != nil {
		last := a.LastPaymentDate.UTC().Format(time.RFC3339)
		resp.LastPaymentDate = &last
	}
	return resp
}

func toAgreementResponses(list []agreement.Agreement) []agreementResponse {
	out := make([]agreementResponse, 0, len(list))
	for _, a := range list {
		out = append(out, toAgreementResponse(a))
	}
	return out
}

func toExecutionResponse(e agreement.Execution) executionResponse {
	return executionResponse{
		Agreement:  toAgreementResponse(e.Agreement),
		TxHash:     e.TxHash,
		ExecutedAt: e.ExecutedAt.UTC().Format(time.RFC3339),
	}
}

// parseStartDate accepts RFC 3339 timestamps and plain dates, which mean
// midnight UTC.
func parseStartDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// statusFilter expands the status query parameter. "finished" covers both
// terminal statuses.
func statusFilter(raw string) ([]agreement.Status, bool) {
	var out []agreement.Status
	for _, part := range strings.Split(raw, ",") {
		switch part = strings.ToLower(strings.TrimSpace(part)); part {
		case "":
		case "finished":
			out = append(out, agreement.StatusCompleted, agreement.StatusCancelled)
		default:
			st := agreement.Status(part)
			if !st.Valid() {
				return nil, false
			}
			out = append(out, st)
		}
	}
	return out, true
}

func (s *Server) handleListAgreements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	statuses, ok := statusFilter(q.Get("status"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "validation_error", "status must be active, paused, completed, cancelled or finished")
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))

	list, err := s.agreementService.List(r.Context(), sessionFrom(r.Context()), agreement.ListFilter{
		Statuses: statuses,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := toAgreementResponses(list)
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleCreateAgreement(w http.ResponseWriter, r *http.Request) {
	var req createAgreementRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	start, ok := parseStartDate(req.StartDate)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "validation_error", "startDate must be an RFC 3339 timestamp or YYYY-MM-DD")
		return
	}

	created, err := s.agreementService.Create(r.Context(), sessionFrom(r.Context()), agreement.CreateParams{
		Recipient:   req.Recipient,
		AssetCode:   req.AssetCode,
		AssetIssuer: req.AssetIssuer,
		Amount:      req.Amount,
		Frequency:   agreement.Frequency(strings.ToLower(strings.TrimSpace(req.Frequency))),
		StartDate:   start,
		Cycles:      req.Cycles,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgreementResponse(created))
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := s.agreementService.Get(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(a))
}

func (s *Server) handleTransition(action agreement.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := s.agreementService.Transition(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), action)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAgreementResponse(a))
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	exec, err := s.agreementService.ExecutePayment(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecutionResponse(exec))
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	exec, err := s.agreementService.Reconcile(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), req.TxHash)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecutionResponse(exec))
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	records, err := s.agreementService.Executions(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]executionRecordResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, executionRecordResponse{
			TxHash:     rec.TxHash,
			Cycle:      rec.Cycle,
			Amount:     rec.Amount,
			Asset:      toAsset(rec.Asset),
			Ledger:     rec.Ledger,
			ExecutedAt: rec.ExecutedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.agreementService.Schedule(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{
		Due:      toAgreementResponses(sched.Due),
		Upcoming: toAgreementResponses(sched.Upcoming),
		DueSoon:  toAgreementResponses(sched.DueSoon),
	})
}
