package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"recurpay/agreement"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	TxHash    string `json:"tx_hash,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeErrorBody(w, status, errorBody{
		Code:      code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func writeErrorBody(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, map[string]errorBody{"error": body})
}

// statusFor maps an agreement error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, agreement.ErrValidation), errors.Is(err, agreement.ErrInvalidAsset):
		return http.StatusBadRequest
	case errors.Is(err, agreement.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agreement.ErrInvalidState), errors.Is(err, agreement.ErrNotDue):
		return http.StatusConflict
	case errors.Is(err, agreement.ErrSigningRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, agreement.ErrLedger):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError renders an agreement error. Persistence and unknown
// errors are logged; their detail never reaches the client, except the tx
// hash of a payment that already moved funds.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{
		Code:      agreement.Code(err),
		TxHash:    agreement.TxHashOf(err),
		RequestID: middleware.GetReqID(r.Context()),
	}

	var ae *agreement.Error
	if errors.As(err, &ae) {
		body.Message = ae.Message
	}
	if status == http.StatusInternalServerError {
		s.log().Error("request failed",
			"path", r.URL.Path, "code", body.Code, "tx_hash", body.TxHash, "request_id", body.RequestID, "error", err)
		if body.Message == "" {
			body.Message = "internal error"
		}
	}
	if body.Message == "" {
		body.Message = http.StatusText(status)
	}
	writeErrorBody(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
