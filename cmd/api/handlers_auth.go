package main

import (
	"errors"
	"net/http"
	"time"

	"recurpay/auth"
)

type challengeRequest struct {
	Address string `json:"address"`
}

type challengeResponse struct {
	Nonce     string `json:"nonce"`
	Message   string `json:"message"`
	ExpiresAt string `json:"expiresAt"`
}

type loginResponse struct {
	Token     string `json:"token"`
	Address   string `json:"address"`
	ExpiresAt string `json:"expiresAt"`
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	c, err := s.authService.Challenge(r.Context(), req.Address)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidAddress) {
			writeError(w, r, http.StatusBadRequest, "validation_error", "address is not a valid account id")
			return
		}
		s.log().Error("issue challenge", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "could not issue challenge")
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse{
		Nonce:     c.Nonce,
		Message:   c.Message(),
		ExpiresAt: c.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrInvalidAddress):
		writeError(w, r, http.StatusBadRequest, "validation_error", "address is not a valid account id")
		return
	case errors.Is(err, auth.ErrInvalidSignature), errors.Is(err, auth.ErrChallengeNotFound):
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "challenge signature rejected")
		return
	default:
		s.log().Error("login", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "could not log in")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		Address:   res.Address,
		ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
