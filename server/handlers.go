package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"citaprevia-notifier/pkg/notifier"
)

type detail struct {
	Detail string `json:"detail"`
}

type queueRequest struct {
	PostalCode string `json:"postal_code" validate:"required,len=5,number,maxcode"`
	UserEmail  string `json:"user_email" validate:"required,max=254,email"`
}

type queueResponse struct {
	Detail          string `json:"detail"`
	ValidationToken string `json:"validation_token"`
}

type postalCode struct {
	Code string `json:"code"`
}

type health struct {
	Status string `json:"status"`
	Tasks  int    `json:"tasks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, health{Status: "healthy", Tasks: s.service.ActiveTasks()})
}

func (s *Server) handlePostalCodes(w http.ResponseWriter, _ *http.Request) {
	codes := s.service.ListPostalCodes()
	out := make([]postalCode, len(codes))
	for i, c := range codes {
		out[i] = postalCode{Code: c}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		s.writeJSON(w, http.StatusTooManyRequests, detail{Detail: "Too many requests. Please try again later."})
		return
	}

	var req queueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, detail{Detail: "Invalid JSON body"})
		return
	}
	req.PostalCode = strings.TrimSpace(req.PostalCode)
	req.UserEmail = strings.ToLower(strings.TrimSpace(req.UserEmail))
	if err := s.validate.Struct(req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, detail{Detail: validationMessage(err)})
		return
	}

	tok, err := s.service.Queue(req.PostalCode, req.UserEmail)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, queueResponse{
		Detail:          "Subscription queued. Confirm it with the validation token.",
		ValidationToken: tok,
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		s.writeJSON(w, http.StatusBadRequest, detail{Detail: "token: required"})
		return
	}

	c, err := s.service.Validate(r.Context(), tok)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail{
		Detail: fmt.Sprintf("Subscribed %s to postal code %s until %s",
			c.UserEmail, c.PostalCode, c.ExpiresAt.UTC().Format(time.RFC3339)),
	})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		s.writeJSON(w, http.StatusBadRequest, detail{Detail: "token: required"})
		return
	}

	c, err := s.service.Remove(tok)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail{
		Detail: fmt.Sprintf("Unsubscribed %s from postal code %s", c.UserEmail, c.PostalCode),
	})
}

// statusFor maps a subscription error to its HTTP status and message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, notifier.ErrInvalidToken):
		return http.StatusBadRequest, "Invalid token"
	case errors.Is(err, notifier.ErrUnknownPostalCode):
		return http.StatusNotFound, "Postal code not found"
	case errors.Is(err, notifier.ErrNotQueued):
		return http.StatusNotFound, "Subscription not queued or expired"
	case errors.Is(err, notifier.ErrNotSubscribed):
		return http.StatusNotFound, "Subscription not found"
	case errors.Is(err, notifier.ErrAlreadySubscribed):
		return http.StatusConflict, "Email already subscribed to this postal code"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
	} else {
		s.logger.Info("Request rejected", "status", status, "error", err)
	}
	s.writeJSON(w, status, detail{Detail: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
