package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"gigflow/apperr"
	"gigflow/auth"
	"gigflow/logging"
)

// envelope is the body of every /api response. Redirect is a hint for
// form-driven clients; the core never redirects.
type envelope struct {
	OK       bool       `json:"ok"`
	Data     any        `json:"data,omitempty"`
	Redirect string     `json:"redirect,omitempty"`
	Error    *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

const kindUnauthorized = "unauthorized"

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondOK(w http.ResponseWriter, status int, data any, redirect string) {
	writeJSON(w, status, envelope{OK: true, Data: data, Redirect: redirect})
}

func respondError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, envelope{Error: &errorBody{Kind: kind, Message: message}})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logging.OrNop(s.logger).Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		if kind == apperr.KindInternal {
			msg = "internal error"
		} else {
			msg = "temporarily unavailable, retry the request"
		}
	}
	respondError(w, status, string(kind), msg)
}

// failAuth maps account errors, which live outside the apperr taxonomy.
func (s *Server) failAuth(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, kindUnauthorized, "invalid email or password")
	case errors.Is(err, auth.ErrDuplicateEmail):
		respondError(w, http.StatusConflict, string(apperr.KindConflict), "email already registered")
	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrSelfAssignedAdmin):
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), err.Error())
	default:
		s.fail(w, r, apperr.Wrap(apperr.KindValidation, "auth", err))
	}
}

// decode reads a JSON body into dst, rejecting unknown fields.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("decode request", "invalid JSON body: "+err.Error())
	}
	return nil
}
