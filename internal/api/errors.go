package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"example.com/engagement/internal/domain"
	"example.com/engagement/internal/policy"
	"example.com/engagement/internal/service"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(coordinatePair, SubmitActivityRequest{})
	return v
}

// coordinatePair requires lat and lng to be sent together.
func coordinatePair(sl validator.StructLevel) {
	req := sl.Current().Interface().(SubmitActivityRequest)
	if (req.Lat == nil) != (req.Lng == nil) {
		sl.ReportError(req.Lat, "lat", "Lat", "coordinatepair", "")
	}
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	return dec.Decode(dest)
}

// validateRequest runs struct tags and joins violations into one readable message.
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var violations validator.ValidationErrors
	if !errors.As(err, &violations) {
		return err
	}
	msgs := make([]string, 0, len(violations))
	for _, fe := range violations {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	case "max", "lte":
		return fe.Field() + " must be at most " + fe.Param()
	case "gte":
		return fe.Field() + " must be at least " + fe.Param()
	case "latitude", "longitude":
		return fe.Field() + " must be a valid " + fe.Tag()
	case "coordinatepair":
		return "lat and lng must be provided together"
	case "url":
		return fe.Field() + " must be a url"
	}
	return fe.Field() + " failed " + fe.Tag()
}

// writeDomainError maps service and domain errors to HTTP responses in one place.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, policy.ErrOutsideRadius):
		writeError(w, http.StatusUnprocessableEntity, "outside_radius", err.Error())
	case errors.Is(err, policy.ErrNoInvitation):
		writeError(w, http.StatusUnprocessableEntity, "no_invitation", err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrActivityNotFound):
		writeError(w, http.StatusNotFound, "not_found", "activity not found")
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, domain.ErrStatusConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("store unavailable", zap.Error(err))
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "try_again", "temporarily unavailable, retry the request")
	case errors.Is(err, service.ErrReconcilerUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, domain.ErrInvariantViolation):
		h.logger.Error("points ledger invariant violated", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
