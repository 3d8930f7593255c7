// Package api exposes HTTP handlers for the engagement service.
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"example.com/engagement/internal/auth"
	"example.com/engagement/internal/domain"
	"example.com/engagement/internal/geo"
	"example.com/engagement/internal/persistence"
	"example.com/engagement/internal/reconcile"
	"example.com/engagement/internal/service"
)

// Handler coordinates HTTP requests with the engagement service.
type Handler struct {
	service *service.Service
	logger  *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(svc *service.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: svc, logger: logger.Named("api")}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/activities", h.submitActivity)
	mux.HandleFunc("GET /v1/activities", h.listActivities)
	mux.HandleFunc("GET /v1/activities/{id}", h.getActivity)
	mux.HandleFunc("POST /v1/activities/{id}/artifact", h.attachArtifact)
	mux.HandleFunc("GET /v1/points/balance", h.pointsBalance)
	mux.HandleFunc("GET /v1/points/entries", h.pointsEntries)
	mux.HandleFunc("POST /v1/admin/activities/{id}/actions", h.adminAction)
	mux.HandleFunc("POST /v1/admin/locations", h.addLocation)
	mux.HandleFunc("POST /v1/admin/reconcile", h.reconcile)
	mux.HandleFunc("GET /healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// requireScope returns the caller's claims when any of scopes is granted, writing the error
// response otherwise.
func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasAnyScope(scopes...) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
		return nil, false
	}
	return claims, true
}

func viewerOf(claims *auth.Claims) service.Viewer {
	return service.Viewer{UserID: claims.Subject, Admin: claims.Admin()}
}

func (h *Handler) submitActivity(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	var req SubmitActivityRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := service.SubmitInput{
		UserID:     claims.Subject,
		Kind:       domain.Kind(strings.TrimSpace(req.Kind)),
		OccurredAt: req.OccurredAt,
		EventID:    strings.TrimSpace(req.EventID),
		Metadata:   domain.Metadata(req.Metadata),
		Override:   req.AdminOverride,
		Privileged: claims.Admin(),
	}
	if req.Lat != nil && req.Lng != nil {
		in.Location = &geo.Point{Lat: *req.Lat, Lng: *req.Lng}
	}

	res, err := h.service.Submit(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Replay {
		status = http.StatusOK
	}
	writeJSON(w, status, SubmitActivityResponse{ActivityView: toActivityView(res.Activity), Replay: res.Replay})
}

func (h *Handler) getActivity(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesRead, auth.ScopeActivitiesWrite, auth.ScopeActivitiesAdmin)
	if !ok {
		return
	}

	activity, err := h.service.Get(r.Context(), viewerOf(claims), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityView(*activity))
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesRead, auth.ScopeActivitiesWrite, auth.ScopeActivitiesAdmin)
	if !ok {
		return
	}

	userID := claims.Subject
	if requested := strings.TrimSpace(r.URL.Query().Get("user_id")); requested != "" && requested != userID {
		if !claims.Admin() {
			writeError(w, http.StatusForbidden, "forbidden", "scope activities:admin required to list other users")
			return
		}
		userID = requested
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	activities, next, err := h.service.List(r.Context(), userID, cursor, queryLimit(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	items := make([]ActivityView, 0, len(activities))
	for _, a := range activities {
		items = append(items, toActivityView(a))
	}
	writeJSON(w, http.StatusOK, ListActivitiesResponse{Items: items, NextCursor: persistence.EncodeCursor(next)})
}

func (h *Handler) attachArtifact(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	var req AttachArtifactRequest
	if !h.decode(w, r, &req) {
		return
	}

	activity, err := h.service.AttachArtifact(r.Context(), viewerOf(claims), r.PathValue("id"), req.URL)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityView(*activity))
}

func (h *Handler) pointsBalance(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesRead, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	balance, err := h.service.Balance(r.Context(), claims.Subject)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: claims.Subject, Balance: balance})
}

func (h *Handler) pointsEntries(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesRead, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	entries, err := h.service.Entries(r.Context(), claims.Subject, queryLimit(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EntriesResponse{Items: toEntryViews(entries)})
}

func (h *Handler) adminAction(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesAdmin)
	if !ok {
		return
	}

	var req AdminActionRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.AdminAction(r.Context(), service.AdminActionInput{
		ActivityID: r.PathValue("id"),
		Action:     service.Action(req.Action),
		Reason:     strings.TrimSpace(req.Reason),
		ReviewerID: claims.Subject,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AdminActionResponse{
		Activity: toActivityView(res.Activity),
		Entries:  toEntryViews(res.Entries),
		Changed:  res.Changed,
	})
}

func (h *Handler) addLocation(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, auth.ScopeActivitiesAdmin); !ok {
		return
	}

	var req AddLocationRequest
	if !h.decode(w, r, &req) {
		return
	}

	place, err := h.service.AllowlistLocation(r.Context(), geo.Place{
		ID:       strings.TrimSpace(req.ID),
		Name:     strings.TrimSpace(req.Name),
		Category: req.Category,
		Lat:      *req.Lat,
		Lng:      *req.Lng,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, place)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, auth.ScopeActivitiesAdmin); !ok {
		return
	}

	var req ReconcileRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	started := time.Now()
	report, err := h.service.Reconcile(r.Context(), reconcile.Options{
		Kind:      domain.Kind(req.Kind),
		BatchSize: req.BatchSize,
		Rebase:    req.Rebase,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Report: report, DurationMillis: time.Since(started).Milliseconds()})
}

// decode parses and validates a JSON body, writing the error response on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r.Body, dest); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return false
	}
	return h.validate(w, dest)
}

// decodeOptional is decode for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r.Body, dest); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return false
	}
	return h.validate(w, dest)
}

func (h *Handler) validate(w http.ResponseWriter, dest any) bool {
	if err := validateRequest(dest); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return false
	}
	return true
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}
