package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"example.com/engagement/internal/domain"
	"example.com/engagement/internal/events"
	"example.com/engagement/internal/geo"
	"example.com/engagement/internal/service"
)

// FactService is the subset of the engagement service that facts drive.
type FactService interface {
	CorrectSteps(context.Context, service.StepsCorrection) (*domain.Activity, error)
	AllowlistLocation(context.Context, geo.Place) (geo.Place, error)
}

// FactHandler applies steps corrections and location allowlist facts.
type FactHandler struct {
	svc    FactService
	logger *zap.Logger
}

// NewFactHandler constructs a FactHandler.
func NewFactHandler(svc FactService, logger *zap.Logger) *FactHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FactHandler{svc: svc, logger: logger.Named("facts")}
}

// Handle routes msg by event type. Malformed or rejected facts are reported as ErrUnprocessable.
func (h *FactHandler) Handle(ctx context.Context, msg Message) error {
	switch msg.EventType {
	case events.TypeStepsCorrected:
		return h.stepsCorrected(ctx, msg)
	case events.TypeLocationAllowlisted:
		return h.locationAllowlisted(ctx, msg)
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrUnprocessable, msg.EventType)
	}
}

func (h *FactHandler) stepsCorrected(ctx context.Context, msg Message) error {
	var fact events.StepsCorrected
	if err := json.Unmarshal(msg.Payload, &fact); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnprocessable, msg.EventType, err)
	}
	day, err := time.Parse("2006-01-02", fact.Date)
	if err != nil {
		return fmt.Errorf("%w: bad date %q", ErrUnprocessable, fact.Date)
	}

	a, err := h.svc.CorrectSteps(ctx, service.StepsCorrection{
		UserID: fact.UserID,
		Date:   day,
		Steps:  fact.Steps,
		Source: fact.Source,
	})
	if err != nil {
		return classify(err)
	}
	h.logger.Info("steps corrected",
		zap.String("activity_id", a.ID),
		zap.String("user_id", a.UserID),
		zap.String("date", fact.Date),
		zap.String("status", string(a.Status)),
	)
	return nil
}

func (h *FactHandler) locationAllowlisted(ctx context.Context, msg Message) error {
	var fact events.LocationAllowlisted
	if err := json.Unmarshal(msg.Payload, &fact); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnprocessable, msg.EventType, err)
	}

	place, err := h.svc.AllowlistLocation(ctx, geo.Place{
		ID:       fact.ID,
		Name:     fact.Name,
		Category: fact.Category,
		Lat:      fact.Lat,
		Lng:      fact.Lng,
		Source:   "facts",
	})
	if err != nil {
		return classify(err)
	}
	h.logger.Info("location allowlisted", zap.String("location_id", place.ID), zap.String("category", place.Category))
	return nil
}

// classify marks domain rejections as permanent; everything else is retried.
func classify(err error) error {
	if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrActivityNotFound) ||
		errors.Is(err, domain.ErrInvalidTransition) {
		return fmt.Errorf("%w: %v", ErrUnprocessable, err)
	}
	return err
}
