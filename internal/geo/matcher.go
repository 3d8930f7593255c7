package geo

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Place is a known real-world location resolved by a Locator.
type Place struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	Category string  `json:"category"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Source   string  `json:"source,omitempty"`
}

// Point returns the coordinate of the place.
func (p Place) Point() Point {
	return Point{Lat: p.Lat, Lng: p.Lng}
}

// Verdict is the outcome of a nearest-place search.
type Verdict struct {
	Found          bool    `json:"found"`
	Place          *Place  `json:"place,omitempty"`
	DistanceMeters float64 `json:"distance_m,omitempty"`
	Confident      bool    `json:"confident"`
	LookupErr      string  `json:"lookup_error,omitempty"`
}

// NewVerdict builds a verdict for a place at the given distance, applying the confidence radius.
func NewVerdict(place *Place, distance float64) Verdict {
	if place == nil {
		return Verdict{}
	}
	return Verdict{
		Found:          true,
		Place:          place,
		DistanceMeters: distance,
		Confident:      distance <= SearchRadiusMeters,
	}
}

// Locator resolves the nearest place of a category around a coordinate.
// A nil place with a nil error means nothing was found.
type Locator interface {
	Name() string
	Nearest(ctx context.Context, category string, p Point) (*Place, error)
}

// LookupFailure describes a failed locator call.
type LookupFailure struct {
	Source     string
	Category   string
	Point      Point
	Reason     string
	OccurredAt time.Time
}

// FailureSink receives lookup failures for later inspection.
type FailureSink interface {
	RecordLookupFailure(ctx context.Context, failure LookupFailure) error
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithExternal adds locators that call out of process. They are only consulted by FindNearest.
func WithExternal(locators ...Locator) MatcherOption {
	return func(m *Matcher) {
		m.external = append(m.external, locators...)
	}
}

// WithTimeout bounds every individual locator call.
func WithTimeout(timeout time.Duration) MatcherOption {
	return func(m *Matcher) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithFailureSink reports lookup failures to sink.
func WithFailureSink(sink FailureSink) MatcherOption {
	return func(m *Matcher) {
		m.sink = sink
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) MatcherOption {
	return func(m *Matcher) {
		m.logger = logger
	}
}

// Matcher finds the nearest known place of a category and reports a confidence verdict.
type Matcher struct {
	stored   []Locator
	external []Locator
	timeout  time.Duration
	sink     FailureSink
	logger   *zap.Logger
	now      func() time.Time
}

// NewMatcher builds a Matcher over locators backed by stored data.
func NewMatcher(stored []Locator, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		stored:  stored,
		timeout: 2 * time.Second,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("geo.matcher")
	return m
}

// FindNearest consults every locator and never fails: lookup errors degrade to a verdict
// with Found=false and LookupErr set, unless another locator produced a place.
func (m *Matcher) FindNearest(ctx context.Context, category string, lat, lng float64) Verdict {
	locators := make([]Locator, 0, len(m.stored)+len(m.external))
	locators = append(locators, m.stored...)
	locators = append(locators, m.external...)
	return m.search(ctx, locators, category, Point{Lat: lat, Lng: lng})
}

// NearestStored is FindNearest restricted to stored locators. It does not query the real world.
func (m *Matcher) NearestStored(ctx context.Context, category string, lat, lng float64) Verdict {
	return m.search(ctx, m.stored, category, Point{Lat: lat, Lng: lng})
}

func (m *Matcher) search(ctx context.Context, locators []Locator, category string, p Point) Verdict {
	if !p.Valid() {
		return Verdict{LookupErr: "invalid coordinate"}
	}

	var (
		best     *Place
		bestDist float64
		failures []string
	)
	for _, locator := range locators {
		place, err := m.lookup(ctx, locator, category, p)
		if err != nil {
			failures = append(failures, locator.Name()+": "+err.Error())
			m.reportFailure(ctx, locator.Name(), category, p, err)
			continue
		}
		if place == nil {
			continue
		}
		d := Distance(p, place.Point())
		if best == nil || d < bestDist {
			best, bestDist = place, d
		}
	}

	verdict := NewVerdict(best, bestDist)
	if len(failures) > 0 {
		verdict.LookupErr = strings.Join(failures, "; ")
	}
	return verdict
}

func (m *Matcher) lookup(ctx context.Context, locator Locator, category string, p Point) (place *Place, err error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			place, err = nil, errors.New("locator panicked")
		}
	}()

	place, err = locator.Nearest(ctx, category, p)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if place != nil && place.Source == "" {
		place.Source = locator.Name()
	}
	return place, nil
}

func (m *Matcher) reportFailure(ctx context.Context, source, category string, p Point, cause error) {
	recordLookupFailure(source)
	m.logger.Warn("place lookup failed",
		zap.String("source", source),
		zap.String("category", category),
		zap.Float64("lat", p.Lat),
		zap.Float64("lng", p.Lng),
		zap.Error(cause),
	)
	if m.sink == nil {
		return
	}
	failure := LookupFailure{
		Source:     source,
		Category:   category,
		Point:      p,
		Reason:     cause.Error(),
		OccurredAt: m.now().UTC(),
	}
	// The request context may already be past its deadline when the locator timed out.
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	if err := m.sink.RecordLookupFailure(sinkCtx, failure); err != nil {
		m.logger.Error("record lookup failure", zap.String("source", source), zap.Error(err))
	}
}
