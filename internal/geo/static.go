package geo

import (
	"context"
	"sync"
)

// StaticLocator serves places held in memory. Used for local development and tests.
type StaticLocator struct {
	mu     sync.RWMutex
	name   string
	places []Place
}

// NewStaticLocator builds a locator over places.
func NewStaticLocator(name string, places ...Place) *StaticLocator {
	return &StaticLocator{name: name, places: append([]Place(nil), places...)}
}

// Name implements Locator.
func (s *StaticLocator) Name() string { return s.name }

// Add appends a place.
func (s *StaticLocator) Add(place Place) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.places = append(s.places, place)
}

// Nearest implements Locator.
func (s *StaticLocator) Nearest(ctx context.Context, category string, p Point) (*Place, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best     *Place
		bestDist float64
	)
	for i := range s.places {
		if s.places[i].Category != category {
			continue
		}
		d := Distance(p, s.places[i].Point())
		if best == nil || d < bestDist {
			place := s.places[i]
			best, bestDist = &place, d
		}
	}
	return best, nil
}
