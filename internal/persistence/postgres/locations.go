package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"example.com/engagement/internal/domain"
	"example.com/engagement/internal/events"
	"example.com/engagement/internal/geo"
)

// knownLocationSearchMeters bounds the bounding-box prefilter. It is wider than the confidence
// radius so near misses still surface as low-confidence matches.
const knownLocationSearchMeters = 1000.0

// KnownLocations resolves places from the known_locations table.
type KnownLocations struct {
	repo *Repository
}

// KnownLocations returns a geo.Locator over the stored catalog and allow-list.
func (r *Repository) KnownLocations() *KnownLocations {
	return &KnownLocations{repo: r}
}

// Name implements geo.Locator.
func (k *KnownLocations) Name() string { return "known_locations" }

// Nearest implements geo.Locator. The bounding box narrows candidates on the index; the exact
// haversine distance picks the winner.
func (k *KnownLocations) Nearest(ctx context.Context, category string, p geo.Point) (*geo.Place, error) {
	box := geo.BoundingBox(p, knownLocationSearchMeters)
	ranges := box.LngRanges()
	// Near the antimeridian the box splits in two; otherwise the single range is repeated.
	west, east := ranges[0], ranges[len(ranges)-1]

	rows, err := k.repo.pool.Query(ctx,
		`SELECT id, name, category, lat, lng, source FROM known_locations
          WHERE category=$1 AND lat BETWEEN $2 AND $3
            AND (lng BETWEEN $4 AND $5 OR lng BETWEEN $6 AND $7)`,
		category, box.MinLat, box.MaxLat, west[0], west[1], east[0], east[1],
	)
	if err != nil {
		return nil, storeError(err)
	}
	defer rows.Close()

	var (
		best     *geo.Place
		bestDist float64
	)
	for rows.Next() {
		var place geo.Place
		if err := rows.Scan(&place.ID, &place.Name, &place.Category, &place.Lat, &place.Lng, &place.Source); err != nil {
			return nil, storeError(err)
		}
		d := geo.Distance(p, place.Point())
		if best == nil || d < bestDist {
			candidate := place
			best, bestDist = &candidate, d
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(err)
	}
	return best, nil
}

// AddKnownLocation implements domain.LocationStore. Re-adding an id updates it and marks it
// allow-listed.
func (r *Repository) AddKnownLocation(ctx context.Context, place geo.Place) (geo.Place, error) {
	if strings.TrimSpace(place.ID) == "" {
		place.ID = uuid.NewString()
	}
	if place.Source == "" {
		place.Source = "allowlist"
	}

	const stmt = `INSERT INTO known_locations (id, name, category, lat, lng, allowlisted, source)
        VALUES ($1,$2,$3,$4,$5,TRUE,$6)
        ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, category=EXCLUDED.category, lat=EXCLUDED.lat,
            lng=EXCLUDED.lng, allowlisted=TRUE, source=EXCLUDED.source`
	if _, err := r.pool.Exec(ctx, stmt, place.ID, place.Name, place.Category, place.Lat, place.Lng, place.Source); err != nil {
		return geo.Place{}, storeError(err)
	}
	return place, nil
}

// Invitation implements domain.InvitationStore.
func (r *Repository) Invitation(ctx context.Context, userID, eventID string) (*domain.Invitation, error) {
	const query = `SELECT e.id, i.user_id, e.name, e.lat, e.lng, e.radius_m, e.starts_at, e.ends_at
        FROM event_invitations i JOIN events e ON e.id = i.event_id
        WHERE i.user_id=$1 AND i.event_id=$2 AND i.status <> 'declined'`

	var (
		inv          domain.Invitation
		starts, ends *time.Time
	)
	err := r.pool.QueryRow(ctx, query, userID, eventID).Scan(
		&inv.EventID, &inv.UserID, &inv.EventName, &inv.Location.Lat, &inv.Location.Lng, &inv.RadiusMeters, &starts, &ends,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err)
	}
	if starts != nil {
		inv.StartsAt = *starts
	}
	if ends != nil {
		inv.EndsAt = *ends
	}
	return &inv, nil
}

// RecordLookupFailure implements geo.FailureSink by writing a geo.lookup_failed outbox event.
func (r *Repository) RecordLookupFailure(ctx context.Context, failure geo.LookupFailure) error {
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		return insertOutbox(ctx, tx, events.LookupFailedEvent(failure))
	})
	return storeError(err)
}
