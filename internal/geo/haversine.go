// Package geo resolves submitted coordinates against known real-world places.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius of the spherical model used for distances.
const EarthRadiusMeters = 6_371_000.0

// SearchRadiusMeters is the maximum distance at which a matched place is trusted without review.
const SearchRadiusMeters = 150.0

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate lies inside the WGS84 ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Distance returns the great-circle distance in meters between a and b.
func Distance(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// Box is a latitude/longitude rectangle. MinLng is greater than MaxLng when the box crosses the
// antimeridian.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// BoundingBox returns a box that contains every point within radius meters of p.
// Used as an index-friendly prefilter before exact distances are computed.
func BoundingBox(p Point, radius float64) Box {
	dLat := degrees(radius / EarthRadiusMeters)
	box := Box{
		MinLat: math.Max(-90, p.Lat-dLat),
		MaxLat: math.Min(90, p.Lat+dLat),
		MinLng: -180,
		MaxLng: 180,
	}
	// A box reaching a pole spans every longitude.
	cosLat := math.Cos(radians(p.Lat))
	if cosLat <= 1e-9 || box.MinLat == -90 || box.MaxLat == 90 {
		return box
	}
	dLng := degrees(radius / (EarthRadiusMeters * cosLat))
	if dLng >= 180 {
		return box
	}
	box.MinLng = wrapLng(p.Lng - dLng)
	box.MaxLng = wrapLng(p.Lng + dLng)
	return box
}

// LngRanges splits the longitude span into one or two ranges that do not cross ±180.
func (b Box) LngRanges() [][2]float64 {
	if b.MinLng <= b.MaxLng {
		return [][2]float64{{b.MinLng, b.MaxLng}}
	}
	return [][2]float64{{b.MinLng, 180}, {-180, b.MaxLng}}
}

// Contains reports whether q lies inside the box.
func (b Box) Contains(q Point) bool {
	if q.Lat < b.MinLat || q.Lat > b.MaxLat {
		return false
	}
	for _, r := range b.LngRanges() {
		if q.Lng >= r[0] && q.Lng <= r[1] {
			return true
		}
	}
	return false
}

func wrapLng(lng float64) float64 {
	switch {
	case lng > 180:
		return lng - 360
	case lng < -180:
		return lng + 360
	}
	return lng
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
