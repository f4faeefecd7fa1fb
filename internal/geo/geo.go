// Package geo holds the pure geometry helpers shared by the tracker and the
// geofence tracker: great-circle distance and point-in-polygon membership.
// Grounded on the teacher's internal/utils/distance.go (haversine constants
// and signature shape); ray-casting has no teacher analogue and is authored
// fresh in the same plain-function style.
package geo

import "math"

// EarthRadiusKm mirrors the teacher's utils.EarthRadius constant.
const EarthRadiusKm = 6371.0

// HaversineMeters returns the great-circle distance between two points, in
// meters. It is the same formula as the teacher's CalculateDistance and the
// duplicate private distanceBetweenPoints in models/tracking.go, unified
// into one shared helper instead of the teacher's two copies.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180.0
	dLat := (lat2 - lat1) * degToRad
	dLon := (lon2 - lon1) * degToRad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c * 1000
}

// Point is a (latitude, longitude) pair used by the polygon predicate.
type Point struct {
	Lat float64
	Lon float64
}

// InPolygon reports whether pt lies inside the polygon described by
// vertices, using the standard ray-casting algorithm: a horizontal ray cast
// eastward from pt crosses an odd number of polygon edges iff pt is inside.
// Vertices are taken as an implicit ring (last connects back to first).
// Edge ties (a ray passing exactly through a vertex) are resolved by the
// conventional half-open edge test below, which is deterministic for a
// given vertex ordering.
func InPolygon(pt Point, vertices []Point) bool {
	if len(vertices) < 3 {
		return false
	}
	inside := false
	n := len(vertices)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi := vertices[i]
		vj := vertices[j]
		crosses := (vi.Lat > pt.Lat) != (vj.Lat > pt.Lat)
		if crosses {
			xIntersect := (vj.Lon-vi.Lon)*(pt.Lat-vi.Lat)/(vj.Lat-vi.Lat) + vi.Lon
			if pt.Lon < xIntersect {
				inside = !inside
			}
		}
	}
	return inside
}
