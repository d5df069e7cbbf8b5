package geo

import (
	"math"
	"sort"

	"github.com/example/ride-booking/internal/models"
)

const (
	milesPerDegree   = 69.1
	degreesPerRadian = 57.3
	earthRadiusKm    = 6371.0
)

// PlanarMiles is the flat-earth approximation used to order candidates.
// The longitude term is scaled by the cosine of the driver's latitude.
// Only the ordering it produces matters; it is not used for fares.
func PlanarMiles(rider, driver models.Coord) float64 {
	dLat := milesPerDegree * (driver.Lat - rider.Lat)
	dLon := milesPerDegree * (rider.Lon - driver.Lon) * math.Cos(driver.Lat/degreesPerRadian)
	return math.Sqrt(dLat*dLat + dLon*dLon)
}

// HaversineKm returns the great-circle distance in kilometres.
func HaversineKm(a, b models.Coord) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// Rank fills in the planar distance of every candidate to origin and returns
// the nearest limit of them, ordered by distance then driver id. limit <= 0
// keeps all. The input slice is reordered in place.
func Rank(origin models.Coord, cands []models.Candidate, limit int) []models.Candidate {
	for i := range cands {
		cands[i].Distance = PlanarMiles(origin, cands[i].Loc)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Distance != cands[j].Distance {
			return cands[i].Distance < cands[j].Distance
		}
		return cands[i].DriverID < cands[j].DriverID
	})
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	return cands
}
