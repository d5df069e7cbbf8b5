package geo

import (
	"math"
	"math/rand/v2"

	"github.com/example/ride-booking/internal/models"
)

// Region is the bounding box new riders and drivers are seeded into.
type Region struct {
	MinLat float64 `yaml:"min_lat" validate:"gte=-90,lte=90"`
	MaxLat float64 `yaml:"max_lat" validate:"gte=-90,lte=90,gtefield=MinLat"`
	MinLon float64 `yaml:"min_lon" validate:"gte=-180,lte=180"`
	MaxLon float64 `yaml:"max_lon" validate:"gte=-180,lte=180,gtefield=MinLon"`
	Places []string `yaml:"places" validate:"min=1,dive,required"`
}

// Bengaluru approximates the city limits.
func Bengaluru() Region {
	return Region{
		MinLat: 12.8340,
		MaxLat: 13.0827,
		MinLon: 77.4799,
		MaxLon: 77.7145,
		Places: []string{
			"Bengaluru",
			"Indiranagar",
			"Koramangala",
			"Whitefield",
			"Jayanagar",
			"Malleshwaram",
			"Hebbal",
			"Electronic City",
		},
	}
}

// Random samples a uniformly distributed point inside the region, rounded to
// six decimals, with a label from the place list. A nil rng uses the
// package-level source, which is safe for concurrent use.
func (r Region) Random(rng *rand.Rand) models.Location {
	float := rand.Float64
	intn := rand.IntN
	if rng != nil {
		float = rng.Float64
		intn = rng.IntN
	}
	label := "Unknown"
	if len(r.Places) > 0 {
		label = r.Places[intn(len(r.Places))]
	}
	return models.Location{
		Latitude:  round6(r.MinLat + float()*(r.MaxLat-r.MinLat)),
		Longitude: round6(r.MinLon + float()*(r.MaxLon-r.MinLon)),
		Label:     label,
	}
}

func (r Region) Contains(c models.Coord) bool {
	return c.Lat >= r.MinLat && c.Lat <= r.MaxLat && c.Lon >= r.MinLon && c.Lon <= r.MaxLon
}

func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }
