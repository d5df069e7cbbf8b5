package matcher

import (
	"math"

	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/models"
)

// FareSchedule prices a ride as Base + PerKm * great-circle km. Default is
// charged when either end of the trip has no coordinates.
type FareSchedule struct {
	Base    float64 `yaml:"base" validate:"gte=0"`
	PerKm   float64 `yaml:"per_km" validate:"gte=0"`
	Default float64 `yaml:"default" validate:"gte=0"`
}

func DefaultFares() FareSchedule {
	return FareSchedule{Base: 50, PerKm: 12, Default: 150}
}

// Quote returns the fare rounded to two decimals.
func (f FareSchedule) Quote(pickup, dest *models.Coord) float64 {
	if pickup == nil || dest == nil {
		return round2(f.Default)
	}
	return round2(f.Base + f.PerKm*geo.HaversineKm(*pickup, *dest))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
