// Package feed maps an animal's weight to its grain tier and green fodder ration.
//
// Both functions are pure and total over non-negative weights. Callers reject
// negative or non-finite weights with ValidateWeight before calling them.
package feed

import (
	"fmt"
	"math"

	"herdline/internal/domain"
)

// GoatFodderKg is the daily green fodder ration for goats of any weight.
const GoatFodderKg = 2.5

// Tier returns the grain tier for the animal at weightKg.
// Weights past the last threshold fall into the top tier.
func Tier(weightKg float64, animal domain.AnimalKind) domain.Tier {
	switch animal {
	case domain.Goat:
		switch {
		case weightKg < 10:
			return domain.TierT100
		case weightKg <= 15:
			return domain.TierT150
		default:
			return domain.TierT200
		}
	case domain.Cow:
		switch {
		case weightKg < 150:
			return domain.TierT1
		case weightKg < 280:
			return domain.TierT2
		default:
			return domain.TierT3
		}
	}
	return ""
}

// FodderKg returns the daily green fodder ration in kilograms.
func FodderKg(weightKg float64, animal domain.AnimalKind) float64 {
	switch animal {
	case domain.Goat:
		return GoatFodderKg
	case domain.Cow:
		switch {
		case weightKg < 150:
			return 5
		case weightKg < 250:
			return 7.5
		case weightKg < 400:
			return 12.5
		default:
			return 17.5
		}
	}
	return 0
}

// ValidateWeight rejects weights the calculator is not defined for.
func ValidateWeight(weightKg float64) error {
	if math.IsNaN(weightKg) || math.IsInf(weightKg, 0) || weightKg < 0 {
		return fmt.Errorf("%w: %v", domain.ErrInvalidWeight, weightKg)
	}
	return nil
}
