package geo

import (
	"context"
	"math"
	"sort"

	"github.com/jwalitptl/lab-booking/internal/model"
	"github.com/jwalitptl/lab-booking/pkg/errors"
	"github.com/jwalitptl/lab-booking/pkg/logger"
)

const earthRadiusKm = 6371.0

// Point is a user or lab position.
type Point = model.Coordinates

// Mode selects what distance is measured to.
type Mode string

const (
	// ModeFixedReference measures every lab against one configured point and
	// ignores stored lab coordinates.
	ModeFixedReference Mode = "fixed_reference"
	// ModeLabCoordinates measures against each lab's own coordinates and
	// falls back to the reference point for labs without them.
	ModeLabCoordinates Mode = "lab_coordinates"
)

type RankerConfig struct {
	Mode      Mode
	Reference Point
}

// Ranker orders labs by approximate great-circle distance from the user.
type Ranker struct {
	mode      Mode
	reference Point
	logger    *logger.Logger
}

func NewRanker(cfg RankerConfig, log *logger.Logger) *Ranker {
	if cfg.Mode == "" {
		cfg.Mode = ModeLabCoordinates
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Ranker{mode: cfg.Mode, reference: cfg.Reference, logger: log}
}

// Haversine returns the great-circle distance in kilometres.
func Haversine(a, b Point) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := toRadians(b.Latitude - a.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func roundTenth(km float64) float64 {
	return math.Round(km*10) / 10
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Rank returns a copy of labs annotated with DistanceKm. With a nil user
// position the input order is kept and every distance is +Inf.
func (r *Ranker) Rank(user *Point, labs []model.Lab) []model.Lab {
	out := make([]model.Lab, len(labs))
	copy(out, labs)

	if user == nil {
		for i := range out {
			out[i].DistanceKm = math.Inf(1)
		}
		return out
	}

	for i := range out {
		out[i].DistanceKm = roundTenth(Haversine(*user, r.target(out[i])))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DistanceKm < out[j].DistanceKm
	})
	return out
}

func (r *Ranker) target(lab model.Lab) Point {
	if r.mode == ModeLabCoordinates && lab.Location != nil {
		return *lab.Location
	}
	return r.reference
}

// RankNearby asks the locator for the user's position and ranks labs. When
// the position is unavailable the labs come back unsorted along with a
// retryable ExternalUnavailable error.
func (r *Ranker) RankNearby(ctx context.Context, locator Locator, labs []model.Lab) ([]model.Lab, error) {
	if locator == nil {
		return r.Rank(nil, labs), errors.NewExternalUnavailable("geolocation", ErrPositionUnavailable)
	}
	pos, err := locator.CurrentPosition(ctx)
	if err != nil {
		r.logger.Warn("location unavailable, labs left unsorted", "error", err.Error())
		if appErr, ok := errors.As(err); ok && appErr.Kind == errors.KindExternalUnavailable {
			return r.Rank(nil, labs), appErr
		}
		return r.Rank(nil, labs), errors.NewExternalUnavailable("geolocation", err)
	}
	return r.Rank(&pos, labs), nil
}

// Nearest returns at most n labs from the front of a ranked list.
func Nearest(labs []model.Lab, n int) []model.Lab {
	if n <= 0 || n >= len(labs) {
		return labs
	}
	return labs[:n]
}
