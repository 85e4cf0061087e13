package geo

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/lab-booking/internal/model"
	"github.com/jwalitptl/lab-booking/pkg/errors"
)

func labAt(id string, lat, lng float64) model.Lab {
	return model.Lab{ID: id, Name: id, Location: &model.Coordinates{Latitude: lat, Longitude: lng}}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Kochi to Thiruvananthapuram, roughly 170 km.
	d := Haversine(Point{Latitude: 9.9312, Longitude: 76.2673}, Point{Latitude: 8.5241, Longitude: 76.9366})
	assert.InDelta(t, 171.0, d, 3.0)
	assert.Zero(t, Haversine(Point{Latitude: 10, Longitude: 76}, Point{Latitude: 10, Longitude: 76}))
}

func TestRankOrdersByComputedDistance(t *testing.T) {
	r := NewRanker(RankerConfig{Mode: ModeLabCoordinates, Reference: Point{Latitude: 9.9312, Longitude: 76.2673}}, nil)
	user := Point{Latitude: 10.0, Longitude: 76.0}
	far := labAt("far", 10.5, 76.5)
	near := labAt("near", 10.05, 76.05)

	ranked := r.Rank(&user, []model.Lab{far, near})

	require.Len(t, ranked, 2)
	assert.Equal(t, "near", ranked[0].ID)
	assert.Equal(t, "far", ranked[1].ID)
	assert.Less(t, ranked[0].DistanceKm, ranked[1].DistanceKm)
	assert.Equal(t, roundTenth(ranked[0].DistanceKm), ranked[0].DistanceKm, "rounded to one decimal")

	again := r.Rank(&user, []model.Lab{near, far})
	assert.Equal(t, ranked[0].ID, again[0].ID, "input order does not matter")
}

func TestRankFixedReferenceIgnoresLabCoordinates(t *testing.T) {
	ref := Point{Latitude: 9.9312, Longitude: 76.2673}
	r := NewRanker(RankerConfig{Mode: ModeFixedReference, Reference: ref}, nil)
	user := Point{Latitude: 10.0, Longitude: 76.0}

	ranked := r.Rank(&user, []model.Lab{labAt("a", 12, 77), labAt("b", 10, 76)})

	want := roundTenth(Haversine(user, ref))
	assert.Equal(t, "a", ranked[0].ID, "equal distances keep input order")
	assert.Equal(t, want, ranked[0].DistanceKm)
	assert.Equal(t, want, ranked[1].DistanceKm)
}

func TestRankWithoutLocationKeepsOrder(t *testing.T) {
	r := NewRanker(RankerConfig{}, nil)
	labs := []model.Lab{labAt("b", 12, 77), labAt("a", 10, 76)}

	ranked := r.Rank(nil, labs)

	assert.Equal(t, "b", ranked[0].ID)
	assert.True(t, math.IsInf(ranked[0].DistanceKm, 1))
	assert.True(t, math.IsInf(ranked[1].DistanceKm, 1))
	assert.Zero(t, labs[0].DistanceKm, "input is not mutated")
}

func TestRankNearbyDegradesOnDenied(t *testing.T) {
	r := NewRanker(RankerConfig{}, nil)
	labs := []model.Lab{labAt("b", 12, 77), labAt("a", 10, 76)}

	ranked, err := r.RankNearby(context.Background(), StaticLocator{}, labs)

	require.Error(t, err)
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindExternalUnavailable, appErr.Kind)
	assert.True(t, appErr.Retryable)
	assert.Equal(t, []string{"b", "a"}, []string{ranked[0].ID, ranked[1].ID})
}

func TestCachedLocatorTimesOut(t *testing.T) {
	slow := LocatorFunc(func(ctx context.Context) (Point, error) {
		<-ctx.Done()
		return Point{}, ctx.Err()
	})
	l := NewCachedLocator(slow, 20*time.Millisecond, time.Minute)

	_, err := l.CurrentPosition(context.Background())

	assert.True(t, errors.Is(err, errors.KindExternalUnavailable))
}

func TestCachedLocatorReusesPosition(t *testing.T) {
	var calls int32
	src := LocatorFunc(func(context.Context) (Point, error) {
		atomic.AddInt32(&calls, 1)
		return Point{Latitude: 10, Longitude: 76}, nil
	})
	l := NewCachedLocator(src, time.Second, time.Minute)

	for i := 0; i < 3; i++ {
		pos, err := l.CurrentPosition(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 10.0, pos.Latitude)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	l.Forget()
	_, _ = l.CurrentPosition(context.Background())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestNearest(t *testing.T) {
	labs := []model.Lab{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	assert.Len(t, Nearest(labs, 2), 2)
	assert.Len(t, Nearest(labs, 0), 3)
	assert.Len(t, Nearest(labs, 10), 3)
}
