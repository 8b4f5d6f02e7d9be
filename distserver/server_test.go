package distserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func TestEloEqualRatingsFullWeight(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.UpdateModel("m1", nil))
	s.models["m1"].Rating = 0
	s.models[devId].Rating = 0

	s.GameResult(1, map[string]float32{"m1": 1.0})

	var m1, dev float32
	for _, m := range s.Models() {
		switch m.Id {
		case "m1":
			m1 = m.Rating
		case devId:
			dev = m.Rating
		}
	}
	assert.InDelta(t, 15, m1, 1e-3)
	assert.InDelta(t, -15, dev, 1e-3)
}

func TestEloIgnoresLowRatioEntries(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.UpdateModel("m1", nil))
	s.GameResult(1, map[string]float32{"m1": 0.5})

	for _, m := range s.Models() {
		if m.Id == "m1" {
			assert.Equal(t, float32(-100), m.Rating)
		}
	}
}

func TestUpdateModelSeedsNewRatingBelowDev(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.UpdateModel("m1", nil))
	var m1, dev float32
	for _, m := range s.Models() {
		switch m.Id {
		case "m1":
			m1 = m.Rating
		case devId:
			dev = m.Rating
		}
	}
	assert.Equal(t, dev-100, m1)

	require.NoError(t, s.UpdateModel("m1", nil))
	for _, m := range s.Models() {
		if m.Id == "m1" {
			assert.Equal(t, int32(1), m.Version)
		}
	}
}

func TestRequestModelFallsBackToDev(t *testing.T) {
	s := New(nil, nil)
	id, _ := s.RequestModel(false, "unknown")
	assert.Equal(t, devId, id)
}

func TestSampleModelIdFavoursHigherRating(t *testing.T) {
	models := []ModelInfo{
		{Id: devId, Rating: 0},
		{Id: "strong", Rating: 400},
	}
	rng := rand.New(rand.NewSource(7))
	hits := 0
	const trials = 500
	for i := 0; i < trials; i++ {
		if sampleModelId(models, rng) == "strong" {
			hits++
		}
	}
	assert.Greater(t, float64(hits)/trials, 0.5)
}
