package distserver

import (
	"sort"

	"github.com/chewxy/math32"
	"golang.org/x/exp/rand"
)

const sampleTopN = 24

// sampleModelId chooses an opponent id from models by rating-weighted
// inverse-CDF sampling: weight each model by exp((rating-maxRating)/400),
// keep the top 24 by rating, normalise to a distribution, and sample via a
// single uniform draw.
func sampleModelId(models []ModelInfo, rng *rand.Rand) string {
	if len(models) == 0 {
		return "dev"
	}
	sorted := append([]ModelInfo(nil), models...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rating > sorted[j].Rating })
	if len(sorted) > sampleTopN {
		sorted = sorted[:sampleTopN]
	}

	maxRating := sorted[0].Rating
	weights := make([]float32, len(sorted))
	var total float32
	for i, m := range sorted {
		w := math32.Exp((m.Rating - maxRating) / eloScale)
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return sorted[0].Id
	}

	draw := rng.Float32() * total
	var cum float32
	for i, w := range weights {
		cum += w
		if draw <= cum {
			return sorted[i].Id
		}
	}
	return sorted[len(sorted)-1].Id
}
