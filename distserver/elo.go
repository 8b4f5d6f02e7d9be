package distserver

import "github.com/chewxy/math32"

// eloK and eloScale are the rating-update constants.
const (
	eloK     = 30
	eloScale = 400
)

// expectedScore is the standard Elo expected-score formula for a player
// rated `rating` against an opponent rated `opponent`.
func expectedScore(rating, opponent float32) float32 {
	return 1 / (1 + math32.Pow(10, (opponent-rating)/eloScale))
}

// eloDelta computes the rating adjustment for a player with `rating` facing
// an opponent rated `opponentRating`, given an outcome offset (1.0 win, 0.0
// loss, 0.5 draw) and a weighting ratio in [0, 1].
func eloDelta(rating, opponentRating, offset, ratio float32) float32 {
	expected := expectedScore(rating, opponentRating)
	return eloK * (offset - expected) * ratio
}

// offsetForReward maps a game reward to the Elo outcome offset: 1.0 if
// reward > 0, 0.0 if < 0, else 0.5.
func offsetForReward(reward float32) float32 {
	switch {
	case reward > 0:
		return 1
	case reward < 0:
		return 0
	default:
		return 0.5
	}
}
