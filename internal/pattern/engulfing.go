package pattern

import (
	"fmt"

	"github.com/amirphl/leverage-trader/internal/candle"
)

// Engulfing detects bullish and bearish engulfing patterns where one candle
// body completely covers the body of the previous opposite-coloured candle.
type Engulfing struct{}

func NewEngulfing() *Engulfing { return &Engulfing{} }

func (e *Engulfing) Name() string { return "Engulfing" }

// Detect finds engulfing patterns in the given candles
func (e *Engulfing) Detect(candles []candle.Candle) ([]Match, error) {
	if len(candles) < 2 {
		return nil, fmt.Errorf("need at least 2 candles to detect engulfing patterns")
	}

	var matches []Match
	for i := 1; i < len(candles); i++ {
		current, previous := candles[i], candles[i-1]
		if current.Validate() != nil || previous.Validate() != nil {
			continue
		}

		switch {
		case IsBullishEngulfing(previous, current):
			matches = append(matches, Match{
				Index:     i,
				Pattern:   "Bullish Engulfing",
				Strength:  engulfingStrength(current, previous),
				Direction: Bullish,
				Timestamp: current.OpenTime,
			})
		case IsBearishEngulfing(previous, current):
			matches = append(matches, Match{
				Index:     i,
				Pattern:   "Bearish Engulfing",
				Strength:  engulfingStrength(current, previous),
				Direction: Bearish,
				Timestamp: current.OpenTime,
			})
		}
	}
	return matches, nil
}

// IsBullishEngulfing reports whether a bullish current candle engulfs a
// bearish previous candle.
func IsBullishEngulfing(previous, current candle.Candle) bool {
	return current.IsBullish() && previous.IsBearish() && engulfs(current, previous)
}

// IsBearishEngulfing reports whether a bearish current candle engulfs a
// bullish previous candle.
func IsBearishEngulfing(previous, current candle.Candle) bool {
	return current.IsBearish() && previous.IsBullish() && engulfs(current, previous)
}

func engulfs(current, previous candle.Candle) bool {
	curTop, curBottom := bodyBounds(current)
	prevTop, prevBottom := bodyBounds(previous)
	return curTop >= prevTop && curBottom <= prevBottom
}

// engulfingStrength scales with the body ratio and gets boosted on high
// volume or a very large engulfing body.
func engulfingStrength(current, previous candle.Candle) float64 {
	previousBody := previous.Body()
	if previousBody == 0 {
		return StrengthWeak
	}

	ratio := current.Body() / previousBody
	strength := min(ratio/2.0, 1.0)

	if current.Volume > previous.Volume*1.5 {
		strength = min(strength*1.2, 1.0)
	}
	if ratio > 3.0 {
		strength = min(strength*1.3, 1.0)
	}
	return max(strength, StrengthWeak)
}
