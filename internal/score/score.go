package score

import (
	"math"

	"github.com/felixgeelhaar/memoir/internal/extract"
)

// Weights are the scorer's tunable coefficients. Every weight must be
// non-negative for the score to stay monotonic.
type Weights struct {
	Base    float64 `json:"base" yaml:"base"`
	Marker  float64 `json:"marker" yaml:"marker"`
	Mild    float64 `json:"mild" yaml:"mild"`
	Salient float64 `json:"salient" yaml:"salient"`
	Length  float64 `json:"length" yaml:"length"`
	// LengthSaturation is the character count at which the length bonus maxes out.
	LengthSaturation int `json:"length_saturation" yaml:"length_saturation"`
}

func DefaultWeights() Weights {
	return Weights{
		Base:             0.5,
		Marker:           0.1,
		Mild:             0.05,
		Salient:          0.15,
		Length:           0.15,
		LengthSaturation: 120,
	}
}

var (
	highMarkers = []string{
		"important", "always", "never", "must", "remember", "critical",
		"essential", "required", "need", "prefer", "hate", "love",
	}
	mildMarkers = []string{
		"like", "use", "work", "project", "team", "company", "usually",
	}
)

// Scorer assigns importance in [0, 1]. It holds no mutable state.
type Scorer struct {
	w    Weights
	high map[string]struct{}
	mild map[string]struct{}
}

func New(w Weights) *Scorer {
	if w.LengthSaturation <= 0 {
		w.LengthSaturation = DefaultWeights().LengthSaturation
	}
	return &Scorer{w: w, high: set(highMarkers), mild: set(mildMarkers)}
}

func Default() *Scorer {
	return New(DefaultWeights())
}

func set(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// Signals are the independent dimensions the score is built from.
type Signals struct {
	HighMarkers int
	MildMarkers int
	Salient     bool
	Length      int
}

// Analyze extracts the scoring signals from a candidate.
func (s *Scorer) Analyze(text string, label extract.Label) Signals {
	seen := make(map[string]struct{})
	var sig Signals
	for _, tok := range extract.Tokens(text) {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		if _, ok := s.high[tok]; ok {
			sig.HighMarkers++
		} else if _, ok := s.mild[tok]; ok {
			sig.MildMarkers++
		}
	}
	sig.Salient = label == extract.LabelSalient
	sig.Length = len([]rune(text))
	return sig
}

// Combine turns signals into a clamped score. Negation is deliberately not a signal.
func (s *Scorer) Combine(sig Signals) float64 {
	v := s.w.Base +
		s.w.Marker*float64(sig.HighMarkers) +
		s.w.Mild*float64(sig.MildMarkers) +
		s.w.Length*math.Min(float64(sig.Length)/float64(s.w.LengthSaturation), 1)
	if sig.Salient {
		v += s.w.Salient
	}
	return clamp(v)
}

// Score returns the importance of a candidate.
func (s *Scorer) Score(text string, label extract.Label) float64 {
	return s.Combine(s.Analyze(text, label))
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
