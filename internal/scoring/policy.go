// Package scoring implements importance reinforcement and time-driven decay
// of memory nodes.
//
// Scores live in [0, Policy.MaxScore]. A retrieval hit reinforces a node by
// Policy.ReinforceDelta and resets its decay clock. The periodic sweep
// subtracts DecayRate per elapsed [Policy.Period] since the later of the last
// access and the last decay, then records the sweep time on the node as a
// watermark. Sweeping twice at the same logical time therefore decays once.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/aimemory/pkg/memory"
)

// Policy holds the tunable constants of the scoring model.
type Policy struct {
	// BaseScore is the initial score of every new node.
	BaseScore float64

	// MaxScore caps reinforcement.
	MaxScore float64

	// ReinforceDelta is added on every retrieval hit.
	ReinforceDelta float64

	// DecayRates holds the per-period decay by level. Levels beyond the
	// slice use the last entry.
	DecayRates []float64

	// Period is the wall-clock length of one decay period.
	Period time.Duration
}

// DefaultPolicy returns the stock scoring constants.
func DefaultPolicy() Policy {
	return Policy{
		BaseScore:      1.0,
		MaxScore:       10.0,
		ReinforceDelta: 0.5,
		DecayRates:     []float64{0.1, 0.05, 0.025},
		Period:         24 * time.Hour,
	}
}

// Validate reports every problem with p.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxScore <= 0 {
		errs = append(errs, fmt.Errorf("max score must be positive, got %v", p.MaxScore))
	}
	if p.BaseScore < 0 || p.BaseScore > p.MaxScore {
		errs = append(errs, fmt.Errorf("base score %v outside [0, %v]", p.BaseScore, p.MaxScore))
	}
	if p.ReinforceDelta < 0 {
		errs = append(errs, fmt.Errorf("reinforce delta must not be negative, got %v", p.ReinforceDelta))
	}
	if len(p.DecayRates) == 0 {
		errs = append(errs, errors.New("at least one decay rate is required"))
	}
	for i, r := range p.DecayRates {
		if r < 0 {
			errs = append(errs, fmt.Errorf("decay rate for level %d must not be negative, got %v", i, r))
		}
	}
	if p.Period <= 0 {
		errs = append(errs, fmt.Errorf("decay period must be positive, got %v", p.Period))
	}
	return errors.Join(errs...)
}

// RateFor returns the decay rate assigned to new nodes at level.
func (p Policy) RateFor(level int) float64 {
	if len(p.DecayRates) == 0 {
		return 0
	}
	if level < 0 {
		level = 0
	}
	return p.DecayRates[min(level, len(p.DecayRates)-1)]
}

// Reinforced returns the score after one retrieval hit.
func (p Policy) Reinforced(score float64) float64 {
	return math.Min(p.MaxScore, score+p.ReinforceDelta)
}

// Decayed returns the score of n at now and whether it changed. The decay
// clock starts at the later of LastAccessedAt and LastDecayedAt; a clock
// that has not advanced leaves the score alone.
func (p Policy) Decayed(n *memory.MemoryNode, now time.Time) (float64, bool) {
	from := n.LastAccessedAt
	if n.LastDecayedAt.After(from) {
		from = n.LastDecayedAt
	}
	elapsed := now.Sub(from)
	if elapsed <= 0 || n.ImportanceScore <= 0 || p.Period <= 0 {
		return n.ImportanceScore, false
	}
	rate := n.DecayRate
	if rate <= 0 {
		return n.ImportanceScore, false
	}
	periods := float64(elapsed) / float64(p.Period)
	return math.Max(0, n.ImportanceScore-rate*periods), true
}
