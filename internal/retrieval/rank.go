package retrieval

import (
	"cmp"
	"slices"

	"github.com/MrWong99/aimemory/pkg/memory"
)

// Ranked is a candidate with its merged relevance.
type Ranked struct {
	memory.Candidate
	Relevance float64
}

// normalizer min-max scales one signal over a candidate pool.
type normalizer struct {
	min, max float64
}

func newNormalizer(vals []float64) normalizer {
	if len(vals) == 0 {
		return normalizer{}
	}
	n := normalizer{min: vals[0], max: vals[0]}
	for _, v := range vals[1:] {
		n.min = min(n.min, v)
		n.max = max(n.max, v)
	}
	return n
}

// scale maps v into [0, 1]. A pool without spread maps to 1 when the signal
// fired and 0 otherwise.
func (n normalizer) scale(v float64) float64 {
	if n.max == n.min {
		if v != 0 {
			return 1
		}
		return 0
	}
	return (v - n.min) / (n.max - n.min)
}

// Merge normalises both signals per pool and combines them as
// alpha*semantic + (1-alpha)*lexical. The result is ordered by relevance
// descending, earlier creation first among equals.
func Merge(cands []memory.Candidate, alpha float64) []Ranked {
	lex := make([]float64, len(cands))
	sem := make([]float64, len(cands))
	for i, c := range cands {
		lex[i] = c.LexicalScore
		sem[i] = c.SemanticScore
	}
	ln, sn := newNormalizer(lex), newNormalizer(sem)

	out := make([]Ranked, len(cands))
	for i, c := range cands {
		out[i] = Ranked{
			Candidate: c,
			Relevance: alpha*sn.scale(c.SemanticScore) + (1-alpha)*ln.scale(c.LexicalScore),
		}
	}
	slices.SortStableFunc(out, func(a, b Ranked) int {
		if c := cmp.Compare(b.Relevance, a.Relevance); c != 0 {
			return c
		}
		if c := a.Node.CreatedAt.Compare(b.Node.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Node.ID, b.Node.ID)
	})
	return out
}
