package memory

import (
	"math"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	// fuzzyMinLen is the shortest term eligible for fuzzy credit. Shorter
	// terms produce too many accidental Jaro-Winkler hits.
	fuzzyMinLen = 5

	// fuzzyThreshold is the minimum Jaro-Winkler score for partial credit.
	fuzzyThreshold = 0.92

	// fuzzyCredit is the weight of a fuzzy or phonetic term match relative
	// to an exact one.
	fuzzyCredit = 0.5
)

// Tokenize lower-cases text and splits it into letter/digit runs.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// LexicalScore rates how well content matches query on a [0, 1] scale.
//
// The score is the harmonic mean of query-term recall and content-term
// precision, so a content string identical to the query scores 1 and longer
// contents that merely contain the query score less. Terms absent from the
// content still earn partial credit when a content term is a Jaro-Winkler
// near-miss or shares a Double Metaphone code.
//
// Backends without a native full-text engine use this scorer; the Postgres
// backend uses ts_rank instead.
func LexicalScore(query, content string) float64 {
	qTerms := uniq(Tokenize(query))
	cTerms := uniq(Tokenize(content))
	if len(qTerms) == 0 || len(cTerms) == 0 {
		return 0
	}

	cSet := make(map[string]struct{}, len(cTerms))
	for _, t := range cTerms {
		cSet[t] = struct{}{}
	}

	var matched float64
	for _, q := range qTerms {
		if _, ok := cSet[q]; ok {
			matched++
			continue
		}
		if len(q) >= fuzzyMinLen && fuzzyHit(q, cTerms) {
			matched += fuzzyCredit
		}
	}
	if matched == 0 {
		return 0
	}

	recall := matched / float64(len(qTerms))
	precision := math.Min(1, matched/float64(len(cTerms)))
	return 2 * recall * precision / (recall + precision)
}

func fuzzyHit(term string, candidates []string) bool {
	p, s := matchr.DoubleMetaphone(term)
	for _, c := range candidates {
		if len(c) < fuzzyMinLen {
			continue
		}
		if matchr.JaroWinkler(term, c, false) >= fuzzyThreshold {
			return true
		}
		cp, cs := matchr.DoubleMetaphone(c)
		if p != "" && (p == cp || p == cs) || s != "" && (s == cp || s == cs) {
			return true
		}
	}
	return false
}

func uniq(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// the vectors differ in length or either is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
