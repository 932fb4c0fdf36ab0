package memory

import (
	"cmp"
	"slices"
)

// ScoreNodes evaluates q against nodes in process and returns the ranked
// candidate list described by [NodeStore.HybridSearch]. Nodes of other users
// are ignored.
func ScoreNodes(q HybridQuery, nodes []MemoryNode) []Candidate {
	out := make([]Candidate, 0, min(len(nodes), max(q.Limit, 0)))
	for _, n := range nodes {
		if n.UserID != q.UserID {
			continue
		}
		c := Candidate{Node: n, LexicalScore: LexicalScore(q.Text, n.Content)}
		if q.Embedding != nil && n.Embedding != nil {
			if s := CosineSimilarity(q.Embedding, n.Embedding); s > 0 {
				c.SemanticScore = s
			}
		}
		if c.LexicalScore == 0 && c.SemanticScore == 0 {
			continue
		}
		out = append(out, c)
	}
	SortCandidates(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// SortCandidates orders cs by combined raw score descending, then CreatedAt
// ascending, then id.
func SortCandidates(cs []Candidate) {
	slices.SortStableFunc(cs, func(a, b Candidate) int {
		if c := cmp.Compare(b.LexicalScore+b.SemanticScore, a.LexicalScore+a.SemanticScore); c != 0 {
			return c
		}
		if c := a.Node.CreatedAt.Compare(b.Node.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Node.ID, b.Node.ID)
	})
}
