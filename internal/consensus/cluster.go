package consensus

import (
	"strings"
	"unicode"
)

// Cluster is one equivalence class of inputs.
type Cluster struct {
	Representative int
	Members        []int
}

// Clusterer partitions inputs, described by their signature token sets, into
// clusters. Every input index belongs to exactly one cluster.
type Clusterer interface {
	Cluster(signatures [][]string) []Cluster
}

// TokenClusterer groups signatures whose Jaccard similarity to a cluster's
// seed reaches Threshold. The representative is the member closest to all
// others, ties going to the lowest index.
type TokenClusterer struct {
	Threshold float64
}

func NewTokenClusterer(threshold float64) *TokenClusterer {
	return &TokenClusterer{Threshold: threshold}
}

func (c *TokenClusterer) Cluster(signatures [][]string) []Cluster {
	sets := make([]map[string]struct{}, len(signatures))
	for i, sig := range signatures {
		sets[i] = toSet(sig)
	}

	var clusters []Cluster
	for i := range sets {
		placed := false
		for ci := range clusters {
			seed := clusters[ci].Members[0]
			if Jaccard(sets[seed], sets[i]) >= c.Threshold {
				clusters[ci].Members = append(clusters[ci].Members, i)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, Cluster{Members: []int{i}})
		}
	}

	for ci := range clusters {
		clusters[ci].Representative = medoid(clusters[ci].Members, sets)
	}
	return clusters
}

func medoid(members []int, sets []map[string]struct{}) int {
	best, bestScore := members[0], -1.0
	for _, m := range members {
		score := 0.0
		for _, o := range members {
			if o != m {
				score += Jaccard(sets[m], sets[o])
			}
		}
		if score > bestScore {
			best, bestScore = m, score
		}
	}
	return best
}

// Group pairs a representative value with the indices of its members.
type Group[T any] struct {
	Representative T
	Members        []int
}

// GroupBy clusters items by signature and returns one group per cluster in
// order of first appearance.
func GroupBy[T any](c Clusterer, items []T, signature func(T) []string) []Group[T] {
	if len(items) == 0 {
		return nil
	}
	sigs := make([][]string, len(items))
	for i, it := range items {
		sigs[i] = signature(it)
	}
	clusters := c.Cluster(sigs)
	groups := make([]Group[T], len(clusters))
	for i, cl := range clusters {
		groups[i] = Group[T]{Representative: items[cl.Representative], Members: cl.Members}
	}
	return groups
}

// Jaccard returns |a∩b| / |a∪b|. Two empty sets are identical.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func toSet(tokens []string) map[string]struct{} {
	s := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		s[t] = struct{}{}
	}
	return s
}

var stopwords = map[string]bool{
	"the": true, "and": true, "of": true, "in": true, "by": true, "for": true,
	"to": true, "on": true, "an": true, "vs": true, "with": true, "over": true,
}

// Tokens lowercases s and splits it into alphanumeric words, dropping
// stopwords and single characters.
func Tokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// PrefixTokens tokenizes s and prefixes each token, used to keep positional
// structure (for example which chapter a task belongs to) in a signature.
func PrefixTokens(prefix, s string) []string {
	toks := Tokens(s)
	for i, t := range toks {
		toks[i] = prefix + t
	}
	return toks
}
