package tracking

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// NamedDriver is a driver identity with its display name, on either side.
type NamedDriver struct {
	ID   string
	Name string
}

// Proposal is a suggested remote/local pairing with its similarity score in
// [0, 1].
type Proposal struct {
	Remote NamedDriver
	Local  NamedDriver
	Score  float64
}

// ProposePairs suggests default remote-to-local driver pairings by greedy
// best-first matching on normalized name similarity. Pairs scoring below 0.5
// are not proposed; the mapping workflow presents the rest to the user as
// defaults, never as facts.
func ProposePairs(remote, local []NamedDriver) []Proposal {
	type candidate struct {
		r, l  int
		score float64
	}
	var candidates []candidate
	for ri, r := range remote {
		for li, l := range local {
			if score := nameSimilarity(r.Name, l.Name); score >= 0.5 {
				candidates = append(candidates, candidate{r: ri, l: li, score: score})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	var usedRemote = make(map[int]bool)
	var usedLocal = make(map[int]bool)
	var out []Proposal
	for _, c := range candidates {
		if usedRemote[c.r] || usedLocal[c.l] {
			continue
		}
		usedRemote[c.r] = true
		usedLocal[c.l] = true
		out = append(out, Proposal{Remote: remote[c.r], Local: local[c.l], Score: c.score})
	}
	return out
}

// nameSimilarity returns 1 - d/maxLen over case- and whitespace-normalized
// names, where d is the Levenshtein distance.
func nameSimilarity(a, b string) float64 {
	a = strings.Join(strings.Fields(strings.ToLower(a)), " ")
	b = strings.Join(strings.Fields(strings.ToLower(b)), " ")
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	var d = levenshtein.ComputeDistance(a, b)
	var longest = len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	return 1 - float64(d)/float64(longest)
}
