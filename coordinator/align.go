package coordinator

import (
	"sort"

	"github.com/openformix/formix/secretshare"
)

// ParticipantSet returns the sorted contributor ids with an accepted share
// in shares — a coordinator's local Pᵢ.
func ParticipantSet(shares map[string]uint32) []string {
	out := make([]string, 0, len(shares))
	for id := range shares {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Intersect returns the set intersection of every set passed in, sorted.
// Intersect() with no sets returns nil; Intersect(a) returns a copy of a.
// Used both for a responder's restriction A' = Pᵢ ∩ P₁ and for the
// primary's final alignment A = A'₂ ∩ A'₃.
func Intersect(sets ...[]string) []string {
	if len(sets) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, set := range sets {
		seen := make(map[string]bool, len(set))
		for _, id := range set {
			if seen[id] {
				continue
			}
			seen[id] = true
			counts[id]++
		}
	}

	var out []string
	for id, c := range counts {
		if c == len(sets) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// RestrictedSum folds the shares belonging to participants (and only those)
// into a modular column sum — the restriction step that keeps a partially
// delivered contributor from corrupting the reconstructed total.
func RestrictedSum(shares map[string]uint32, participants []string) uint32 {
	var sum uint32
	for _, id := range participants {
		if v, ok := shares[id]; ok {
			sum = secretshare.AddColumn(sum, v)
		}
	}
	return sum
}
