// Package levenshtein backs the "did you mean" suggestion: it measures
// edit distance between a domain and the known-provider table.
package levenshtein

// Distance computes the Levenshtein edit distance between two strings
// using O(min(m,n)) memory.
func Distance(s, t string) int {
	sr := []rune(s)
	tr := []rune(t)

	if len(sr) == 0 {
		return len(tr)
	}
	if len(tr) == 0 {
		return len(sr)
	}

	// Keep the shorter string on the row axis.
	if len(sr) > len(tr) {
		sr, tr = tr, sr
	}

	prev := make([]int, len(sr)+1)
	curr := make([]int, len(sr)+1)
	for i := range prev {
		prev[i] = i
	}

	for j, tc := range tr {
		curr[0] = j + 1
		for i, sc := range sr {
			cost := 1
			if sc == tc {
				cost = 0
			}
			curr[i+1] = min(curr[i]+1, prev[i+1]+1, prev[i]+cost)
		}
		prev, curr = curr, prev
	}

	return prev[len(sr)]
}

// Closest returns the candidate nearest to s within threshold edits. An
// exact match means s is spelled correctly, so no suggestion is returned.
func Closest(s string, candidates []string, threshold int) (string, bool) {
	bestDist := threshold + 1
	best := ""

	for _, c := range candidates {
		if s == c {
			return "", false
		}
		if d := Distance(s, c); d < bestDist {
			bestDist = d
			best = c
		}
	}

	return best, best != ""
}
