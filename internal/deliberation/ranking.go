package deliberation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// rankingLabel names a candidate in the ranking prompt without revealing
// which model produced it, so rankers cannot favor themselves.
func rankingLabel(i int) string { return fmt.Sprintf("candidate-%d", i+1) }

// buildRankingPrompt renders the anonymized candidate list a ranking model
// is asked to order. Candidates appear in roster order; the mapping from
// label back to model stays on our side.
func buildRankingPrompt(userContext string, candidates []*ModelResult) string {
	var b strings.Builder
	b.WriteString("You are judging candidate answers to a user request.\n\n")
	b.WriteString("User request:\n")
	b.WriteString(userContext)
	b.WriteString("\n\nCandidate answers:\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "\n[%s]\n%s\n", rankingLabel(i), c.Content)
	}
	b.WriteString("\nRank the candidates from best to worst. Respond with only a JSON array of candidate labels, best first, e.g. [\"candidate-2\",\"candidate-1\"].\n")
	return b.String()
}

// parseRanking extracts an ordered candidate index list from a ranker's
// response. The strict path expects a JSON array of labels; if that fails
// the labels are taken in order of first mention. Unknown labels are
// skipped, duplicates keep their first position, and omitted candidates are
// appended in input order so every candidate always has a rank.
func parseRanking(response string, n int) []int {
	order := parseJSONRanking(response, n)
	if order == nil {
		order = parseMentionOrder(response, n)
	}

	seen := make(map[int]bool, n)
	out := make([]int, 0, n)
	for _, idx := range order {
		if idx >= 0 && idx < n && !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	for i := 0; i < n; i++ {
		if !seen[i] {
			out = append(out, i)
		}
	}
	return out
}

func parseJSONRanking(response string, n int) []int {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start < 0 || end <= start {
		return nil
	}
	var labels []string
	if err := json.Unmarshal([]byte(response[start:end+1]), &labels); err != nil {
		return nil
	}
	out := make([]int, 0, len(labels))
	for _, l := range labels {
		if idx := labelIndex(l, n); idx >= 0 {
			out = append(out, idx)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseMentionOrder(response string, n int) []int {
	type mention struct{ pos, idx int }
	var mentions []mention
	for i := 0; i < n; i++ {
		if pos := mentionPos(response, rankingLabel(i)); pos >= 0 {
			mentions = append(mentions, mention{pos, i})
		}
	}
	// Insertion sort by position; n is small.
	for i := 1; i < len(mentions); i++ {
		for j := i; j > 0 && mentions[j].pos < mentions[j-1].pos; j-- {
			mentions[j], mentions[j-1] = mentions[j-1], mentions[j]
		}
	}
	out := make([]int, 0, len(mentions))
	for _, m := range mentions {
		out = append(out, m.idx)
	}
	return out
}

// mentionPos finds the first occurrence of label that is not immediately
// followed by another digit, so "candidate-1" never matches inside
// "candidate-10".
func mentionPos(response, label string) int {
	from := 0
	for {
		i := strings.Index(response[from:], label)
		if i < 0 {
			return -1
		}
		i += from
		end := i + len(label)
		if end >= len(response) || response[end] < '0' || response[end] > '9' {
			return i
		}
		from = end
	}
}

func labelIndex(label string, n int) int {
	label = strings.TrimSpace(label)
	var i int
	if _, err := fmt.Sscanf(label, "candidate-%d", &i); err != nil {
		return -1
	}
	if i < 1 || i > n {
		return -1
	}
	return i - 1
}

// consensusRanking aggregates individual rankings by rank sum: each ranker
// contributes its position for every candidate and lower totals win. Ties
// break toward the candidate earlier in roster order, which keeps the
// aggregate deterministic across runs.
func consensusRanking(rankings [][]int, n int) []int {
	scores := make([]int, n)
	for _, ranking := range rankings {
		for pos, idx := range ranking {
			if idx >= 0 && idx < n {
				scores[idx] += pos
			}
		}
	}

	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	for i := 1; i < n; i++ {
		for j := i; j > 0; j-- {
			a, b := out[j], out[j-1]
			if scores[a] < scores[b] || (scores[a] == scores[b] && a < b) {
				out[j], out[j-1] = out[j-1], out[j]
			} else {
				break
			}
		}
	}
	return out
}
