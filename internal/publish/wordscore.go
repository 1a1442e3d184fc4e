package publish

import (
	"strings"
	"unicode"
)

// WordUnits tokenizes text into change-accounting units: each CJK ideograph
// counts as its own unit, while runs of letters and digits (with internal
// hyphens or apostrophes) collapse into a single unit. Everything else is a
// separator.
func WordUnits(text string) []string {
	runes := []rune(text)
	var units []string
	var run []rune

	flush := func() {
		if len(run) > 0 {
			units = append(units, string(run))
			run = run[:0]
		}
	}

	wordRune := func(r rune) bool {
		return !unicode.Is(unicode.Han, r) && (unicode.IsLetter(r) || unicode.IsDigit(r))
	}

	for i, r := range runes {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			units = append(units, string(r))
		case wordRune(r):
			run = append(run, r)
		case (r == '-' || r == '\'') && len(run) > 0 && i+1 < len(runes) && wordRune(runes[i+1]):
			run = append(run, r)
		default:
			flush()
		}
	}
	flush()
	return units
}

// ChangedWordUnits is the multiset symmetric difference between the word
// units of two texts: the sum of absolute per-unit count deltas. Comparing a
// text to itself yields 0; comparing "" to anything yields the full unit
// count of the other side.
func ChangedWordUnits(before, after string) int64 {
	counts := map[string]int64{}
	for _, unit := range WordUnits(before) {
		counts[unit]++
	}
	for _, unit := range WordUnits(after) {
		counts[unit]--
	}

	var total int64
	for _, delta := range counts {
		if delta < 0 {
			delta = -delta
		}
		total += delta
	}
	return total
}

// AuthorKey normalizes an author identity for leaderboard accumulation:
// email when present, otherwise name, case-insensitive.
func AuthorKey(email, name string) string {
	if key := strings.ToLower(strings.TrimSpace(email)); key != "" {
		return key
	}
	return strings.ToLower(strings.TrimSpace(name))
}
