package router

import "strings"

// Hint is an explicit caller preference that short-circuits scoring.
type Hint string

const (
	HintNone  Hint = ""
	HintHeavy Hint = "heavy"
	HintLight Hint = "light"
)

// Keyword families associated with work that deserves the heavy backend.
// Each matched family adds heavyKeywordWeight to the score.
var heavyKeywordFamilies = [][]string{
	{"refactor", "rewrite", "restructure", "migrate"},
	{"debug", "stack trace", "segfault", "race condition", "deadlock", "bisect"},
	{"architecture", "architect", "design doc", "system design", "trade-off", "tradeoff"},
	{"review", "code review", "audit", "security review"},
	{"deploy", "deployment", "rollout", "rollback", "terraform", "kubernetes"},
	{"test", "unit test", "integration test", "coverage", "benchmark"},
	{"implement", "build a", "write a program", "algorithm"},
}

// Keyword families associated with light conversational work.
// Each matched family subtracts lightKeywordWeight.
var lightKeywordFamilies = [][]string{
	{"hi", "hello", "hey", "good morning", "good evening", "thanks", "thank you"},
	{"status", "are you up", "are you there", "ping", "how are you"},
	{"remind", "reminder", "what time", "what day", "weather"},
}

const (
	baseScore          = 0.30
	heavyKeywordWeight = 0.15
	lightKeywordWeight = 0.15
	codeFenceWeight    = 0.20
	longInputWeight    = 0.15
	shortInputWeight   = 0.20

	longInputChars  = 800
	shortInputChars = 40
)

// ScoreComplexity derives a 0..1 complexity score for a prompt. Heavier
// vocabulary, code fences, and long input push the score up; greetings and
// short chit-chat push it down. An explicit hint wins outright.
func ScoreComplexity(prompt string, hint Hint) float64 {
	switch hint {
	case HintHeavy:
		return 1.0
	case HintLight:
		return 0.0
	}

	lower := strings.ToLower(prompt)
	words := tokenize(lower)
	score := baseScore

	for _, family := range heavyKeywordFamilies {
		if familyMatches(lower, words, family) {
			score += heavyKeywordWeight
		}
	}
	for _, family := range lightKeywordFamilies {
		if familyMatches(lower, words, family) {
			score -= lightKeywordWeight
		}
	}

	hasFence := strings.Contains(prompt, "```")
	if hasFence {
		score += codeFenceWeight
	}
	if len(prompt) > longInputChars {
		score += longInputWeight
	}
	if len(strings.TrimSpace(prompt)) < shortInputChars && !hasFence {
		score -= shortInputWeight
	}

	return clamp01(score)
}

// familyMatches reports whether any keyword in the family appears in the
// prompt. Multi-word phrases match as substrings; single words must match a
// whole token so "hi" does not fire inside "this".
func familyMatches(lower string, words map[string]bool, family []string) bool {
	for _, kw := range family {
		if strings.ContainsAny(kw, " -") {
			if strings.Contains(lower, kw) {
				return true
			}
			continue
		}
		if words[kw] {
			return true
		}
		if len(kw) < 4 {
			continue
		}
		// Cover simple plural and -ing/-ed forms of single-word keywords.
		for w := range words {
			if strings.HasPrefix(w, kw) && len(w)-len(kw) <= 3 {
				return true
			}
		}
	}
	return false
}

func tokenize(lower string) map[string]bool {
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		words[w] = true
	}
	return words
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
