package judge

import (
	"context"
	"regexp"
	"strings"
)

// Scorer judges semantic equivalence of two statements. Implementations must
// return a score in [0,1], where 1 means the statements describe the same
// condition. Anything satisfying this contract can back the judge.
type Scorer interface {
	Name() string
	Score(ctx context.Context, textA, textB string) (float64, error)
}

// HeuristicScorer is the deterministic offline scorer. It compares three
// signal classes extracted from each text and blends them:
//
//	values    0.4  threshold numbers and quoted literals
//	direction 0.3  comparison sense (greater/less/equal/not/membership)
//	variable  0.3  observable path fragments
//
// A signal class absent from both sides earns partial neutral credit; a
// present-but-contradicting class earns nothing. Remote scorers are preferred
// in production; this one keeps verification decidable with no network.
type HeuristicScorer struct{}

// Name identifies the scorer in verdicts.
func (HeuristicScorer) Name() string { return "heuristic/v1" }

// Score blends the three signal classes. It is symmetric in its arguments.
func (HeuristicScorer) Score(_ context.Context, textA, textB string) (float64, error) {
	a := extractSignals(textA)
	b := extractSignals(textB)

	score := 0.0
	score += 0.4 * valueScore(a, b)
	score += 0.3 * directionScore(a, b)
	score += 0.3 * variableScore(a, b)
	if score > 1 {
		// rounding in the blend can nudge past 1
		score = 1
	}
	return score, nil
}

// signals is what the heuristic reads out of one text.
type signals struct {
	tokens    map[string]bool
	numbers   map[string]bool
	quoted    map[string]bool
	pathParts []string
	direction map[string]bool
}

var (
	tokenPattern  = regexp.MustCompile(`[a-z0-9_.]+`)
	numberPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
	quotedPattern = regexp.MustCompile(`"([^"]*)"`)
)

// directionWords maps comparison vocabulary onto operator classes. Bigrams
// are checked before unigrams so "at least" does not read as "less".
var directionBigrams = map[string]string{
	"at least": ">=",
	"at most":  "<=",
	"one of":   "in-set",
	"or more":  ">=",
	"or less":  "<=",
}

var directionUnigrams = map[string]string{
	"older":     ">",
	"exceeds":   ">",
	"exceed":    ">",
	"above":     ">",
	"over":      ">",
	"greater":   ">",
	"more":      ">",
	"beyond":    ">",
	"minimum":   ">=",
	"under":     "<",
	"below":     "<",
	"less":      "<",
	"fewer":     "<",
	"younger":   "<",
	"maximum":   "<=",
	"not":       "!=",
	"non":       "!=",
	"other":     "!=",
	"different": "!=",
	"differs":   "!=",
	"excluding": "!=",
	"outside":   "!=",
	"unless":    "", // qualifier word, not a direction
	"equals":    "==",
	"equal":     "==",
	"exactly":   "==",
	"among":     "in-set",
	"listed":    "in-set",
	"member":    "in-set",
}

func extractSignals(text string) signals {
	s := signals{
		tokens:    make(map[string]bool),
		numbers:   make(map[string]bool),
		quoted:    make(map[string]bool),
		direction: make(map[string]bool),
	}

	for _, m := range quotedPattern.FindAllStringSubmatch(text, -1) {
		s.quoted[strings.ToLower(m[1])] = true
	}

	lower := strings.ToLower(text)
	raw := tokenPattern.FindAllString(lower, -1)
	for i, tok := range raw {
		tok = strings.Trim(tok, ".")
		if tok == "" {
			continue
		}
		if numberPattern.MatchString(tok) {
			s.numbers[canonicalNumber(tok)] = true
			s.tokens[tok] = true
			continue
		}
		if strings.ContainsAny(tok, "._") {
			for _, part := range strings.FieldsFunc(tok, func(r rune) bool { return r == '.' || r == '_' }) {
				s.pathParts = append(s.pathParts, stem(part))
				s.tokens[stem(part)] = true
			}
			s.tokens[tok] = true
			continue
		}
		stemmed := stem(tok)
		s.tokens[stemmed] = true

		if i+1 < len(raw) {
			if op, ok := directionBigrams[tok+" "+strings.Trim(raw[i+1], ".")]; ok {
				s.direction[op] = true
				continue
			}
		}
		if op, ok := directionUnigrams[tok]; ok && op != "" {
			s.direction[op] = true
		}
	}
	return s
}

// canonicalNumber drops a trailing ".0" so "30" and "30.0" agree.
func canonicalNumber(tok string) string {
	return strings.TrimSuffix(tok, ".0")
}

// stem strips a plural "s" from longer words so "transfers" meets "transfer".
func stem(tok string) string {
	if len(tok) > 3 && strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss") {
		return tok[:len(tok)-1]
	}
	return tok
}

// valueScore compares thresholds: numbers when either side has them, quoted
// literals otherwise. No values on either side is neutral.
func valueScore(a, b signals) float64 {
	if len(a.numbers) > 0 || len(b.numbers) > 0 {
		return overlapFraction(a.numbers, b.numbers)
	}
	if len(a.quoted) > 0 || len(b.quoted) > 0 {
		hits, total := 0, 0
		for _, pair := range []struct{ from, in signals }{{a, b}, {b, a}} {
			for q := range pair.from.quoted {
				total++
				if pair.in.tokens[stem(q)] || pair.in.quoted[q] {
					hits++
				}
			}
		}
		if total == 0 {
			return 0.5
		}
		return float64(hits) / float64(total)
	}
	return 0.5
}

// directionScore awards full credit when the operator classes intersect,
// nothing when both sides commit to disjoint classes, and neutral credit when
// one side expresses no direction at all.
func directionScore(a, b signals) float64 {
	if len(a.direction) == 0 || len(b.direction) == 0 {
		return 0.5
	}
	for op := range a.direction {
		if b.direction[op] {
			return 1
		}
	}
	// ">=" vs ">" style near-misses still count as disagreement: a bound
	// that is off by inclusivity enforces a different condition.
	return 0
}

// variableScore checks how much of one side's observable path shows up in the
// other side's tokens.
func variableScore(a, b signals) float64 {
	if len(a.pathParts) == 0 && len(b.pathParts) == 0 {
		return 0.5
	}
	best := 0.0
	for _, pair := range []struct {
		parts []string
		in    signals
	}{{a.pathParts, b}, {b.pathParts, a}} {
		if len(pair.parts) == 0 {
			continue
		}
		hits := 0
		for _, p := range pair.parts {
			if pair.in.tokens[p] {
				hits++
			}
		}
		f := float64(hits) / float64(len(pair.parts))
		if f > best {
			best = f
		}
	}
	if best >= 0.5 {
		return 1
	}
	if best > 0 {
		return 0.5
	}
	return 0
}

func overlapFraction(a, b map[string]bool) float64 {
	union := len(a)
	hits := 0
	for k := range b {
		if a[k] {
			hits++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0.5
	}
	return float64(hits) / float64(union)
}
