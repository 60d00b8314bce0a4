package audit

import (
	"fmt"
	"regexp"
	"strconv"
)

// Placeholder replaces secret material in recorded snapshots.
const Placeholder = "[REDACTED]"

// Compiled patterns for secret material in snapshot values.
var (
	// Observable keys whose segments suggest a secret-bearing value.
	secretKeyRe = regexp.MustCompile(`(?i)(?:^|[._])(?:password|passwd|secret|token|api_?key|auth|credential)(?:[._]|$)`)

	// Bearer credentials embedded in free-text values.
	bearerRe = regexp.MustCompile(`(?i)\bbearer\s+[a-zA-Z0-9._\-]+`)

	// Prefixed API keys (sk-, pk-, ghp-, xoxb-, ...).
	prefixedKeyRe = regexp.MustCompile(`\b(?:sk|pk|rk|ghp|gho|xox[abp])[-_][A-Za-z0-9_\-]{8,}\b`)

	// AWS access key IDs.
	awsKeyRe = regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)
)

// RedactSnapshot renders an input snapshot to strings with secret material
// removed. String values under secret-suggesting keys are replaced wholesale;
// other string values are scanned for embedded credentials. Numeric and
// boolean observables carry no secret material and pass through rendered.
func RedactSnapshot(in map[string]any) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		s, isString := v.(string)
		if !isString {
			out[k] = formatValue(v)
			continue
		}
		if secretKeyRe.MatchString(k) {
			out[k] = Placeholder
			continue
		}
		out[k] = redactText(s)
	}
	return out
}

// redactText replaces embedded credential-shaped substrings.
func redactText(s string) string {
	s = bearerRe.ReplaceAllString(s, Placeholder)
	s = prefixedKeyRe.ReplaceAllString(s, Placeholder)
	s = awsKeyRe.ReplaceAllString(s, Placeholder)
	return s
}

func formatValue(v any) string {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}
