package orgconfig

import (
	"errors"
	"regexp"
	"strings"
)

// Compile turns the rule pattern into a matcher according to its pattern type.
func (r CustomRule) Compile() (*regexp.Regexp, error) {
	pattern := strings.TrimSpace(r.Pattern)
	if pattern == "" {
		return nil, errors.New("pattern is empty")
	}
	switch r.PatternType {
	case PatternRegex:
		return regexp.Compile(pattern)
	case PatternKeyword:
		if strings.ContainsAny(pattern, " \t\r\n") {
			return nil, errors.New("keyword must be a single word")
		}
		return regexp.Compile(`(?i)\b` + regexp.QuoteMeta(pattern) + `\b`)
	case PatternPhrase:
		words := strings.Fields(pattern)
		quoted := make([]string, len(words))
		for i, w := range words {
			quoted[i] = regexp.QuoteMeta(w)
		}
		return regexp.Compile(`(?i)` + strings.Join(quoted, `\s+`))
	default:
		return nil, errors.New("unknown pattern type")
	}
}
