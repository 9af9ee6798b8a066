package memory

import "regexp"

type redactionRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Card numbers are matched before phone numbers so long digit runs are not
// reported as phones.
var redactionRules = []redactionRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[email]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[card]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[phone]"},
}

// RedactPII masks e-mail addresses, card numbers and phone numbers.
func RedactPII(input string) (string, bool) {
	out := input
	for _, rule := range redactionRules {
		out = rule.pattern.ReplaceAllString(out, rule.replacement)
	}
	return out, out != input
}
