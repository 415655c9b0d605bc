package llm

import (
	"regexp"
	"strings"
)

// Redactor replaces every case-insensitive occurrence of a brand token in
// backend replies.
type Redactor struct {
	re          *regexp.Regexp
	substitute  string
	passthrough bool
}

// DefaultRedactor rewrites "google" as "kc kunal".
var DefaultRedactor = NewRedactor("google", "kc kunal")

// NewRedactor returns a Redactor for token. An empty token disables it.
func NewRedactor(token, substitute string) Redactor {
	token = strings.TrimSpace(token)
	if token == "" {
		return Redactor{passthrough: true}
	}
	return Redactor{
		re:         regexp.MustCompile("(?i)" + regexp.QuoteMeta(token)),
		substitute: substitute,
	}
}

func (r Redactor) Redact(s string) string {
	if r.passthrough || r.re == nil {
		return s
	}
	return r.re.ReplaceAllLiteralString(s, r.substitute)
}

// Redact applies DefaultRedactor.
func Redact(s string) string { return DefaultRedactor.Redact(s) }
