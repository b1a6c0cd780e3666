package flow

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/goliatone/go-lifecycle/operation"
)

// TransitionRecord is the operation context of a single transition attempt.
type TransitionRecord struct {
	*operation.Context[any]
	from  string
	to    string
	props any
}

// NewTransitionRecord creates the record for from -> to.
func NewTransitionRecord(from, to string, props any) *TransitionRecord {
	return &TransitionRecord{
		Context: operation.New[any](TransitionName(from, to), map[string]any{
			"from":  from,
			"to":    to,
			"props": props,
		}),
		from:  from,
		to:    to,
		props: props,
	}
}

func (r *TransitionRecord) From() string { return r.from }
func (r *TransitionRecord) To() string   { return r.to }
func (r *TransitionRecord) Props() any   { return r.props }

// TransitionName builds the lower camel hook name for from -> to, e.g.
// ("EXECUTING", "COMPLETED") -> "executingCompleted".
func TransitionName(from, to string) string {
	words := append(splitWords(from), splitWords(to)...)
	if len(words) == 0 {
		return ""
	}
	// a Caser is stateful, so one per call
	title := cases.Title(language.Und)
	var b strings.Builder
	for i, w := range words {
		if i == 0 {
			b.WriteString(strings.ToLower(w))
			continue
		}
		b.WriteString(title.String(w))
	}
	return b.String()
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
