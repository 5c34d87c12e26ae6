package expression

import (
	"regexp"
	"strings"
	"sync"
)

// exprSpan is a regexp-located `${{ ... }}` occurrence in a larger string.
var exprSpan = regexp.MustCompile(`\$\{\{([^}]*)\}\}`)

// regexCache holds one compiled regex per distinct reserved-keyword
// symbol, built lazily and never evicted for the run's duration (§9
// "Regex caching": compiling a fresh regex per substitution call is
// expensive when the same symbols recur across every step of a run).
var regexCache sync.Map // map[string]*regexp.Regexp

func symbolRegex(symbol string) *regexp.Regexp {
	if v, ok := regexCache.Load(symbol); ok {
		return v.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`\$\{\{\s*` + regexp.QuoteMeta(symbol) + `\s*\}\}`)
	actual, _ := regexCache.LoadOrStore(symbol, re)
	return actual.(*regexp.Regexp)
}

// SubstituteReserved replaces every `${{ <symbol> }}` occurrence of a
// reserved keyword with its resolved value, leaving everything else
// (inputs/env/step references) untouched for a later full evaluation
// pass. This is the RunnerBuilder's build-phase substitution (§4.5).
func SubstituteReserved(s string, reserved map[string]string) string {
	out := s
	for symbol, value := range reserved {
		out = symbolRegex(symbol).ReplaceAllString(out, value)
	}
	return out
}

// Interpolate finds every remaining `${{ ... }}` span in s, evaluates it
// against ctx, and splices the rendered value back in. Used by the
// runner after SubstituteReserved has resolved reserved keywords, and by
// `if:`-style conditional fields that are a bare expression.
func Interpolate(e *Evaluator, s string, ctx *Context) (string, error) {
	var evalErr error
	result := exprSpan.ReplaceAllStringFunc(s, func(match string) string {
		if evalErr != nil {
			return match
		}
		inner := exprSpan.FindStringSubmatch(match)[1]
		v, err := e.Evaluate(strings.TrimSpace(inner), ctx)
		if err != nil {
			evalErr = err
			return match
		}
		return v.String()
	})
	if evalErr != nil {
		return "", evalErr
	}
	return result, nil
}

// HasExpression reports whether s contains at least one `${{ ... }}` span.
func HasExpression(s string) bool {
	return exprSpan.MatchString(s)
}
