package expression

import "regexp"

// identChain matches a dotted identifier chain such as "inputs.greeting"
// or "bld_dir", used to extract symbolic references from an expression
// body without a full parse — mirrors the workflow engine's own
// regex-based step-reference extraction.
var identChain = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_-]*(?:\.[A-Za-z_][A-Za-z0-9_-]*)*\b`)

var stringLiteral = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'`)

var reservedLiteralWords = map[string]bool{"true": true, "false": true}

// ExtractReferences returns every identifier chain referenced inside each
// `${{ ... }}` span of s (e.g. "inputs.greeting", "env.TOKEN", "bld_dir"),
// used by the pipeline validator to confirm every symbolic reference
// resolves to a reserved keyword, a declared input, or a declared env var
// (spec.md §4.2). String literals are stripped first so their contents
// are never mistaken for identifiers.
func ExtractReferences(s string) []string {
	var refs []string
	seen := make(map[string]bool)
	for _, span := range exprSpan.FindAllStringSubmatch(s, -1) {
		inner := stringLiteral.ReplaceAllString(span[1], "")
		for _, match := range identChain.FindAllString(inner, -1) {
			if reservedLiteralWords[match] {
				continue
			}
			if !seen[match] {
				seen[match] = true
				refs = append(refs, match)
			}
		}
	}
	return refs
}

// RootSymbol returns the first dotted segment of a reference, e.g.
// "inputs" for "inputs.greeting", or the reference itself if it has no dot.
func RootSymbol(ref string) string {
	for i, r := range ref {
		if r == '.' {
			return ref[:i]
		}
	}
	return ref
}

// SecondSegment returns the second dotted segment of a reference, e.g.
// "greeting" for "inputs.greeting", or "" if there is none.
func SecondSegment(ref string) string {
	dot := -1
	for i, r := range ref {
		if r == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return ""
	}
	rest := ref[dot+1:]
	for i, r := range rest {
		if r == '.' {
			return rest[:i]
		}
	}
	return rest
}
