package procsup

import "strings"

// SplitArgv resolves a configured command line into an argv vector by
// whitespace-splitting with "-aware quoting: `"a b" c` becomes
// []string{"a b", "c"}, exactly as §4.5 specifies. A quote that is never
// closed is treated as running to the end of the string, matching the
// permissive behavior of the shells the pack's process supervisors shell
// out through.
func SplitArgv(commandLine string) []string {
	var args []string
	var cur strings.Builder
	inQuote := false
	hasToken := false

	flush := func() {
		if hasToken {
			args = append(args, cur.String())
			cur.Reset()
			hasToken = false
		}
	}

	for _, r := range commandLine {
		switch {
		case r == '"':
			inQuote = !inQuote
			hasToken = true
		case isSpace(r) && !inQuote:
			flush()
		default:
			cur.WriteRune(r)
			hasToken = true
		}
	}
	flush()

	return args
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	default:
		return false
	}
}
