package reshape

import "strings"

// CommandLine renders tool and args as a POSIX shell command line. Tokens
// that are not plain words are single-quoted, so pasting the result into sh
// reproduces the exact argv.
func CommandLine(tool string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quote(tool))
	for _, a := range args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func quote(tok string) string {
	if tok == "" {
		return "''"
	}
	if strings.IndexFunc(tok, func(c rune) bool { return !isPlain(c) }) < 0 {
		return tok
	}
	// Nothing is special inside single quotes except the quote itself, which
	// is closed, escaped, and reopened.
	return "'" + strings.ReplaceAll(tok, "'", `'\''`) + "'"
}

func isPlain(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.ContainsRune("-_./=:,+@%", c)
}
