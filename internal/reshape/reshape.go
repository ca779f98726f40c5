// Package reshape turns a free-form argument list into the argument list
// passed to the wrapped chat tool.
package reshape

import "strings"

// InteractiveFlag starts the tool's interactive session.
const InteractiveFlag = "-i"

var joinFlags = map[string]bool{
	"-c":   true,
	"-s":   true,
	"--ds": true,
}

// Rule identifies which reshaping rule matched an argument list.
type Rule int

const (
	RuleInteractive Rule = iota
	RuleJoinFlag
	RulePassthrough
	RulePrompt
)

func (r Rule) String() string {
	switch r {
	case RuleInteractive:
		return "interactive"
	case RuleJoinFlag:
		return "join-flag"
	case RulePassthrough:
		return "passthrough"
	case RulePrompt:
		return "prompt"
	default:
		return "unknown"
	}
}

// Invocation is the reshaped argument list and the rule that produced it.
type Invocation struct {
	Rule Rule
	Args []string
}

// IsJoinFlag reports whether tok is a flag whose trailing words are joined
// into a single prompt argument.
func IsJoinFlag(tok string) bool {
	return joinFlags[tok]
}

// Reshape applies the first matching rule to args. The result never shares
// storage with args.
func Reshape(args []string) Invocation {
	switch {
	case len(args) == 0:
		return Invocation{Rule: RuleInteractive, Args: []string{InteractiveFlag}}
	case IsJoinFlag(args[0]):
		return Invocation{Rule: RuleJoinFlag, Args: []string{args[0], strings.Join(args[1:], " ")}}
	case strings.HasPrefix(args[0], "-"):
		return Invocation{Rule: RulePassthrough, Args: append([]string(nil), args...)}
	default:
		return Invocation{Rule: RulePrompt, Args: []string{strings.Join(args, " ")}}
	}
}
