// Package toolparser turns the raw text of an agent's tool-call action —
// "read_file path/to/file.go --lines=10" — into a tool name and argument
// list. It reuses mvdan.cc/sh/v3/syntax's lexer rather than hand-rolling
// a quoting-aware tokenizer, since the agent's action text follows the
// same word-splitting and quoting rules a shell command line does.
package toolparser

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ParseError wraps a failure to parse an action's text, so callers can
// errors.As for it rather than string-matching.
type ParseError struct {
	Action string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("toolparser: parsing %q: %v", e.Action, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Call is a parsed tool invocation: the tool name and its literal
// arguments, split the way a shell would split them (respecting quotes,
// but not performing any expansion — $VAR and globs are passed through
// verbatim as literal text for the tool itself to interpret, if it wants
// to).
type Call struct {
	ToolName string
	Args     []string
}

// Parse parses action into a Call. An action with no tokens at all is a
// ParseError, since every ToolRequest must name a tool.
func Parse(action string) (Call, error) {
	r := strings.NewReader(action)
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(r, "")
	if err != nil {
		return Call{}, &ParseError{Action: action, Err: err}
	}

	var words []string
	syntax.Walk(file, func(node syntax.Node) bool {
		callExpr, ok := node.(*syntax.CallExpr)
		if !ok {
			return true
		}
		for _, w := range callExpr.Args {
			words = append(words, literal(w))
		}
		return false
	})

	if len(words) == 0 {
		return Call{}, &ParseError{Action: action, Err: fmt.Errorf("no tool name found")}
	}

	return Call{ToolName: words[0], Args: words[1:]}, nil
}

// literal extracts w's literal text, unquoting single- and double-quoted
// parts (and double-quoted strings' own literal parts) instead of Word.Lit,
// which returns "" for any word containing a quoted part. Parameter and
// command substitutions have no literal value and contribute nothing, since
// this package performs no expansion.
func literal(w *syntax.Word) string {
	var sb strings.Builder
	for _, part := range w.Parts {
		sb.WriteString(literalPart(part))
	}
	return sb.String()
}

func literalPart(p syntax.WordPart) string {
	switch x := p.(type) {
	case *syntax.Lit:
		return x.Value
	case *syntax.SglQuoted:
		return x.Value
	case *syntax.DblQuoted:
		var sb strings.Builder
		for _, pp := range x.Parts {
			sb.WriteString(literalPart(pp))
		}
		return sb.String()
	default:
		return ""
	}
}

// Rejoin reconstructs a single whitespace-separated argument string from
// Args, for tools (like the shell channel) that want the raw remainder
// rather than a pre-split argument list.
func (c Call) Rejoin() string {
	return strings.Join(c.Args, " ")
}
