package bashkit

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// ExtractCommands parses a bash command and returns the simple command
// names it invokes (no paths, no builtins, no variable assignments),
// deduplicated: the candidate external binaries a ShellRequest depends on.
func ExtractCommands(command string) ([]string, error) {
	r := strings.NewReader(command)
	parser := syntax.NewParser()
	file, err := parser.Parse(r, "")
	if err != nil {
		return nil, fmt.Errorf("failed to parse bash command: %w", err)
	}

	var commands []string
	seen := make(map[string]bool)

	syntax.Walk(file, func(node syntax.Node) bool {
		callExpr, ok := node.(*syntax.CallExpr)
		if !ok || len(callExpr.Args) == 0 {
			return true
		}
		cmdName := callExpr.Args[0].Lit()
		if cmdName == "" {
			return true
		}
		if strings.Contains(cmdName, "=") {
			return true
		}
		if strings.Contains(cmdName, "/") {
			return true
		}
		if interp.IsBuiltin(cmdName) {
			return true
		}
		if !seen[cmdName] {
			seen[cmdName] = true
			commands = append(commands, cmdName)
		}
		return true
	})

	return commands, nil
}
