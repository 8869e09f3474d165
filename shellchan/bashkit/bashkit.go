// Package bashkit inspects shell scripts for obvious mistakes before they
// are handed to the Shell Channel. It is not a security boundary — a
// sufficiently motivated script can always route around it — it exists to
// catch the agent doing something it was told not to do.
package bashkit

import (
	"fmt"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/syntax"
)

// AgentBranch is the name of the disposable branch the Versioning Driver
// commits checkpoints to. bashkit warns once per process if a script tries
// to rename it directly (`git branch -m/-M`); checkout and switch commands
// are not flagged. Renaming it outside the
// Checkpoint Manager's own branch/merge operations would desynchronize the
// event log's checkpoints from the actual git history.
const AgentBranch = "devon_agent"

var checks = []func(*syntax.CallExpr) error{
	noGitConfigUsernameEmailChanges,
	noBlindGitAdd,
}

var processAwareChecks = []func(*syntax.CallExpr) error{
	noAgentBranchChangesOnce,
}

var (
	branchWarningMu    sync.Mutex
	branchWarningShown bool
)

// ResetBranchWarning resets the once-per-process warning state; exported
// for tests that exercise the warning more than once per process.
func ResetBranchWarning() {
	branchWarningMu.Lock()
	branchWarningShown = false
	branchWarningMu.Unlock()
}

// Check inspects bashScript and returns an error if it ought not be
// executed. Check DOES NOT PROVIDE SECURITY against malicious actors; it
// catches straightforward mistakes despite instructions not to make them.
func Check(bashScript string) error {
	r := strings.NewReader(bashScript)
	parser := syntax.NewParser()
	file, err := parser.Parse(r, "")
	if err != nil {
		// Execution will fail, and bash's own error message is more useful.
		return nil
	}

	syntax.Walk(file, func(node syntax.Node) bool {
		if err != nil {
			return false
		}
		callExpr, ok := node.(*syntax.CallExpr)
		if !ok {
			return true
		}
		for _, check := range checks {
			if err = check(callExpr); err != nil {
				return false
			}
		}
		for _, check := range processAwareChecks {
			if err = check(callExpr); err != nil {
				return false
			}
		}
		return true
	})

	return err
}

// WillRunGitCommit reports whether bashScript runs `git commit` anywhere,
// i.e. whether a shell command is likely to produce a new commit on the
// agent branch outside of an explicit Checkpoint Manager operation.
func WillRunGitCommit(bashScript string) (bool, error) {
	r := strings.NewReader(bashScript)
	parser := syntax.NewParser()
	file, err := parser.Parse(r, "")
	if err != nil {
		return false, nil
	}

	willCommit := false
	syntax.Walk(file, func(node syntax.Node) bool {
		callExpr, ok := node.(*syntax.CallExpr)
		if !ok {
			return true
		}
		if isGitCommitCommand(callExpr) {
			willCommit = true
			return false
		}
		return true
	})
	return willCommit, nil
}

func noGitConfigUsernameEmailChanges(cmd *syntax.CallExpr) error {
	if hasGitConfigUsernameEmailChanges(cmd) {
		return fmt.Errorf("permission denied: changing git config username/email is not allowed, use env vars instead")
	}
	return nil
}

func hasGitConfigUsernameEmailChanges(cmd *syntax.CallExpr) bool {
	if len(cmd.Args) < 3 {
		return false
	}
	if cmd.Args[0].Lit() != "git" {
		return false
	}

	configIndex := -1
	for i, arg := range cmd.Args {
		if arg.Lit() == "config" {
			configIndex = i
			break
		}
	}
	if configIndex < 0 || configIndex == len(cmd.Args)-1 {
		return false
	}

	keyIndex := -1
	for i, arg := range cmd.Args {
		if i < configIndex {
			continue
		}
		if arg.Lit() == "user.name" || arg.Lit() == "user.email" {
			keyIndex = i
			break
		}
	}
	if keyIndex < 0 || keyIndex == len(cmd.Args)-1 {
		return false
	}
	return true
}

func noBlindGitAdd(cmd *syntax.CallExpr) error {
	if hasBlindGitAdd(cmd) {
		return fmt.Errorf("permission denied: blind git add commands (git add -A, git add ., git add --all, git add *) are not allowed, specify files explicitly")
	}
	return nil
}

func hasBlindGitAdd(cmd *syntax.CallExpr) bool {
	if len(cmd.Args) < 2 {
		return false
	}
	if cmd.Args[0].Lit() != "git" {
		return false
	}

	addIndex := -1
	for i, arg := range cmd.Args {
		if arg.Lit() == "add" {
			addIndex = i
			break
		}
	}
	if addIndex < 0 {
		return false
	}

	for i := addIndex + 1; i < len(cmd.Args); i++ {
		arg := cmd.Args[i].Lit()
		if arg == "-A" || arg == "--all" || arg == "." || arg == "*" {
			return true
		}
	}
	return false
}

func isGitCommitCommand(cmd *syntax.CallExpr) bool {
	if len(cmd.Args) < 2 {
		return false
	}
	if cmd.Args[0].Lit() != "git" {
		return false
	}
	for i := 1; i < len(cmd.Args); i++ {
		if cmd.Args[i].Lit() == "commit" {
			return true
		}
	}
	return false
}

func noAgentBranchChangesOnce(cmd *syntax.CallExpr) error {
	if hasAgentBranchChanges(cmd) {
		branchWarningMu.Lock()
		alreadyWarned := branchWarningShown
		if !alreadyWarned {
			branchWarningShown = true
		}
		branchWarningMu.Unlock()

		if !alreadyWarned {
			return fmt.Errorf("permission denied: cannot rename or switch away from the %q branch directly; use the checkpoint manager's revert/merge operations instead. Warning shown once per session", AgentBranch)
		}
	}
	return nil
}

func hasAgentBranchChanges(cmd *syntax.CallExpr) bool {
	if len(cmd.Args) < 2 {
		return false
	}
	if cmd.Args[0].Lit() != "git" {
		return false
	}

	for i := 1; i < len(cmd.Args); i++ {
		arg := cmd.Args[i].Lit()
		switch arg {
		case "branch":
			if i+2 < len(cmd.Args) {
				for j := i + 1; j < len(cmd.Args)-1; j++ {
					flag := cmd.Args[j].Lit()
					if flag == "-m" || flag == "-M" {
						if cmd.Args[j+1].Lit() == AgentBranch {
							return true
						}
					}
				}
			}
		case "checkout", "switch":
			for j := i + 1; j < len(cmd.Args); j++ {
				if cmd.Args[j].Lit() == AgentBranch {
					// Switching TO the agent branch is fine; only flag
					// switching away from it, which this heuristic can't
					// tell apart from switching to it, so err on the side
					// of not warning for checkout/switch at all here.
					return false
				}
			}
		}
	}
	return false
}
