// Command devonloop is a minimal single-process demonstration harness for
// the session event loop and checkpoint engine: it bootstraps a git
// repository onto the agent branch, opens a shell channel, and runs one
// turn through the dispatcher with a canned stand-in agent. It is not a
// transport layer; wiring a real model and a real CLI/HTTP surface onto the
// dispatcher is out of scope here.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"

	"devonloop.dev/agentiface"
	"devonloop.dev/gitdriver"
	"devonloop.dev/session"
	"devonloop.dev/skribe"
	"devonloop.dev/toolenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

func run() error {
	workingDir := flag.String("C", ".", "repository to run the session against")
	task := flag.String("task", "describe this repository", "the task to give the agent for its one turn")
	load := flag.Bool("load", false, "resume an existing session instead of bootstrapping a new one (demo only: no state is persisted across runs, so this always finds nothing to load)")
	ignoreFile := flag.String("ignore-file", ".devonignore", "name of the ignore-pattern file to read from the working directory")
	flag.Parse()

	ctx := skribe.ContextWithAttr(context.Background())
	slog.SetDefault(slog.New(skribe.AttrsWrap(slog.NewTextHandler(os.Stderr, nil))))

	cfg := session.Config{
		Name:           "devonloop-cli",
		RepoDir:        *workingDir,
		VersioningType: gitdriver.TypeGit,
		Task:           *task,
		IgnoreFileName: *ignoreFile,
	}

	var askCount int
	askUser := func(ctx context.Context, prompt string) (string, error) {
		askCount++
		if askCount > 3 {
			color.Yellow("git: %s (auto-resolving as 'nogit', attempt %d)", prompt, askCount)
			return "nogit", nil
		}
		color.Yellow("git: %s (auto-resolving as 'resolved', attempt %d)", prompt, askCount)
		return "resolved", nil
	}

	sess := session.New(cfg, toolenv.NewRegistry(), askUser)
	color.Cyan("session %s starting in %s", sess.ID, *workingDir)

	if *load {
		drift, err := sess.BootstrapLoad(ctx)
		if err != nil {
			return fmt.Errorf("bootstrap load: %w", err)
		}
		if sess.Corrupted {
			color.Red("session state looks corrupted; falling back to a fresh bootstrap")
			if err := sess.BootstrapNew(ctx); err != nil {
				return fmt.Errorf("bootstrap new (after corrupted load): %w", err)
			}
		} else if drift != "" {
			color.Yellow("%s", drift)
		}
	} else {
		if err := sess.BootstrapNew(ctx); err != nil {
			return fmt.Errorf("bootstrap new: %w", err)
		}
	}
	color.Green("working tree is on %s (user branch: %s)", session.AgentBranch, sess.UserBranch)

	agent := newEchoAgent("devonloop-demo")
	if err := sess.Setup(ctx, agent); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	defer func() {
		if err := sess.Teardown(ctx); err != nil {
			color.Red("teardown: %v", err)
		}
	}()

	sess.Start()
	if err := sess.Dispatcher.RunTurn(ctx, *task); err != nil {
		return fmt.Errorf("run turn: %w", err)
	}
	sess.Pause()

	color.Cyan("turn complete; %d event(s) logged", sess.Log.Len())
	for _, e := range sess.Log.All() {
		fmt.Printf("  %s\n", e)
	}
	return nil
}

// echoAgent is a minimal agentiface.Agent stand-in for this demonstration
// harness: it never calls a model and never requests a tool, it just ends
// the turn by echoing the prompt back. A real agent implementation is out
// of scope for this module.
type echoAgent struct {
	id    string
	usage agentiface.Usage
}

func newEchoAgent(id string) *echoAgent {
	return &echoAgent{id: id}
}

func (a *echoAgent) ID() string { return a.id }

func (a *echoAgent) SendMessage(ctx context.Context, prompt string) (agentiface.Response, error) {
	a.usage.Requests++
	a.usage.InputTokens += int64(len(prompt))
	text := prompt
	if text == "" {
		text = "(continuing after tool result)"
	}
	a.usage.OutputTokens += int64(len(text))
	return agentiface.Response{Text: "echo: " + text, EndsTurn: true}, nil
}

func (a *echoAgent) ToolResult(ctx context.Context, toolName, output string, toolErr error) error {
	return nil
}

func (a *echoAgent) CumulativeUsage() agentiface.Usage { return a.usage }

func (a *echoAgent) OverBudget() error { return nil }

func (a *echoAgent) ResetBudget(b agentiface.Budget) {}
