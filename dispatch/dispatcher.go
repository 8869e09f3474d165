package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"devonloop.dev/agentiface"
	"devonloop.dev/checkpoint"
	"devonloop.dev/event"
	"devonloop.dev/gitdriver"
	"devonloop.dev/toolenv"
	"devonloop.dev/toolparser"
)

// RateLimitError is returned by an Agent's SendMessage when the model
// provider asked the caller to back off. The dispatcher recognizes it via
// errors.As, appends a RateLimit event, and retries after RetryAfter rather
// than failing the turn.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("dispatch: rate limited, retry after %s", e.RetryAfter)
}

// ErrInterrupted names a turn whose context was canceled while a tool was
// requested but before it ran. RunTurn does not return it: it records that
// case as an Interrupt event and returns nil.
var ErrInterrupted = errors.New("dispatch: turn interrupted")

// submitToolName is the one reserved name that doesn't simply end the turn:
// it sets the task to a completion sentinel and enqueues a fresh Task.
const submitToolName = "submit"

// submitCompletionSentinel is the instruction enqueued as a fresh Task right
// after a submit.
const submitCompletionSentinel = "You have completed your task…"

// unspecifiedTaskSentinel substitutes for an empty RunTurn instruction, so
// the agent is told to ask rather than silently receiving an empty prompt.
const unspecifiedTaskSentinel = "Task unspecified ask user to specify task"

// AskUserFunc resolves a git operation that needs a human decision (e.g. a
// merge conflict the Checkpoint Manager can't fold automatically). The
// concrete prompt surface (CLI, HTTP, whatever embeds this module) is out of
// scope here; the dispatcher only needs this one function to call into it.
type AskUserFunc func(ctx context.Context, prompt string) (decision string, err error)

// StateConsumer routes state snapshots the Dispatcher needs in and out of a
// Checkpoint: the agent's serialized history and whatever session state the
// embedding application wants restored on Revert. Out of scope for this
// module's own persistence, referenced only by interface.
type StateConsumer interface {
	Snapshot() (agentHistory, state []byte)
	Restore(agentHistory, state []byte) error
}

// Dispatcher is the Event Dispatcher: it drives a StateMachine through one
// turn at a time, consuming a Task and producing every Event that results,
// routing ToolRequests through the Environment Registry, checkpointing when
// a tool run leaves new commits, and feeding results back to the Agent
// collaborator until
// the turn ends.
type Dispatcher struct {
	SM          *StateMachine
	Log         *event.Log
	Registry    *toolenv.Registry
	Git         *gitdriver.Driver
	Checkpoints *checkpoint.Manager
	Agent       agentiface.Agent
	State       StateConsumer

	// AgentBranch names the branch the Checkpoint Manager commits to; a new
	// turn's commits are measured against lastCommitHash on this branch.
	AgentBranch string

	// AskUser resolves git operations requiring a human decision. If nil, a
	// failed git operation fails the turn, and the prompt about several
	// commits landing in one tool call is logged and the turn continues.
	AskUser AskUserFunc

	// MaxRateLimitRetries bounds how many times RunTurn will wait out a
	// RateLimitError before giving up. Zero means retry forever.
	MaxRateLimitRetries int

	lastCommitHash string
}

// NewDispatcher wires the collaborators a turn needs. log and sm must not be
// nil; the rest may be filled in by the caller afterward for tests that
// don't exercise every path.
func NewDispatcher(sm *StateMachine, log *event.Log, registry *toolenv.Registry, git *gitdriver.Driver, checkpoints *checkpoint.Manager, agent agentiface.Agent) *Dispatcher {
	return &Dispatcher{
		SM:          sm,
		Log:         log,
		Registry:    registry,
		Git:         git,
		Checkpoints: checkpoints,
		Agent:       agent,
		AgentBranch: "devon_agent",
	}
}

func (d *Dispatcher) append(typ event.Type, producer, consumer string, content event.Content) event.Event {
	e := event.New(typ, producer, consumer, content, time.Now())
	d.Log.Append(e)
	return e
}

// RunTurn drives a single turn to completion: it sends instruction to the
// Agent, routes every tool call the Agent requests until the Agent ends the
// turn (or a reserved name, interrupt, rate limit, or budget violation ends
// it first), and returns nil once the StateMachine reaches a terminal
// state other than Error.
func (d *Dispatcher) RunTurn(ctx context.Context, instruction string) error {
	if err := d.SM.Transition(ctx, StateWaitingForTask, "task received"); err != nil {
		return err
	}
	if instruction == "" {
		instruction = unspecifiedTaskSentinel
	}
	d.append(event.TypeTask, "caller", "dispatcher", event.Task{Instruction: instruction})

	resp, err := d.sendModelRequest(ctx, instruction)
	if err != nil {
		return err
	}

	for {
		if resp.ToolName == "" {
			if err := d.SM.Transition(ctx, StateEndOfTurn, "model ended turn"); err != nil {
				return err
			}
			return d.SM.Transition(ctx, StateWaitingForTask, "turn complete")
		}

		toolResp, nextResp, err := d.runToolRequest(ctx, resp)
		if err != nil {
			return err
		}
		if toolResp == nil {
			// Interrupted or a reserved name ended the turn already.
			return nil
		}
		resp = nextResp
	}
}

// sendModelRequest sends prompt to the Agent, retrying on RateLimitError up
// to MaxRateLimitRetries times, and appends the ModelRequest/ModelResponse
// events for the exchange.
func (d *Dispatcher) sendModelRequest(ctx context.Context, prompt string) (agentiface.Response, error) {
	if err := d.SM.Transition(ctx, StateSendingModelRequest, "sending to agent"); err != nil {
		return agentiface.Response{}, err
	}
	reqEvt := d.append(event.TypeModelRequest, "dispatcher", "agent", event.ModelRequest{
		RequestID: "",
		Prompt:    prompt,
	})

	retries := 0
	for {
		resp, err := d.Agent.SendMessage(ctx, prompt)
		if err != nil {
			var rle *RateLimitError
			if errors.As(err, &rle) {
				d.append(event.TypeRateLimit, "agent", "dispatcher", event.RateLimit{RetryAfter: rle.RetryAfter})
				if err := d.SM.Transition(ctx, StateRateLimited, "rate limited by agent"); err != nil {
					return agentiface.Response{}, err
				}
				if d.MaxRateLimitRetries > 0 && retries >= d.MaxRateLimitRetries {
					return agentiface.Response{}, fmt.Errorf("dispatch: exceeded %d rate limit retries: %w", d.MaxRateLimitRetries, err)
				}
				retries++
				if err := waitBounded(ctx, rle.RetryAfter); err != nil {
					return agentiface.Response{}, err
				}
				if err := d.SM.Transition(ctx, StateSendingModelRequest, "retrying after rate limit"); err != nil {
					return agentiface.Response{}, err
				}
				continue
			}

			d.append(event.TypeError, "agent", "dispatcher", event.Error{Message: err.Error()})
			d.SM.ForceTransition(ctx, StateError, "agent request failed: "+err.Error())
			return agentiface.Response{}, err
		}

		if err := d.SM.Transition(ctx, StateProcessingModelResponse, "processing agent response"); err != nil {
			return agentiface.Response{}, err
		}
		resp = d.resolveToolCall(resp)
		d.append(event.TypeModelResponse, "agent", "dispatcher", event.ModelResponse{
			RequestID: reqEvt.ID,
			Text:      resp.Text,
			ToolName:  resp.ToolName,
			ToolArgs:  resp.ToolArgs,
		})
		return resp, nil
	}
}

// resolveToolCall fills in ToolName/ToolArgs from resp.Text via the Tool
// Parser when the Agent returned free-form action text instead of already
// naming a tool itself. A parse failure is a recoverable dispatcher error:
// it's reported and the turn ends, rather than aborting the whole turn, so
// the agent's mistake doesn't crash the session.
func (d *Dispatcher) resolveToolCall(resp agentiface.Response) agentiface.Response {
	if resp.ToolName != "" || resp.EndsTurn || strings.TrimSpace(resp.Text) == "" {
		return resp
	}
	call, err := toolparser.Parse(resp.Text)
	if err != nil {
		d.append(event.TypeError, "dispatcher", "agent", event.Error{Message: err.Error()})
		resp.EndsTurn = true
		return resp
	}
	resp.ToolName = call.ToolName
	resp.ToolArgs = call.Rejoin()
	return resp
}

// waitBounded waits out d or returns ctx.Err() if ctx is canceled first,
// under a cancellable errgroup so the timer goroutine is torn down the
// moment either side resolves rather than leaking until its own deadline.
func waitBounded(ctx context.Context, d time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	return g.Wait()
}

// runToolRequest handles one ModelResponse that names a tool: reserved-name
// Stop synthesis, interrupt checking, tool execution, git-commit detection,
// budget checking, and feeding the result back to the Agent for its next
// response. A nil toolResp means the turn already ended (Stop or Interrupt);
// the caller should return without looping.
func (d *Dispatcher) runToolRequest(ctx context.Context, resp agentiface.Response) (toolResp *event.ToolResponse, next agentiface.Response, err error) {
	if err := d.SM.Transition(ctx, StateToolRequested, "tool requested: "+resp.ToolName); err != nil {
		return nil, agentiface.Response{}, err
	}
	d.append(event.TypeToolRequest, "agent", "dispatcher", event.ToolRequest{
		ToolName: resp.ToolName,
		RawInput: resp.ToolArgs,
	})

	if toolenv.IsReserved(resp.ToolName) {
		if resp.ToolName == submitToolName {
			d.append(event.TypeStop, "dispatcher", "caller", event.Stop{Reason: submitToolName, Message: resp.ToolArgs})
			if err := d.SM.Transition(ctx, StateEndOfTurn, "submit: turn complete"); err != nil {
				return nil, agentiface.Response{}, err
			}
			if err := d.SM.Transition(ctx, StateWaitingForTask, "submit: queuing completion task"); err != nil {
				return nil, agentiface.Response{}, err
			}
			d.append(event.TypeTask, "dispatcher", "agent", event.Task{Instruction: submitCompletionSentinel})
			nextResp, err := d.sendModelRequest(ctx, "")
			if err != nil {
				return nil, agentiface.Response{}, err
			}
			tr := event.ToolResponse{ToolName: resp.ToolName}
			return &tr, nextResp, nil
		}

		d.append(event.TypeStop, "dispatcher", "caller", event.Stop{Reason: resp.ToolName})
		d.SM.ForceTransition(ctx, StateStopped, "reserved tool name: "+resp.ToolName)
		return nil, agentiface.Response{}, nil
	}

	if err := d.SM.Transition(ctx, StateCheckingForInterrupt, "checking for interrupt"); err != nil {
		return nil, agentiface.Response{}, err
	}
	select {
	case <-ctx.Done():
		d.append(event.TypeInterrupt, "dispatcher", "caller", event.Interrupt{Reason: ctx.Err().Error()})
		if err := d.SM.Transition(ctx, StateInterrupted, "turn interrupted before tool ran"); err != nil {
			return nil, agentiface.Response{}, err
		}
		if err := d.SM.Transition(ctx, StateWaitingForTask, "interrupted turn reset"); err != nil {
			return nil, agentiface.Response{}, err
		}
		return nil, agentiface.Response{}, nil
	default:
	}

	if err := d.SM.Transition(ctx, StateRunningTool, "running tool: "+resp.ToolName); err != nil {
		return nil, agentiface.Response{}, err
	}
	output, exitCode, toolErr := d.executeTool(ctx, resp.ToolName, resp.ToolArgs)
	errMsg := ""
	if toolErr != nil {
		errMsg = toolErr.Error()
	}
	d.append(event.TypeToolResponse, "dispatcher", "agent", event.ToolResponse{
		ToolName: resp.ToolName,
		Output:   output,
		ExitCode: exitCode,
		Err:      errMsg,
	})

	if err := d.checkGitCommits(ctx); err != nil {
		return nil, agentiface.Response{}, err
	}

	if err := d.SM.Transition(ctx, StateCheckingBudget, "checking budget after tool run"); err != nil {
		return nil, agentiface.Response{}, err
	}
	if err := d.Agent.OverBudget(); err != nil {
		d.append(event.TypeError, "dispatcher", "caller", event.Error{Message: "budget exceeded: " + err.Error()})
		d.SM.ForceTransition(ctx, StateError, "budget exceeded: "+err.Error())
		return nil, agentiface.Response{}, err
	}

	if err := d.SM.Transition(ctx, StateSendingToolResult, "sending tool result to agent"); err != nil {
		return nil, agentiface.Response{}, err
	}
	if err := d.Agent.ToolResult(ctx, resp.ToolName, output, toolErr); err != nil {
		d.append(event.TypeError, "agent", "dispatcher", event.Error{Message: err.Error()})
		d.SM.ForceTransition(ctx, StateError, "agent failed to accept tool result: "+err.Error())
		return nil, agentiface.Response{}, err
	}

	nextResp, err := d.sendModelRequest(ctx, "")
	if err != nil {
		return nil, agentiface.Response{}, err
	}

	tr := event.ToolResponse{ToolName: resp.ToolName, Output: output, ExitCode: exitCode, Err: errMsg}
	return &tr, nextResp, nil
}

// executeTool routes name through the Environment Registry and runs it,
// reporting a not-found error as an ordinary tool failure rather than
// aborting the turn. When no environment claims name directly and the call
// falls through to the shell fallback, it appends the ShellRequest/
// ShellResponse pair the fall-through implies before the caller's own
// ToolResponse.
func (d *Dispatcher) executeTool(ctx context.Context, name, args string) (output string, exitCode int, err error) {
	env, tool, usedFallback, err := d.Registry.Route(name)
	if err != nil {
		return "", -1, err
	}
	inv := toolenv.Invocation{
		Environment: env.Name,
		RawCommand:  args,
		EventLog:    d.Log,
	}

	if usedFallback {
		d.append(event.TypeShellRequest, "dispatcher", "shell", event.ShellRequest{Command: args})
		output, exitCode, err := tool.Run(ctx, inv, args)
		d.append(event.TypeShellResponse, "shell", "dispatcher", event.ShellResponse{Output: output, ExitCode: exitCode})
		return output, exitCode, err
	}

	return tool.Run(ctx, inv, args)
}

// checkGitCommits looks for commits made since the last check, takes a
// checkpoint if anything changed, and asks AskUser to resolve git's own
// uncertainty (currently: whether more than one new commit landed in a
// single tool call, which the Checkpoint Manager has no basis to merge
// automatically).
func (d *Dispatcher) checkGitCommits(ctx context.Context) error {
	if err := d.SM.Transition(ctx, StateCheckingGitCommits, "checking for new commits"); err != nil {
		return err
	}

	if d.Git == nil || d.Checkpoints == nil {
		return nil
	}

	if d.lastCommitHash == "" {
		head, err := d.Git.HeadHash(ctx)
		if err != nil {
			d.append(event.TypeGitError, "dispatcher", "caller", event.GitError{Op: "resolve_head", Message: err.Error()})
			d.SM.ForceTransition(ctx, StateError, "resolving initial HEAD: "+err.Error())
			return err
		}
		d.lastCommitHash = head
		return nil
	}

	commits, err := d.Git.FindNewCommits(ctx, d.lastCommitHash)
	if err != nil {
		d.append(event.TypeGitError, "dispatcher", "caller", event.GitError{Op: "find_new_commits", Message: err.Error()})
		if d.AskUser == nil {
			d.SM.ForceTransition(ctx, StateError, "git error with no resolver: "+err.Error())
			return err
		}
		return d.resolveGitError(ctx, "find_new_commits", err)
	}
	if len(commits) == 0 {
		return nil
	}

	var history, state []byte
	if d.State != nil {
		history, state = d.State.Snapshot()
	}
	cp, err := d.Checkpoints.Create(ctx, "checkpoint after tool run", history, state)
	if err != nil {
		d.append(event.TypeGitError, "dispatcher", "caller", event.GitError{Op: "checkpoint_create", Message: err.Error()})
		d.SM.ForceTransition(ctx, StateError, "checkpoint creation failed: "+err.Error())
		return err
	}
	d.lastCommitHash = cp.CommitHash
	if cp.CommitHash == checkpoint.NoCommitSentinel {
		d.lastCommitHash = commits[0].Hash
	}

	if len(commits) > 1 {
		return d.awaitAmbiguousCommits(ctx, commits)
	}
	return nil
}

// awaitAmbiguousCommits asks a human to confirm multiple commits landing in
// a single tool invocation weren't an accidental squash of unrelated work.
func (d *Dispatcher) awaitAmbiguousCommits(ctx context.Context, commits []gitdriver.LogEntry) error {
	if err := d.SM.Transition(ctx, StateAwaitingGitResolution, fmt.Sprintf("%d new commits in one tool call", len(commits))); err != nil {
		return err
	}
	prompt := fmt.Sprintf("%d commits landed in a single tool call; continue?", len(commits))
	d.append(event.TypeGitAskUser, "dispatcher", "caller", event.GitAskUser{Prompt: prompt})

	if d.AskUser == nil {
		slog.WarnContext(ctx, "dispatch: multiple commits in one tool call with no AskUser resolver, continuing")
		return nil
	}

	decision, err := d.AskUser(ctx, prompt)
	if err != nil {
		d.SM.ForceTransition(ctx, StateError, "git resolution failed: "+err.Error())
		return err
	}
	d.append(event.TypeGitResolve, "caller", "dispatcher", event.GitResolve{Decision: decision})
	return nil
}

// resolveGitError asks AskUser to decide how to proceed after a Versioning
// Driver operation failed outright (as opposed to merely being ambiguous).
func (d *Dispatcher) resolveGitError(ctx context.Context, op string, cause error) error {
	if err := d.SM.Transition(ctx, StateAwaitingGitResolution, op+" failed: "+cause.Error()); err != nil {
		return err
	}
	prompt := fmt.Sprintf("git operation %q failed: %s. How should the session proceed?", op, cause)
	d.append(event.TypeGitAskUser, "dispatcher", "caller", event.GitAskUser{Prompt: prompt})

	decision, err := d.AskUser(ctx, prompt)
	if err != nil {
		d.SM.ForceTransition(ctx, StateError, "git resolution failed: "+err.Error())
		return err
	}
	d.append(event.TypeGitResolve, "caller", "dispatcher", event.GitResolve{Decision: decision})
	return nil
}
