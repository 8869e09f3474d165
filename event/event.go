// Package event defines the closed set of events that flow through a
// session's dispatch loop, and the append-only log that records them.
//
// Every event carries a typed Content payload instead of an untyped map:
// the dispatcher and its handlers switch on Type and type-assert Content to
// the matching struct, so a new event kind can't be introduced by accident
// and a handler can't silently ignore a field it forgot to read.
package event

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type is the closed set of event kinds the dispatcher understands.
type Type string

const (
	TypeTask          Type = "task"
	TypeModelRequest  Type = "model_request"
	TypeModelResponse Type = "model_response"
	TypeToolRequest   Type = "tool_request"
	TypeToolResponse  Type = "tool_response"
	TypeShellRequest  Type = "shell_request"
	TypeShellResponse Type = "shell_response"
	TypeError         Type = "error"
	TypeStop          Type = "stop"
	TypeRateLimit     Type = "rate_limit"
	TypeInterrupt     Type = "interrupt"
	TypeGitError      Type = "git_error"
	TypeGitAskUser    Type = "git_ask_user"
	TypeGitResolve    Type = "git_resolve"
	TypeCheckpoint    Type = "checkpoint"
)

// Content is implemented by exactly one struct per Type. It exists only to
// let Event carry a typed payload; callers assert on the concrete type they
// expect for a given Type rather than probing a map.
type Content interface {
	eventContent()
}

// Task is the initial instruction handed to the agent for a turn.
type Task struct {
	Instruction string
}

func (Task) eventContent() {}

// ModelRequest is the prompt/context sent to the agent collaborator.
type ModelRequest struct {
	RequestID string
	Prompt    string
}

func (ModelRequest) eventContent() {}

// ModelResponse is the agent collaborator's reply, possibly containing a
// tool call the dispatcher must route.
type ModelResponse struct {
	RequestID string
	Text      string
	ToolName  string
	ToolArgs  string
}

func (ModelResponse) eventContent() {}

// ToolRequest asks the Environment Registry to route ToolName to whichever
// environment owns it.
type ToolRequest struct {
	ToolName string
	RawInput string
}

func (ToolRequest) eventContent() {}

// ToolResponse carries a tool's output back to the agent.
type ToolResponse struct {
	ToolName string
	Output   string
	ExitCode int
	Err      string
}

func (ToolResponse) eventContent() {}

// ShellRequest is a command sent to the Shell Channel.
type ShellRequest struct {
	Command string
	Timeout time.Duration
}

func (ShellRequest) eventContent() {}

// ShellResponse is the Shell Channel's reply to a ShellRequest.
type ShellResponse struct {
	Output   string
	ExitCode int
	TimedOut bool
}

func (ShellResponse) eventContent() {}

// Error carries a dispatcher- or environment-level failure that does not by
// itself end the session.
type Error struct {
	Message string
}

func (Error) eventContent() {}

// Stop is produced by a reserved tool name (submit, exit, stop, exit_error,
// exit_api) and ends the turn without being routed to tool execution. Reason
// is the reserved name itself; Message carries submit's completion note (its
// raw argument text) or is empty for the other reserved names.
type Stop struct {
	Reason  string
	Message string
}

func (Stop) eventContent() {}

// RateLimit signals the agent collaborator asked the dispatcher to pause.
type RateLimit struct {
	RetryAfter time.Duration
}

func (RateLimit) eventContent() {}

// Interrupt is a user- or supervisor-initiated cancellation of the current
// turn.
type Interrupt struct {
	Reason string
}

func (Interrupt) eventContent() {}

// GitError carries a failure from the Versioning Driver.
type GitError struct {
	Op      string
	Message string
}

func (GitError) eventContent() {}

// GitAskUser is produced when a git operation needs a human decision (e.g. a
// merge conflict) that the dispatcher cannot resolve on its own.
type GitAskUser struct {
	Prompt string
}

func (GitAskUser) eventContent() {}

// GitResolve carries the resolution to a prior GitAskUser.
type GitResolve struct {
	Decision string
}

func (GitResolve) eventContent() {}

// Checkpoint records that the Checkpoint Manager created, reverted to,
// merged, or diffed a checkpoint.
type Checkpoint struct {
	CheckpointID string
	Op           string
}

func (Checkpoint) eventContent() {}

// Event is a single entry in a session's Event Log.
type Event struct {
	ID       string
	Type     Type
	Producer string
	Consumer string
	At       time.Time
	Content  Content
}

// New builds an Event, assigning it a monotonic, sortable ID via ulid so
// events can be ordered and correlated across the log without a separate
// sequence counter.
func New(typ Type, producer, consumer string, content Content, at time.Time) Event {
	return Event{
		ID:       ulid.Make().String(),
		Type:     typ,
		Producer: producer,
		Consumer: consumer,
		At:       at,
		Content:  content,
	}
}

func (e Event) String() string {
	return fmt.Sprintf("%s[%s] %s->%s", e.Type, e.ID, e.Producer, e.Consumer)
}
