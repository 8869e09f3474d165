// Package agentiface declares the external Agent collaborator interface the
// Event Dispatcher drives: the LLM reasoning loop itself, its prompt
// templates, and its wire protocol to a model provider are all explicitly
// out of scope for this module and are referenced only through this
// interface.
package agentiface

import "context"

// Budget bounds how much of a model's usage a turn is allowed to consume
// before OverBudget starts returning an error.
type Budget struct {
	MaxTokens   int64
	MaxRequests int64
}

// Usage is the agent's cumulative resource consumption for a session.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Requests     int64
}

// Response is what the agent collaborator returns for a single
// ModelRequest: either free text, a tool call for the dispatcher to route,
// or both.
type Response struct {
	Text     string
	ToolName string
	ToolArgs string
	EndsTurn bool
}

// Agent is the dispatcher's view of the agent collaborator: enough surface
// to drive a turn and account for its resource usage, nothing about how it
// actually reasons.
type Agent interface {
	// ID identifies this agent's conversation, for correlating events and
	// logs across a session.
	ID() string

	// SendMessage sends prompt as the next turn's input and returns the
	// agent's reply.
	SendMessage(ctx context.Context, prompt string) (Response, error)

	// ToolResult feeds a tool's output (or error) back into the
	// conversation so the agent can continue reasoning from it.
	ToolResult(ctx context.Context, toolName, output string, toolErr error) error

	// CumulativeUsage reports resource consumption so far.
	CumulativeUsage() Usage

	// OverBudget returns a non-nil error once the current Budget has been
	// exceeded.
	OverBudget() error

	// ResetBudget replaces the budget a fresh OverBudget check is measured
	// against, e.g. at the start of a new turn.
	ResetBudget(b Budget)
}
