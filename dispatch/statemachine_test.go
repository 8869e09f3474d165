package dispatch

import (
	"context"
	"testing"
)

func TestStateMachineValidAndInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	sm := NewStateMachine()

	if sm.Current() != StateReady {
		t.Fatalf("initial state = %s, want Ready", sm.Current())
	}

	if err := sm.Transition(ctx, StateWaitingForTask, "starting session"); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if sm.Current() != StateWaitingForTask {
		t.Fatalf("current = %s, want WaitingForTask", sm.Current())
	}

	if err := sm.Transition(ctx, StateRunningTool, "invalid"); err == nil {
		t.Fatal("expected error transitioning directly from WaitingForTask to RunningTool")
	}
	if sm.Current() != StateWaitingForTask {
		t.Fatalf("current changed after invalid transition: %s", sm.Current())
	}
}

func TestStateMachineFullTurn(t *testing.T) {
	ctx := context.Background()
	sm := NewStateMachine()

	steps := []State{
		StateWaitingForTask,
		StateSendingModelRequest,
		StateProcessingModelResponse,
		StateToolRequested,
		StateCheckingForInterrupt,
		StateRunningTool,
		StateCheckingGitCommits,
		StateCheckingBudget,
		StateSendingToolResult,
		StateSendingModelRequest,
		StateProcessingModelResponse,
		StateEndOfTurn,
		StateWaitingForTask,
	}
	for _, s := range steps {
		if err := sm.Transition(ctx, s, "turn"); err != nil {
			t.Fatalf("Transition to %s: %v", s, err)
		}
	}
	if sm.Current() != StateWaitingForTask {
		t.Fatalf("final state = %s, want WaitingForTask", sm.Current())
	}
	if len(sm.History()) != len(steps) {
		t.Fatalf("History() length = %d, want %d", len(sm.History()), len(steps))
	}
}

func TestStateMachineListener(t *testing.T) {
	ctx := context.Background()
	sm := NewStateMachine()

	ch := make(chan Transition, 4)
	unregister := sm.AddListener(ch)
	defer unregister()

	if err := sm.Transition(ctx, StateWaitingForTask, "go"); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	select {
	case tr := <-ch:
		if tr.To != StateWaitingForTask {
			t.Fatalf("transition.To = %s, want WaitingForTask", tr.To)
		}
	default:
		t.Fatal("listener did not receive transition notification")
	}
}

func TestStateMachineIsTerminal(t *testing.T) {
	ctx := context.Background()
	sm := NewStateMachine()
	if sm.IsTerminal() {
		t.Fatal("Ready should not be terminal")
	}
	sm.ForceTransition(ctx, StateError, "forced for test")
	if !sm.IsTerminal() {
		t.Fatal("Error should be terminal")
	}
}
