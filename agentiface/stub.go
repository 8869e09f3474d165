package agentiface

import (
	"context"
	"reflect"
	"sync"
	"testing"
)

var _ Agent = (*Stub)(nil)

// Stub is a deterministic, expectation-based fake Agent for dispatcher
// tests, in the same style as the teacher's MockConvo: a test registers
// ExpectCall/Return pairs up front, and the stub fails the test the moment
// a call doesn't match any remaining expectation.
type Stub struct {
	mu sync.Mutex
	t  *testing.T

	id string

	calls        map[string][]call
	expectations map[string][]*expectation
}

type call struct {
	args []any
}

type expectation struct {
	args   []any
	result []any
}

// Return sets the values Stub returns for this expectation's call.
func (e *expectation) Return(values ...any) { e.result = values }

// NewStub returns an empty Stub identified by id.
func NewStub(t *testing.T, id string) *Stub {
	return &Stub{
		t:            t,
		id:           id,
		calls:        make(map[string][]call),
		expectations: make(map[string][]*expectation),
	}
}

// ExpectCall registers an expectation that method will be called with args.
func (s *Stub) ExpectCall(method string, args ...any) *expectation {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp := &expectation{args: args}
	s.expectations[method] = append(s.expectations[method], exp)
	return exp
}

func (s *Stub) findMatching(method string, args ...any) (*expectation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exps := s.expectations[method]
	for i, exp := range exps {
		if matchArgs(exp.args, args) {
			s.expectations[method] = append(exps[:i], exps[i+1:]...)
			return exp, true
		}
	}
	return nil, false
}

func matchArgs(expected, actual []any) bool {
	if len(expected) != len(actual) {
		return false
	}
	for i, e := range expected {
		if e == nil {
			continue
		}
		if !reflect.DeepEqual(e, actual[i]) {
			return false
		}
	}
	return true
}

func (s *Stub) record(method string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method] = append(s.calls[method], call{args: args})
}

func (s *Stub) ID() string {
	s.record("ID")
	return s.id
}

func (s *Stub) SendMessage(ctx context.Context, prompt string) (Response, error) {
	s.record("SendMessage", prompt)
	exp, ok := s.findMatching("SendMessage", prompt)
	if !ok {
		s.t.Fatalf("unexpected call to SendMessage(%q)", prompt)
	}
	var err error
	if e, ok := exp.result[1].(error); ok {
		err = e
	}
	return exp.result[0].(Response), err
}

func (s *Stub) ToolResult(ctx context.Context, toolName, output string, toolErr error) error {
	s.record("ToolResult", toolName, output, toolErr)
	exp, ok := s.findMatching("ToolResult", toolName, output, toolErr)
	if !ok {
		s.t.Fatalf("unexpected call to ToolResult(%q, %q, %v)", toolName, output, toolErr)
	}
	if len(exp.result) == 0 {
		return nil
	}
	err, _ := exp.result[0].(error)
	return err
}

func (s *Stub) CumulativeUsage() Usage {
	s.record("CumulativeUsage")
	return Usage{}
}

func (s *Stub) OverBudget() error {
	s.record("OverBudget")
	return nil
}

func (s *Stub) ResetBudget(b Budget) {
	s.record("ResetBudget", b)
}

// AssertExpectations fails t if any registered expectation was never
// consumed by a matching call.
func (s *Stub) AssertExpectations(t *testing.T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for method, exps := range s.expectations {
		if len(exps) > 0 {
			t.Errorf("not all expectations were met for %s: %d remaining", method, len(exps))
		}
	}
}
