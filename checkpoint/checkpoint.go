// Package checkpoint implements the Checkpoint Manager: creating, reverting
// to, diffing, and merging checkpoints that bundle a git commit on the
// agent branch together with the agent's conversation history, session
// state, and the Event Log cursor at the moment the checkpoint was taken.
package checkpoint

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"devonloop.dev/event"
	"devonloop.dev/gitdriver"
)

// NoCommitSentinel is recorded as a Checkpoint's CommitHash when Create had
// nothing to commit, rather than some other ref (a branch name would make
// Revert's ResetHard and the bootstrap sanity check operate on a moving
// target instead of a fixed commit).
const NoCommitSentinel = "no_commit"

// Checkpoint is a single restorable point in a session: the git commit that
// captured the working tree, a serialized snapshot of the agent's
// conversation history and session state at that moment, and the Event Log
// cursor to rewind to on Revert.
type Checkpoint struct {
	ID           string
	CommitHash   string
	AgentHistory []byte
	State        []byte
	EventCursor  int
	CreatedAt    time.Time

	// MergedCommit is set only on the bootstrap checkpoint recorded when a
	// session switches onto the agent branch: the user branch's tip at that
	// moment, so a later Load can find where the agent branch forked from.
	MergedCommit string
}

// Manager creates, reverts to, diffs, and merges Checkpoints for a single
// session's repository.
type Manager struct {
	Driver *gitdriver.Driver
	Log    *event.Log

	checkpoints map[string]*Checkpoint
}

// NewManager returns a Manager bound to driver and log.
func NewManager(driver *gitdriver.Driver, log *event.Log) *Manager {
	return &Manager{
		Driver:      driver,
		Log:         log,
		checkpoints: make(map[string]*Checkpoint),
	}
}

// Create commits every tracked change on the current branch (typically the
// agent branch) with message, bundles it with agentHistory/state and the
// log's current cursor, and records the result as a new Checkpoint. If
// there is nothing to commit, Create records NoCommitSentinel as the
// CommitHash rather than any ref, so reverting to it is always well-defined
// even when a turn produced no file changes.
func (m *Manager) Create(ctx context.Context, message string, agentHistory, state []byte) (*Checkpoint, error) {
	hash, err := m.Driver.CommitAll(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: commit: %w", err)
	}
	if hash == "" {
		hash = NoCommitSentinel
	}

	cp := &Checkpoint{
		ID:           uuid.NewString(),
		CommitHash:   hash,
		AgentHistory: agentHistory,
		State:        state,
		EventCursor:  m.Log.Cursor(),
		CreatedAt:    time.Now(),
	}
	m.checkpoints[cp.ID] = cp

	m.Log.Append(event.New(event.TypeCheckpoint, "checkpoint", "session", event.Checkpoint{
		CheckpointID: cp.ID,
		Op:           "create",
	}, cp.CreatedAt))

	return cp, nil
}

// Record bundles an already-made commit (hash) with agentHistory/state and
// the log's current cursor into a new Checkpoint, without committing
// anything itself. Used for the bootstrap-time checkpoint over the initial
// commit, which the Session Orchestrator makes directly via
// gitdriver.Driver.CommitAllowEmpty so it can force a commit even on an
// unmodified tree.
func (m *Manager) Record(hash string, agentHistory, state []byte) *Checkpoint {
	cp := &Checkpoint{
		ID:           uuid.NewString(),
		CommitHash:   hash,
		AgentHistory: agentHistory,
		State:        state,
		EventCursor:  m.Log.Cursor(),
		CreatedAt:    time.Now(),
	}
	m.checkpoints[cp.ID] = cp

	m.Log.Append(event.New(event.TypeCheckpoint, "checkpoint", "session", event.Checkpoint{
		CheckpointID: cp.ID,
		Op:           "create",
	}, cp.CreatedAt))

	return cp
}

// Get returns a previously created Checkpoint by ID.
func (m *Manager) Get(id string) (*Checkpoint, bool) {
	cp, ok := m.checkpoints[id]
	return cp, ok
}

// LatestMerged returns the most recently created Checkpoint that carries a
// MergedCommit, i.e. the most recent bootstrap point recording where the
// agent branch forked from the user branch.
func (m *Manager) LatestMerged() (*Checkpoint, bool) {
	var latest *Checkpoint
	for _, cp := range m.checkpoints {
		if cp.MergedCommit == "" {
			continue
		}
		if latest == nil || cp.CreatedAt.After(latest.CreatedAt) {
			latest = cp
		}
	}
	return latest, latest != nil
}

// All returns every recorded Checkpoint, in no particular order.
func (m *Manager) All() []*Checkpoint {
	out := make([]*Checkpoint, 0, len(m.checkpoints))
	for _, cp := range m.checkpoints {
		out = append(out, cp)
	}
	return out
}

// Revert hard-resets the repository to cp's commit (skipping the reset
// entirely when cp.CommitHash is NoCommitSentinel, since there is no commit
// to reset to) and truncates the Event Log back to just past cp's own
// checkpoint event, discarding everything recorded after it. The caller is
// responsible for restoring cp.AgentHistory/cp.State into the session's
// live agent and state objects; Revert only touches git and the log.
func (m *Manager) Revert(ctx context.Context, cp *Checkpoint) error {
	if cp.CommitHash != NoCommitSentinel {
		if err := m.Driver.ResetHard(ctx, cp.CommitHash); err != nil {
			return fmt.Errorf("checkpoint: revert: %w", err)
		}
	}
	// cp.EventCursor is the position the checkpoint event itself was
	// appended at; truncating after EventCursor+1 keeps that event and
	// discards only what came later.
	m.Log.TruncateAfter(cp.EventCursor + 1)

	m.Log.Append(event.New(event.TypeCheckpoint, "checkpoint", "session", event.Checkpoint{
		CheckpointID: cp.ID,
		Op:           "revert",
	}, time.Now()))
	return nil
}

// FileDiff is one file's before/after content plus a human-readable
// line-level diff summary.
type FileDiff struct {
	Path    string
	Before  string
	After   string
	Summary string
}

// Diff compares the trees at two checkpoints path by path. A nil to (or one
// carrying NoCommitSentinel) compares from against the working directory.
// from must carry a real commit: a nil or NoCommitSentinel from is passed to
// git as an empty revision and the diff fails. A path absent from a given
// checkpoint diffs against the empty string, matching ShowPath's "file
// doesn't exist at this commit" case.
func (m *Manager) Diff(ctx context.Context, from, to *Checkpoint) ([]FileDiff, error) {
	fromHash := ""
	if from != nil && from.CommitHash != NoCommitSentinel {
		fromHash = from.CommitHash
	}
	toHash := ""
	if to != nil && to.CommitHash != NoCommitSentinel {
		toHash = to.CommitHash
	}

	files, err := m.Driver.RawDiff(ctx, fromHash, toHash)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: diff: %w", err)
	}

	dmp := diffmatchpatch.New()
	out := make([]FileDiff, 0, len(files))
	for _, f := range files {
		before, err := showOrWorkingDir(ctx, m.Driver, fromHash, f.Path)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: diff: reading %s at %s: %w", f.Path, fromHash, err)
		}
		after, err := showOrWorkingDir(ctx, m.Driver, toHash, f.Path)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: diff: reading %s at %s: %w", f.Path, toHash, err)
		}

		diffs := dmp.DiffMain(before, after, false)
		out = append(out, FileDiff{
			Path:    f.Path,
			Before:  before,
			After:   after,
			Summary: dmp.DiffPrettyText(diffs),
		})
	}
	return out, nil
}

func showOrWorkingDir(ctx context.Context, d *gitdriver.Driver, hash, path string) (string, error) {
	if hash != "" {
		return d.ShowPath(ctx, hash, path)
	}
	full, err := d.ValidatePath(ctx, path)
	if err != nil {
		// The path may have been deleted in the working dir; treat as empty.
		return "", nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", nil
	}
	return string(data), nil
}

// Merge folds the checkpointed changes on the agent branch into the user's
// branch via a patch rather than a git merge commit, so the agent branch's
// own checkpoint history never becomes an ancestor of the user's branch:
// it diffs agentBranch against userBranch, switches to userBranch, applies
// the patch, commits, and switches back.
func (m *Manager) Merge(ctx context.Context, agentBranch, userBranch, message string) error {
	patch, err := m.Driver.DiffPatch(ctx, userBranch, agentBranch)
	if err != nil {
		return fmt.Errorf("checkpoint: merge: diff: %w", err)
	}
	if strings.TrimSpace(patch) == "" {
		return nil
	}

	if err := m.Driver.SwitchBranch(ctx, userBranch); err != nil {
		return fmt.Errorf("checkpoint: merge: switching to %s: %w", userBranch, err)
	}
	if err := m.Driver.ApplyPatch(ctx, patch); err != nil {
		return fmt.Errorf("checkpoint: merge: applying patch: %w", err)
	}
	if _, err := m.Driver.CommitAll(ctx, message); err != nil {
		return fmt.Errorf("checkpoint: merge: committing on %s: %w", userBranch, err)
	}
	if err := m.Driver.SwitchBranch(ctx, agentBranch); err != nil {
		return fmt.Errorf("checkpoint: merge: switching back to %s: %w", agentBranch, err)
	}
	return nil
}
