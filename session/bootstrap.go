package session

import (
	"context"
	"fmt"
	"strings"

	"devonloop.dev/checkpoint"
	"devonloop.dev/gitdriver"
)

// commitPrefixLen is how many hex characters of a commit hash the Load
// sanity check uses to look a checkpoint's commit back up in the
// repository. The lookup confirms the commit exists; it does not confirm
// the commit is on the agent branch.
const commitPrefixLen = 7

// BootstrapNew puts a brand new session's repository on the agent branch:
// initialize the repo if one isn't there yet, refuse to start already on
// the agent branch, clear out a stale agent branch left over from a prior
// session, then create the agent branch fresh with an initial checkpoint
// recording the user branch's tip.
func (s *Session) BootstrapNew(ctx context.Context) error {
	if !s.Git.IsRepo(ctx) {
		decision, err := s.askUser(ctx, fmt.Sprintf("no git repository found at %s; initialize one?", s.Config.RepoDir))
		if err != nil {
			return err
		}
		if decision == "nogit" {
			s.Git.Type = gitdriver.TypeNone
			return nil
		}
		if err := s.Git.Init(ctx); err != nil {
			s.gitError("init", err.Error())
			return fmt.Errorf("session: bootstrap new: init: %w", err)
		}
		if _, err := s.Git.CommitAllowEmpty(ctx, "Initialized Repo"); err != nil {
			s.gitError("init-commit", err.Error())
			return fmt.Errorf("session: bootstrap new: initial repo commit: %w", err)
		}
	}

	for {
		branch, err := s.Git.CurrentBranch(ctx)
		if err != nil {
			s.gitError("current-branch", err.Error())
			return fmt.Errorf("session: bootstrap new: current branch: %w", err)
		}
		if branch != AgentBranch {
			break
		}
		s.gitError("current-branch", fmt.Sprintf("repository is already on %s from a prior session", AgentBranch))
		decision, err := s.askUser(ctx, fmt.Sprintf("repository is already on %s; disable versioning, or switch away and retry?", AgentBranch))
		if err != nil {
			return err
		}
		if decision == "nogit" {
			s.Git.Type = gitdriver.TypeNone
			return nil
		}
		// decision == "resolved": the caller switched away out of band; loop
		// and recheck the current branch.
	}

	userBranch, err := s.Git.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("session: bootstrap new: recording user branch: %w", err)
	}
	s.UserBranch = userBranch

	userTip, err := s.Git.HeadHash(ctx)
	if err != nil {
		s.gitError("head-hash", err.Error())
		return fmt.Errorf("session: bootstrap new: reading user branch tip: %w", err)
	}

	if _, err := s.Git.HasChanges(ctx); err != nil {
		s.gitError("status", err.Error())
		return fmt.Errorf("session: bootstrap new: checking for changes: %w", err)
	}

	if s.Git.BranchExists(ctx, AgentBranch) {
		decision, err := s.askUser(ctx, fmt.Sprintf("a stale %s branch exists from a prior session; delete it?", AgentBranch))
		if err != nil {
			return err
		}
		if decision == "nogit" {
			s.Git.Type = gitdriver.TypeNone
			return nil
		}
		if err := s.Git.DeleteBranch(ctx, AgentBranch); err != nil {
			s.gitError("delete-branch", err.Error())
			return fmt.Errorf("session: bootstrap new: deleting stale %s: %w", AgentBranch, err)
		}
	}

	if err := s.Git.CreateIfNotExistsAndCheckout(ctx, AgentBranch); err != nil {
		s.gitError("checkout", err.Error())
		return fmt.Errorf("session: bootstrap new: switching to %s: %w", AgentBranch, err)
	}

	hash, err := s.Git.CommitAllowEmpty(ctx, "Initial commit")
	if err != nil {
		s.gitError("commit", err.Error())
		return fmt.Errorf("session: bootstrap new: initial commit: %w", err)
	}

	cp := s.Checkpoints.Record(hash, nil, nil)
	cp.MergedCommit = userTip
	return nil
}

// BootstrapLoad resumes a session that was already bootstrapped in a prior
// process, per the "load" entry mode: detect a corrupted repository
// outright, merge the user branch back in if the repository was left there,
// sanity-check every recorded checkpoint's commit still exists, and
// report any drift since the last checkpoint (new commits made by the agent
// via raw shell commands, or uncommitted working-tree changes) so the
// caller can inject it into the agent's context rather than silently
// ignoring it. An empty driftMessage with a nil error means there was
// nothing to report.
func (s *Session) BootstrapLoad(ctx context.Context) (driftMessage string, err error) {
	if !s.Git.IsRepo(ctx) || !s.Git.BranchExists(ctx, AgentBranch) {
		s.Corrupted = true
		return "", nil
	}

	branch, err := s.Git.CurrentBranch(ctx)
	if err != nil {
		s.gitError("current-branch", err.Error())
		s.Corrupted = true
		return "", nil
	}

	if branch != AgentBranch && branch != s.UserBranch {
		decision, askErr := s.askUser(ctx, fmt.Sprintf("repository is on unknown branch %q; switch to %s?", branch, AgentBranch))
		if askErr != nil {
			return "", askErr
		}
		if decision == "nogit" {
			s.Corrupted = true
			return "", nil
		}
		branch = s.UserBranch
	}

	if branch == s.UserBranch {
		if _, ok := s.Checkpoints.LatestMerged(); !ok {
			s.Corrupted = true
			return "", nil
		}
		if err := s.Git.SwitchBranch(ctx, AgentBranch); err != nil {
			s.gitError("checkout", err.Error())
			s.Corrupted = true
			return "", nil
		}
		if err := s.Git.MergeBranch(ctx, s.UserBranch); err != nil {
			s.gitError("merge", err.Error())
			s.Corrupted = true
			return "", nil
		}
	}

	for _, cp := range s.Checkpoints.All() {
		if cp.CommitHash == "" || cp.CommitHash == checkpoint.NoCommitSentinel {
			continue
		}
		prefix := cp.CommitHash
		if len(prefix) > commitPrefixLen {
			prefix = prefix[:commitPrefixLen]
		}
		if _, err := s.Git.Show(ctx, prefix); err != nil {
			s.gitError("sanity-check", fmt.Sprintf("checkpoint commit %s no longer found in the repository", cp.CommitHash))
			s.Corrupted = true
			return "", nil
		}
	}

	var latest *checkpoint.Checkpoint
	for _, cp := range s.Checkpoints.All() {
		if cp.CommitHash == "" || cp.CommitHash == checkpoint.NoCommitSentinel {
			continue
		}
		if latest == nil || cp.CreatedAt.After(latest.CreatedAt) {
			latest = cp
		}
	}
	if latest == nil {
		// No checkpoint with a real commit to measure drift against; there
		// is nothing yet to compare HEAD to.
		return "", nil
	}
	since := latest.CommitHash

	commits, err := s.Git.FindNewCommits(ctx, since)
	if err != nil {
		s.gitError("log", err.Error())
		return "", nil
	}
	changed, err := s.Git.HasChanges(ctx)
	if err != nil {
		s.gitError("status", err.Error())
		return "", nil
	}
	if len(commits) == 0 && !changed {
		return "", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "the repository changed since the last checkpoint: %d commit(s) on %s", len(commits), AgentBranch)
	if changed {
		b.WriteString(", plus uncommitted working-tree changes")
	}
	for _, c := range commits {
		hash := c.Hash
		if len(hash) > commitPrefixLen {
			hash = hash[:commitPrefixLen]
		}
		fmt.Fprintf(&b, "\n  %s %s", hash, c.Subject)
	}
	return b.String(), nil
}
