// Package gitdriver is a thin, typed wrapper over the git CLI: the
// Versioning Driver the Checkpoint Manager and Session Orchestrator build
// on. Every operation shells out to a real `git` binary rather than
// reimplementing git's object model, the way the teacher's git_tools
// package does, generalized with the no-op mode the original Python
// implementation's GitVersioning class supports when versioning is
// disabled for a session.
package gitdriver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Type selects whether a Driver actually shells out to git, or silently
// no-ops every operation. A session configured with TypeNone behaves as if
// it has no checkpointing at all, mirroring devon_agent's
// `versioning_type == "none"` early-return pattern throughout
// GitVersioning.
type Type string

const (
	TypeGit  Type = "git"
	TypeNone Type = "none"
)

// Driver is a git porcelain scoped to one repository.
type Driver struct {
	RepoDir string
	Type    Type
}

// New returns a Driver rooted at repoDir.
func New(repoDir string, typ Type) *Driver {
	return &Driver{RepoDir: repoDir, Type: typ}
}

func (d *Driver) enabled() bool { return d.Type == TypeGit }

func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", d.RepoDir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return string(out), nil
}

// IsRepo reports whether RepoDir is already a git repository.
func (d *Driver) IsRepo(ctx context.Context) bool {
	if !d.enabled() {
		return false
	}
	_, err := d.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil
}

// Init runs `git init` if RepoDir is not already a repository.
func (d *Driver) Init(ctx context.Context) error {
	if !d.enabled() {
		return nil
	}
	if d.IsRepo(ctx) {
		return nil
	}
	_, err := d.run(ctx, "init")
	return err
}

// CurrentBranch returns the name of the currently checked-out branch.
func (d *Driver) CurrentBranch(ctx context.Context) (string, error) {
	if !d.enabled() {
		return "", nil
	}
	out, err := d.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	return strings.TrimSpace(out), err
}

// HeadHash resolves HEAD to its full commit hash, the fixed point
// FindNewCommits measures new commits against.
func (d *Driver) HeadHash(ctx context.Context) (string, error) {
	if !d.enabled() {
		return "", nil
	}
	out, err := d.run(ctx, "rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

// BranchExists reports whether name names an existing local branch.
func (d *Driver) BranchExists(ctx context.Context, name string) bool {
	if !d.enabled() {
		return false
	}
	_, err := d.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// CreateBranch creates name at the current HEAD without switching to it.
func (d *Driver) CreateBranch(ctx context.Context, name string) error {
	if !d.enabled() {
		return nil
	}
	_, err := d.run(ctx, "branch", name)
	return err
}

// SwitchBranch checks out an existing branch.
func (d *Driver) SwitchBranch(ctx context.Context, name string) error {
	if !d.enabled() {
		return nil
	}
	_, err := d.run(ctx, "checkout", name)
	return err
}

// CreateIfNotExistsAndCheckout creates name (if absent) and switches to it
// in one step, mirroring GitVersioning.create_if_not_exists_and_checkout_branch.
func (d *Driver) CreateIfNotExistsAndCheckout(ctx context.Context, name string) error {
	if !d.enabled() {
		return nil
	}
	if d.BranchExists(ctx, name) {
		return d.SwitchBranch(ctx, name)
	}
	_, err := d.run(ctx, "checkout", "-b", name)
	return err
}

// DeleteBranch force-deletes a local branch.
func (d *Driver) DeleteBranch(ctx context.Context, name string) error {
	if !d.enabled() {
		return nil
	}
	_, err := d.run(ctx, "branch", "-D", name)
	return err
}

// HasChanges reports whether the working tree has uncommitted changes
// (staged, unstaged, or untracked).
func (d *Driver) HasChanges(ctx context.Context) (bool, error) {
	if !d.enabled() {
		return false, nil
	}
	out, err := d.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages every tracked change (not untracked files, mirroring
// bashkit's refusal of blind `git add -A`; callers that want to include new
// files must stage them first) and commits with message. It returns the new
// commit hash, or "" if there was nothing to commit.
func (d *Driver) CommitAll(ctx context.Context, message string) (string, error) {
	if !d.enabled() {
		return "", nil
	}
	status, err := d.run(ctx, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(status) == "" {
		return "", nil
	}
	if _, err := d.run(ctx, "add", "-u"); err != nil {
		return "", err
	}
	if _, err := d.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	out, err := d.run(ctx, "rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

// CommitAllowEmpty commits with message regardless of whether there is
// anything staged, the way a session's bootstrap initial commit on the
// agent branch must succeed even against a clean working tree.
func (d *Driver) CommitAllowEmpty(ctx context.Context, message string) (string, error) {
	if !d.enabled() {
		return "", nil
	}
	if _, err := d.run(ctx, "add", "-u"); err != nil {
		return "", err
	}
	if _, err := d.run(ctx, "commit", "--allow-empty", "-m", message); err != nil {
		return "", err
	}
	out, err := d.run(ctx, "rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

// Show returns `git show hash`'s output, or an error if hash does not
// resolve to an object in the repository.
func (d *Driver) Show(ctx context.Context, hash string) (string, error) {
	if !d.enabled() {
		return "", nil
	}
	out, err := d.run(ctx, "show", hash)
	return out, err
}

// ShowPath returns the content of path as of commit hash, or "" if the
// path does not exist in that commit.
func (d *Driver) ShowPath(ctx context.Context, hash, path string) (string, error) {
	if !d.enabled() {
		return "", nil
	}
	out, err := d.run(ctx, "show", hash+":"+path)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "exists on disk, but not in") {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// ResetHard resets the working tree and index to commit and removes
// untracked files/directories, the way checkpoint.Manager.Revert rewinds a
// branch.
func (d *Driver) ResetHard(ctx context.Context, commit string) error {
	if !d.enabled() {
		return nil
	}
	if _, err := d.run(ctx, "reset", "--hard", commit); err != nil {
		return err
	}
	_, err := d.run(ctx, "clean", "-fd")
	return err
}

// DiffPatch returns a unified patch transforming src into dest, suitable
// for checkpoint.Manager.Merge's apply-on-user-branch step.
func (d *Driver) DiffPatch(ctx context.Context, src, dest string) (string, error) {
	if !d.enabled() {
		return "", nil
	}
	return d.run(ctx, "diff", "-p", src, dest)
}

// ApplyPatch applies a unified patch (as produced by DiffPatch) to the
// working tree and the index, so files the patch creates are staged for the
// next commit.
func (d *Driver) ApplyPatch(ctx context.Context, patch string) error {
	if !d.enabled() || strings.TrimSpace(patch) == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "git", "-C", d.RepoDir, "apply", "--index")
	cmd.Stdin = strings.NewReader(patch)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git apply: %w: %s", err, string(out))
	}
	return nil
}

// MergeBranch merges src into the currently checked-out branch.
func (d *Driver) MergeBranch(ctx context.Context, src string) error {
	if !d.enabled() {
		return nil
	}
	_, err := d.run(ctx, "merge", "--no-edit", src)
	return err
}

// DiffFile is one file entry from a structured git diff.
type DiffFile struct {
	Path      string
	OldPath   string
	OldMode   string
	NewMode   string
	OldHash   string
	NewHash   string
	Status    string
	Additions int
	Deletions int
}

// RawDiff returns a structured diff between from and to. If to is empty,
// it diffs from against the working directory.
func (d *Driver) RawDiff(ctx context.Context, from, to string) ([]DiffFile, error) {
	if !d.enabled() {
		return nil, nil
	}
	rawArgs := []string{"diff", "--raw", "--abbrev=40", "-M", "-C", "--find-copies-harder", from}
	numstatArgs := []string{"diff", "--numstat", from}
	if to != "" {
		rawArgs = append(rawArgs, to)
		numstatArgs = append(numstatArgs, to)
	}

	rawOut, err := d.run(ctx, rawArgs...)
	if err != nil {
		return nil, err
	}
	numstatOut, err := d.run(ctx, numstatArgs...)
	if err != nil {
		return nil, err
	}
	return parseRawDiffWithNumstat(rawOut, numstatOut)
}

func parseRawDiffWithNumstat(rawOutput, numstatOutput string) ([]DiffFile, error) {
	files, err := parseRawDiff(rawOutput)
	if err != nil {
		return nil, err
	}

	numstatMap := make(map[string]struct{ additions, deletions int })
	if numstatOutput != "" {
		scanner := bufio.NewScanner(strings.NewReader(strings.TrimSpace(numstatOutput)))
		for scanner.Scan() {
			parts := strings.Split(scanner.Text(), "\t")
			if len(parts) < 3 {
				continue
			}
			var additions, deletions int
			if parts[0] != "-" {
				fmt.Sscanf(parts[0], "%d", &additions)
			}
			if parts[1] != "-" {
				fmt.Sscanf(parts[1], "%d", &deletions)
			}
			filePath := strings.Join(parts[2:], "\t")
			numstatMap[filePath] = struct{ additions, deletions int }{additions, deletions}
		}
	}

	for i := range files {
		if stats, ok := numstatMap[files[i].Path]; ok {
			files[i].Additions = stats.additions
			files[i].Deletions = stats.deletions
		}
	}
	return files, nil
}

func parseRawDiff(diffOutput string) ([]DiffFile, error) {
	var files []DiffFile
	if diffOutput == "" {
		return files, nil
	}

	scanner := bufio.NewScanner(strings.NewReader(strings.TrimSpace(diffOutput)))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, ":") {
			continue
		}
		parts := strings.Fields(line[1:])
		if len(parts) < 5 {
			continue
		}
		oldMode, newMode, oldHash, newHash, status := parts[0], parts[1], parts[2], parts[3], parts[4]

		tabIndex := strings.Index(line, "\t")
		if tabIndex == -1 {
			continue
		}
		pathPart := line[tabIndex+1:]

		if strings.HasPrefix(status, "R") || strings.HasPrefix(status, "C") {
			pathParts := strings.Split(pathPart, "\t")
			if len(pathParts) == 2 {
				files = append(files, DiffFile{
					Path: pathParts[1], OldPath: pathParts[0],
					OldMode: oldMode, NewMode: newMode,
					OldHash: oldHash, NewHash: newHash, Status: status,
				})
				continue
			}
		}
		files = append(files, DiffFile{
			Path: pathPart, OldMode: oldMode, NewMode: newMode,
			OldHash: oldHash, NewHash: newHash, Status: status,
		})
	}
	return files, nil
}

// LogEntry is a single commit in FindNewCommits's result.
type LogEntry struct {
	Hash    string
	Refs    []string
	Subject string
}

// FindNewCommits returns every commit reachable from HEAD but not from
// sinceCommit, newest first, the way the dispatcher surfaces commits the
// agent made via raw shell commands (bypassing the Checkpoint Manager) as
// GitError/Checkpoint events.
func (d *Driver) FindNewCommits(ctx context.Context, sinceCommit string) ([]LogEntry, error) {
	if !d.enabled() {
		return nil, nil
	}
	if sinceCommit == "" {
		return nil, fmt.Errorf("gitdriver: sinceCommit must be provided")
	}
	out, err := d.run(ctx, "log", "-n", "1000", "--pretty=%H%x00%s%x00%d", sinceCommit+"..HEAD")
	if err != nil {
		return nil, err
	}
	return parseGitLog(out)
}

func parseGitLog(logOutput string) ([]LogEntry, error) {
	var entries []LogEntry
	if logOutput == "" {
		return entries, nil
	}
	scanner := bufio.NewScanner(strings.NewReader(strings.TrimSpace(logOutput)))
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), "\x00")
		if len(parts) != 3 {
			continue
		}
		entries = append(entries, LogEntry{
			Hash:    parts[0],
			Subject: parts[1],
			Refs:    parseRefs(parts[2]),
		})
	}
	return entries, nil
}

func parseRefs(decoration string) []string {
	decoration = strings.TrimSpace(decoration)
	decoration = strings.TrimPrefix(decoration, "(")
	decoration = strings.TrimSuffix(decoration, ")")
	if decoration == "" {
		return nil
	}
	var refs []string
	for _, part := range strings.Split(decoration, ", ") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		part = strings.TrimPrefix(part, "HEAD -> ")
		part = strings.TrimPrefix(part, "tag: ")
		refs = append(refs, part)
	}
	return refs
}

// ValidatePath verifies path is tracked by git and resolves within
// RepoDir, guarding against directory traversal.
func (d *Driver) ValidatePath(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", d.RepoDir, "ls-files", "--error-unmatch", path)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("file not tracked by git or outside repository: %s", path)
	}

	fullPath := filepath.Join(d.RepoDir, path)
	absRepoDir, err := filepath.Abs(d.RepoDir)
	if err != nil {
		return "", err
	}
	absFilePath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(absFilePath, absRepoDir+string(filepath.Separator)) {
		return "", fmt.Errorf("file path outside repository: %s", path)
	}
	return fullPath, nil
}

// UntrackedFiles returns every untracked file in the repository.
func (d *Driver) UntrackedFiles(ctx context.Context) ([]string, error) {
	if !d.enabled() {
		return nil, nil
	}
	cmd := exec.CommandContext(ctx, "git", "-C", d.RepoDir, "ls-files", "--others", "--exclude-standard", "-z")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("git ls-files: %w: %s", err, string(out))
	}
	var result []string
	for _, path := range bytes.Split(out, []byte{0}) {
		path = bytes.TrimSpace(path)
		if len(path) == 0 {
			continue
		}
		result = append(result, string(path))
	}
	return result, nil
}
