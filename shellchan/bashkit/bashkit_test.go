package bashkit

import "testing"

func TestCheckBlindGitAdd(t *testing.T) {
	cases := []struct {
		script  string
		wantErr bool
	}{
		{"git add -A", true},
		{"git add .", true},
		{"git add --all", true},
		{"git add foo.go bar.go", false},
		{"ls -la", false},
	}
	for _, c := range cases {
		err := Check(c.script)
		if (err != nil) != c.wantErr {
			t.Errorf("Check(%q) error = %v, wantErr %v", c.script, err, c.wantErr)
		}
	}
}

func TestCheckGitConfigUsernameEmail(t *testing.T) {
	if err := Check(`git config user.name "someone"`); err == nil {
		t.Error("expected error for git config user.name change")
	}
	if err := Check(`git config core.editor vim`); err != nil {
		t.Errorf("unexpected error for unrelated git config: %v", err)
	}
}

func TestCheckAgentBranchRenameWarnsOnce(t *testing.T) {
	ResetBranchWarning()
	defer ResetBranchWarning()

	if err := Check("git branch -M devon_agent renamed"); err == nil {
		t.Error("expected error on first rename attempt")
	}
	if err := Check("git branch -M devon_agent renamed"); err != nil {
		t.Errorf("expected no error on second attempt (warn-once), got %v", err)
	}
}

func TestWillRunGitCommit(t *testing.T) {
	yes, err := WillRunGitCommit("git add foo.go && git commit -m wip")
	if err != nil {
		t.Fatalf("WillRunGitCommit: %v", err)
	}
	if !yes {
		t.Error("expected WillRunGitCommit to detect git commit")
	}

	no, err := WillRunGitCommit("git status")
	if err != nil {
		t.Fatalf("WillRunGitCommit: %v", err)
	}
	if no {
		t.Error("expected WillRunGitCommit to be false for git status")
	}
}
