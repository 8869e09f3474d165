package bashkit

import (
	"reflect"
	"testing"
)

func TestExtractCommands(t *testing.T) {
	cases := []struct {
		command string
		want    []string
	}{
		{"ls -la && echo done", []string{"ls"}},
		{"./deploy.sh && curl api.com", []string{"curl"}},
		{"yamllint config.yaml", []string{"yamllint"}},
		{"FOO=bar go test ./...", []string{"go"}},
	}
	for _, c := range cases {
		got, err := ExtractCommands(c.command)
		if err != nil {
			t.Fatalf("ExtractCommands(%q): %v", c.command, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("ExtractCommands(%q) = %v, want %v", c.command, got, c.want)
		}
	}
}
