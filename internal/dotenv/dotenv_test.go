package dotenv

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	input := "# comment\n" +
		"ELEVENLABS_API_KEY=your_elevenlabs_api_key_here\n" +
		"QUOTED=\"hello world\"\n" +
		"SINGLE='x # y'\n" +
		"export EXPORTED=ok\n" +
		"TRAILING=value # note\n" +
		"not a pair\n" +
		"=novalue\n"
	pairs, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []Pair{
		{"ELEVENLABS_API_KEY", "your_elevenlabs_api_key_here"},
		{"QUOTED", "hello world"},
		{"SINGLE", "x # y"},
		{"EXPORTED", "ok"},
		{"TRAILING", "value"},
	}
	if len(pairs) != len(want) {
		t.Fatalf("got %d pairs, want %d: %+v", len(pairs), len(want), pairs)
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Fatalf("pair %d = %+v, want %+v", i, pairs[i], want[i])
		}
	}
}

func TestLoadPreservesExistingAndOrder(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, ".env.local")
	base := filepath.Join(dir, ".env")
	if err := os.WriteFile(local, []byte("BRIDGE_DOTENV_A=local\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(base, []byte("BRIDGE_DOTENV_A=base\nBRIDGE_DOTENV_B=base\nBRIDGE_DOTENV_C=file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("BRIDGE_DOTENV_C", "already")
	// Register cleanup for variables Load will create.
	t.Setenv("BRIDGE_DOTENV_A", "")
	os.Unsetenv("BRIDGE_DOTENV_A")
	t.Setenv("BRIDGE_DOTENV_B", "")
	os.Unsetenv("BRIDGE_DOTENV_B")

	loaded, err := Load(local, base, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected two files read, got %v", loaded)
	}
	if got := os.Getenv("BRIDGE_DOTENV_A"); got != "local" {
		t.Fatalf("A=%q, want first file to win", got)
	}
	if got := os.Getenv("BRIDGE_DOTENV_B"); got != "base" {
		t.Fatalf("B=%q", got)
	}
	if got := os.Getenv("BRIDGE_DOTENV_C"); got != "already" {
		t.Fatalf("C=%q, want existing value preserved", got)
	}
}
