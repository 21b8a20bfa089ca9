package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotenv(t *testing.T) {
	content := `# Provider keys
ANTHROPIC_API_KEY=sk-test
PILOT_PORT=18430

# Quoted values
SECRET="my-secret-value"
SINGLE='single-quoted # not a comment'

# Spaces around =, export prefix and trailing comments
SPACED_KEY = spaced_value
export EXPORTED=yes
COMMENTED=value # trailing
`

	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	keys := []string{"ANTHROPIC_API_KEY", "PILOT_PORT", "SECRET", "SINGLE", "SPACED_KEY", "EXPORTED", "COMMENTED"}
	for _, k := range keys {
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for _, k := range keys {
			os.Unsetenv(k)
		}
	})

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		key, want string
	}{
		{"ANTHROPIC_API_KEY", "sk-test"},
		{"PILOT_PORT", "18430"},
		{"SECRET", "my-secret-value"},
		{"SINGLE", "single-quoted # not a comment"},
		{"SPACED_KEY", "spaced_value"},
		{"EXPORTED", "yes"},
		{"COMMENTED", "value"},
	}

	for _, tt := range tests {
		got := os.Getenv(tt.key)
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestLoadDotenvNoOverride(t *testing.T) {
	content := `EXISTING_VAR=new-value`
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("EXISTING_VAR", "original")

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}

	if got := os.Getenv("EXISTING_VAR"); got != "original" {
		t.Errorf("expected existing var to be preserved, got %q", got)
	}
}

func TestLoadDotenvMissingFile(t *testing.T) {
	err := LoadDotenv("/nonexistent/.env")
	if err != nil {
		t.Errorf("missing file should be silently ignored, got: %v", err)
	}
}

func TestParseDotenvLine_Invalid(t *testing.T) {
	for _, line := range []string{"", "   ", "# comment", "NOEQUALS", "=value"} {
		if _, _, ok := parseDotenvLine(line); ok {
			t.Errorf("parseDotenvLine(%q) should be rejected", line)
		}
	}
}
