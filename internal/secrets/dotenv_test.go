package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dohr-michael/pilot/internal/config"
)

func TestSetDotenv_NewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")

	if err := SetDotenv(path, "API_KEY", "secret123"); err != nil {
		t.Fatalf("SetDotenv: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "API_KEY=secret123\n" {
		t.Errorf("content = %q", data)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("permissions = %o, want 0600", info.Mode().Perm())
	}
}

func TestSetDotenv_ReplacePreservesRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	initial := "# comment\nexport FOO=bar\nBAZ=qux\n"
	if err := os.WriteFile(path, []byte(initial), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := SetDotenv(path, "FOO", "updated"); err != nil {
		t.Fatalf("SetDotenv: %v", err)
	}
	if err := SetDotenv(path, "NEW", "v"); err != nil {
		t.Fatalf("SetDotenv: %v", err)
	}

	data, _ := os.ReadFile(path)
	want := "# comment\nFOO=updated\nBAZ=qux\nNEW=v\n"
	if string(data) != want {
		t.Errorf("content = %q, want %q", data, want)
	}
}

func TestSetDotenv_RoundTripThroughLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	values := map[string]string{
		"PILOT_T_SPACES": "value with spaces",
		"PILOT_T_HASH":   "abc #def",
		"PILOT_T_SQUOTE": "it's",
		"PILOT_T_SEALED": "ENC[age:YWJjZA==]",
	}
	for k, v := range values {
		if err := SetDotenv(path, k, v); err != nil {
			t.Fatalf("SetDotenv(%s): %v", k, err)
		}
		os.Unsetenv(k)
		t.Cleanup(func() { os.Unsetenv(k) })
	}

	if err := config.LoadDotenv(path); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}
	for k, want := range values {
		if got := os.Getenv(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestSetDotenv_Rejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	cases := map[string]string{
		"BAD KEY": "v",
		"":        "v",
		"BOTH":    `a'b"c`,
		"LINES":   "a\nb",
	}
	for k, v := range cases {
		if err := SetDotenv(path, k, v); err == nil {
			t.Errorf("SetDotenv(%q, %q) should fail", k, v)
		}
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("rejected entries must not create the file")
	}
}
