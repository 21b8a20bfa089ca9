package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenKeyring_Create(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", ".age-key")

	k, err := OpenKeyring(path, true)
	if err != nil {
		t.Fatalf("OpenKeyring: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("permissions = %o, want 0600", info.Mode().Perm())
	}

	again, err := OpenKeyring(path, true)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if again.Recipient() != k.Recipient() {
		t.Error("reopening must not regenerate the identity")
	}
}

func TestOpenKeyring_Missing(t *testing.T) {
	if _, err := OpenKeyring(filepath.Join(t.TempDir(), "nope"), false); err == nil {
		t.Fatal("expected error for missing key without create")
	}
}

func TestSealOpen(t *testing.T) {
	k, err := OpenKeyring(filepath.Join(t.TempDir(), ".age-key"), true)
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := k.Seal("sk-test-123")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "sk-test-123") {
		t.Fatalf("unexpected sealed value %q", sealed)
	}

	plain, err := k.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if plain != "sk-test-123" {
		t.Errorf("Open = %q, want sk-test-123", plain)
	}

	if _, err := k.Open("plain"); err == nil {
		t.Error("Open should reject unsealed values")
	}
}

func TestOpen_WrongKey(t *testing.T) {
	dir := t.TempDir()
	a, _ := OpenKeyring(filepath.Join(dir, "a"), true)
	b, _ := OpenKeyring(filepath.Join(dir, "b"), true)

	sealed, err := a.Seal("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(sealed); err == nil {
		t.Fatal("expected error opening with a different identity")
	}
}

func TestReveal(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".age-key")
	k, _ := OpenKeyring(path, true)
	sealed, _ := k.Seal("value")

	if got, err := Reveal("plain", path); err != nil || got != "plain" {
		t.Errorf("Reveal(plain) = %q, %v", got, err)
	}
	if got, err := Reveal(sealed, path); err != nil || got != "value" {
		t.Errorf("Reveal(sealed) = %q, %v", got, err)
	}
	if _, err := Reveal(sealed, filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error without a key")
	}
}
