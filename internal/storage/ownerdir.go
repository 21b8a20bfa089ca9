// Package storage persists the audit trail of bus events and per-owner model
// usage as plain files, one directory per owner.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// systemOwner holds events that belong to no owner.
const systemOwner = "_system"

// ownerDirs lays files out as <base>/<owner>/<name>.
type ownerDirs struct {
	mu   sync.Mutex
	base string
}

func newOwnerDirs(base string) *ownerDirs {
	return &ownerDirs{base: base}
}

// dirName maps an owner id to a safe directory name.
func dirName(owner string) string {
	if owner == "" {
		return systemOwner
	}
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '@':
			return r
		default:
			return '_'
		}
	}, owner)
	if strings.Trim(name, ".") == "" {
		name = "_" + name
	}
	return name
}

func (d *ownerDirs) path(owner, name string) string {
	return filepath.Join(d.base, dirName(owner), name)
}

func (d *ownerDirs) ensure(owner string) error {
	if err := os.MkdirAll(filepath.Join(d.base, dirName(owner)), 0o755); err != nil {
		return fmt.Errorf("create owner dir: %w", err)
	}
	return nil
}

func (d *ownerDirs) appendJSONL(owner, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensure(owner); err != nil {
		return err
	}
	f, err := os.OpenFile(d.path(owner, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// loadJSONL decodes every line of an owner file. Corrupted lines are skipped.
func loadJSONL[T any](d *ownerDirs, owner, name string) ([]T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.Open(d.path(owner, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	var items []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", name, err)
	}
	return items, nil
}

// writeJSON atomically replaces an owner file using a temp file and rename.
func (d *ownerDirs) writeJSON(owner, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensure(owner); err != nil {
		return err
	}
	path := d.path(owner, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s tmp: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// readJSON decodes an owner file into out. A missing file leaves out untouched.
func (d *ownerDirs) readJSON(owner, name string, out any) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.path(owner, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return true, nil
}
