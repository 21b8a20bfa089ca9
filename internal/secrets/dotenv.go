package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// SetDotenv writes KEY=value into the .env file at path, replacing an
// existing assignment in place and appending otherwise. Comments and
// ordering are preserved. The file is written with mode 0600.
func SetDotenv(path, key, value string) error {
	if key == "" || strings.ContainsAny(key, "= \t\n#") {
		return fmt.Errorf("invalid variable name %q", key)
	}
	quoted, err := quoteDotenv(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	entry := key + "=" + quoted

	lines, err := readLines(path)
	if err != nil {
		return fmt.Errorf("read dotenv: %w", err)
	}

	replaced := false
	for i, line := range lines {
		name, _, ok := strings.Cut(strings.TrimPrefix(strings.TrimSpace(line), "export "), "=")
		if !ok || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		if strings.TrimSpace(name) == key {
			lines[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, entry)
	}

	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

// quoteDotenv quotes values the loader would otherwise trim or cut at " #".
// The loader has no escape sequences, so a value holding both quote kinds
// cannot be written.
func quoteDotenv(v string) (string, error) {
	if strings.ContainsAny(v, "\n\r") {
		return "", errors.New("value spans several lines")
	}
	if !strings.ContainsAny(v, " \t#'\"") {
		return v, nil
	}
	switch {
	case !strings.Contains(v, "'"):
		return "'" + v + "'", nil
	case !strings.Contains(v, `"`):
		return `"` + v + `"`, nil
	default:
		return "", errors.New("value contains both quote characters")
	}
}
