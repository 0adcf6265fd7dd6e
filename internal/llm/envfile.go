package llm

import (
	"bufio"
	"os"
	"strings"
)

// persistEnvFields rewrites matching KEY=VALUE lines in the .env file at
// path in place, preserving comments and ordering, and appends any keys
// not already present. Mirrors the Deployment Manager's update_env
// behavior so switch_provider survives a process restart.
func persistEnvFields(path string, fields map[string]string) error {
	lines, err := readEnvLines(path)
	if err != nil {
		if os.IsNotExist(err) {
			lines = nil
		} else {
			return err
		}
	}

	remaining := make(map[string]string, len(fields))
	for k, v := range fields {
		remaining[k] = v
	}

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, _, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		if v, found := remaining[key]; found {
			lines[i] = key + "=" + v
			delete(remaining, key)
		}
	}
	for k, v := range fields {
		if _, stillPending := remaining[k]; stillPending {
			lines = append(lines, k+"="+v)
		}
	}

	return writeEnvLines(path, lines)
}

func readEnvLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func writeEnvLines(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}
