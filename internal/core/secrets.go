package core

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LoadEnvFile reads KEY=VALUE lines from path, or from env under ConfigDir
// when path is empty. Lines starting with # are ignored and a missing file
// yields an empty map.
func LoadEnvFile(path string) (map[string]string, error) {
	if path == "" {
		path = filepath.Join(ConfigDir(), "env")
	}
	out := map[string]string{}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("open env file: %w", err)
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
			out[k] = v
		}
	}
	if err := s.Err(); err != nil {
		return out, fmt.Errorf("read env file: %w", err)
	}
	return out, nil
}

// MergeEnv layers the process environment over file values.
func MergeEnv(file map[string]string, getenv func(string) string) func(string) string {
	return func(key string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return file[key]
	}
}
