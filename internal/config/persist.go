// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"strings"
)

// UpdateLogSettings rewrites the log-related keys in the config file in
// place, preserving comments and layout, then lets the watcher pick the
// change up.
func (c *AppConfig) UpdateLogSettings(level, path string, maxSize, maxBackups int) error {
	raw, err := os.ReadFile(c.configPath)
	if err != nil {
		return fmt.Errorf("read config for update: %w", err)
	}

	updated := updateLogSettingsInTOML(string(raw), level, path, maxSize, maxBackups)

	if err := os.WriteFile(c.configPath, []byte(updated), 0o600); err != nil {
		return fmt.Errorf("write updated config: %w", err)
	}
	return nil
}

// updateLogSettingsInTOML replaces logLevel, logPath, logMaxSize and
// logMaxBackups in the TOML text, uncommenting a commented key in place
// rather than appending a new section. Keys inside later [sections] are left
// alone; a key absent from the top-level section is appended before the first
// section header.
func updateLogSettingsInTOML(content, level, path string, maxSize, maxBackups int) string {
	replacements := []struct {
		key   string
		value string
	}{
		{"logLevel", fmt.Sprintf("logLevel = %q", level)},
		{"logPath", fmt.Sprintf("logPath = %q", path)},
		{"logMaxSize", fmt.Sprintf("logMaxSize = %d", maxSize)},
		{"logMaxBackups", fmt.Sprintf("logMaxBackups = %d", maxBackups)},
	}

	lines := strings.Split(content, "\n")

	sectionStart := len(lines)
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "[") {
			sectionStart = i
			break
		}
	}

	for _, rep := range replacements {
		if rep.key == "logPath" && path == "" {
			continue
		}

		replaced := false
		for i := 0; i < sectionStart; i++ {
			if lineSetsKey(lines[i], rep.key) {
				lines[i] = rep.value
				replaced = true
				break
			}
		}
		if !replaced {
			insert := make([]string, 0, len(lines)+1)
			insert = append(insert, lines[:sectionStart]...)
			insert = append(insert, rep.value)
			insert = append(insert, lines[sectionStart:]...)
			lines = insert
			sectionStart++
		}
	}

	return strings.Join(lines, "\n")
}

// lineSetsKey matches both a live `key = ...` line and its commented form
// `#key = ...`, so generated configs keep their layout on first update.
func lineSetsKey(line, key string) bool {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimPrefix(trimmed, "#")
	trimmed = strings.TrimSpace(trimmed)

	if !strings.HasPrefix(trimmed, key) {
		return false
	}
	rest := strings.TrimSpace(trimmed[len(key):])
	return strings.HasPrefix(rest, "=")
}
