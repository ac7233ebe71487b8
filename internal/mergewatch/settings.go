package mergewatch

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the per-repo override file at .switchyard/settings.yaml.
// Every field is optional; zero values defer to the daemon defaults.
type Settings struct {
	PollIntervalSeconds int    `yaml:"poll-interval-seconds"`
	WorktreePrefix      string `yaml:"worktree-prefix"`
	AutoCleanup         bool   `yaml:"auto-cleanup"`
	// PrecomputeSuggestions gates the proactive conflict analysis after a
	// merge lands. Unset means enabled.
	PrecomputeSuggestions *bool `yaml:"precompute-suggestions"`
}

// LoadSettings reads .switchyard/settings.yaml under repoPath. Missing or
// unparsable files yield an empty Settings (not nil), so callers never
// branch on load failure.
func LoadSettings(repoPath string) *Settings {
	path := filepath.Join(repoPath, ".switchyard", "settings.yaml")
	data, err := os.ReadFile(path) // #nosec G304 - settings path derived from repo root
	if err != nil {
		return &Settings{}
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return &Settings{}
	}
	return &s
}

// PollInterval returns the repo's poll interval, or def when unset.
func (s *Settings) PollInterval(def time.Duration) time.Duration {
	if s.PollIntervalSeconds <= 0 {
		return def
	}
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// Precompute reports whether suggestions should be precomputed for sibling
// sessions after a merge.
func (s *Settings) Precompute() bool {
	return s.PrecomputeSuggestions == nil || *s.PrecomputeSuggestions
}
