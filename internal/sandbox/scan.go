package sandbox

import (
	_ "embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

//go:embed scanrules.toml
var defaultScanRules []byte

// Files past this size are skipped; credentials live in small text files,
// not gigabyte dumps.
const maxScanFileBytes = 10 * 1024 * 1024

// ScanRules configures the credential scanner: what counts as a text
// file, which directories to skip, and the patterns that flag a file.
type ScanRules struct {
	TextExtensions []string   `toml:"text_extensions"`
	TextFilenames  []string   `toml:"text_filenames"`
	SkipDirs       []string   `toml:"skip_dirs"`
	Rules          []ScanRule `toml:"rule"`
}

// ScanRule is one named credential pattern.
type ScanRule struct {
	Name    string `toml:"name"`
	Pattern string `toml:"pattern"`
}

// LoadScanRules returns the embedded rule set, or the repo's own
// .switchyard/scanrules.toml when one exists.
func LoadScanRules(repoPath string) (*ScanRules, error) {
	if repoPath != "" {
		override := filepath.Join(repoPath, ".switchyard", "scanrules.toml")
		if data, err := os.ReadFile(override); err == nil { // #nosec G304 - fixed name under the repo root
			rules, err := parseScanRules(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", override, err)
			}
			return rules, nil
		}
	}
	return parseScanRules(defaultScanRules)
}

func parseScanRules(data []byte) (*ScanRules, error) {
	var rules ScanRules
	if err := toml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse scan rules: %w", err)
	}
	return &rules, nil
}

// Compile turns every rule pattern into a regexp, for scanning and for
// seeding the logger's redaction set.
func (r *ScanRules) Compile() ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(r.Rules))
	for _, rule := range r.Rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("scan rule %s: %w", rule.Name, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (r *ScanRules) textFile(name string) bool {
	for _, n := range r.TextFilenames {
		if name == n {
			return true
		}
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	for _, e := range r.TextExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ScanFinding flags one file and the first rule that matched in it.
type ScanFinding struct {
	Path string `json:"path"` // relative to the scan root
	Rule string `json:"rule"`
}

// ScanReport is the outcome of one credential scan.
type ScanReport struct {
	Root     string        `json:"root"`
	Scanned  int           `json:"scanned"`
	Findings []ScanFinding `json:"findings,omitempty"`
}

// Flagged reports whether any file matched a credential pattern.
func (r *ScanReport) Flagged() bool { return len(r.Findings) > 0 }

// CredentialScan walks text files under root looking for secret material.
// The first matching rule flags a file and ends its scan. Compiled
// patterns are handed to the logger so matched content never reaches the
// logs, whatever the caller does next.
func (c *Controller) CredentialScan(root string) (*ScanReport, error) {
	rules, err := LoadScanRules(root)
	if err != nil {
		return nil, err
	}
	compiled, err := rules.Compile()
	if err != nil {
		return nil, err
	}
	c.log.SetRedaction(compiled)

	skip := make(map[string]bool, len(rules.SkipDirs))
	for _, d := range rules.SkipDirs {
		skip[d] = true
	}

	report := &ScanReport{Root: root}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !rules.textFile(d.Name()) {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxScanFileBytes {
			return nil
		}
		data, err := os.ReadFile(path) // #nosec G304 - walking the caller's own tree
		if err != nil {
			c.log.Debugf("scan %s: %v", path, err)
			return nil
		}
		report.Scanned++
		for i, re := range compiled {
			if re.Match(data) {
				rel, relErr := filepath.Rel(root, path)
				if relErr != nil {
					rel = path
				}
				report.Findings = append(report.Findings, ScanFinding{Path: rel, Rule: rules.Rules[i].Name})
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	for _, f := range report.Findings {
		c.log.Warnf("possible credential in %s (rule %s); exclude it before uploading", f.Path, f.Rule)
	}
	return report, nil
}
