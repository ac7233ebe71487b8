// Package configfile manages the user-level JSON configuration file
// with dot-path access, debounced write-back, and cross-process write
// locking.
package configfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/steveyegge/switchyard/internal/logging"
	"github.com/steveyegge/switchyard/internal/types"
)

const (
	// FileName is the config file name under the switchyard home dir.
	FileName = "config.json"

	// DefaultDebounce coalesces bursts of Set calls into one write.
	DefaultDebounce = 250 * time.Millisecond

	// lockTimeout bounds how long a writer waits for another process.
	lockTimeout = 5 * time.Second

	// lockRetryInterval is how often lock acquisition is retried.
	lockRetryInterval = 50 * time.Millisecond
)

// DefaultPath returns ~/.switchyard/config.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".switchyard", FileName), nil
}

// Options tunes a File. Zero values select defaults.
type Options struct {
	Debounce time.Duration
	Logger   *logging.Logger
}

// File is one JSON config file held in memory with debounced
// write-back. Values are kept JSON-normalized: numbers are float64,
// objects are map[string]interface{}.
type File struct {
	path string
	log  *logging.Logger
	lock *flock.Flock

	mu     sync.RWMutex
	values map[string]interface{}
	dirty  bool
	gen    uint64 // bumped per Set; guards the dirty flag across async saves

	debounce *Debouncer
}

// Open loads the config at path. A missing file or one holding invalid
// JSON yields the defaults without error; the file itself is rewritten
// only once something is Set.
func Open(path string, opts Options) (*File, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	f := &File{
		path:   path,
		log:    log,
		lock:   flock.New(path + ".lock"),
		values: defaultValues(),
	}
	f.debounce = NewDebouncer(debounce, func() {
		if err := f.save(); err != nil {
			f.log.Warnf("config write-back failed: %v", err)
		}
	})

	data, err := f.read()
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("config %s unreadable, using defaults: %v", path, err)
		}
		return f, nil
	}
	var values map[string]interface{}
	if err := json.Unmarshal(data, &values); err != nil {
		log.Warnf("config %s holds invalid JSON, using defaults: %v", path, err)
		return f, nil
	}
	f.values = values
	return f, nil
}

// defaultValues is the shape a fresh install starts from.
func defaultValues() map[string]interface{} {
	return map[string]interface{}{
		"budget": map[string]interface{}{
			"monthlyLimit":      0.0,
			"perSessionDefault": 0.0,
			"warningThresholds": []interface{}{0.5, 0.8},
			"e2bHourlyRate":     0.10,
		},
	}
}

// Path returns the file's location on disk.
func (f *File) Path() string {
	return f.path
}

// Get resolves a dot path ("budget.monthlyLimit") against the config.
func (f *File) Get(path string) (interface{}, bool) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	var cur interface{} = f.values
	for _, seg := range segs {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetString returns a string value at path.
func (f *File) GetString(path string) (string, bool) {
	v, ok := f.Get(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetFloat returns a numeric value at path.
func (f *File) GetFloat(path string) (float64, bool) {
	v, ok := f.Get(path)
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}

// GetBool returns a boolean value at path.
func (f *File) GetBool(path string) (bool, bool) {
	v, ok := f.Get(path)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Set writes value at a dot path, creating intermediate objects as
// needed, and schedules a debounced write-back. Values are normalized
// through JSON so reads return the same types before and after a
// reload. Sets under "budget" are validated before they take effect.
func (f *File) Set(path string, value interface{}) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	normalized, err := normalize(value)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	next, err := cloneValues(f.values)
	if err != nil {
		return err
	}
	if err := setIn(next, segs, normalized); err != nil {
		return err
	}
	if segs[0] == "budget" {
		if _, err := decodeBudget(next); err != nil {
			return err
		}
	}

	f.values = next
	f.dirty = true
	f.gen++
	f.debounce.Trigger()
	return nil
}

// Snapshot returns a deep copy of the whole config tree.
func (f *File) Snapshot() map[string]interface{} {
	f.mu.RLock()
	defer f.mu.RUnlock()
	copied, err := cloneValues(f.values)
	if err != nil {
		return map[string]interface{}{}
	}
	return copied
}

// SeedDefaults writes the current tree to disk when no file exists yet,
// so a fresh install has an editable config. An existing file is left
// alone.
func (f *File) SeedDefaults() error {
	if _, err := os.Stat(f.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat config: %w", err)
	}
	return f.save()
}

// FlushSync cancels any pending debounced write, waits out an in-flight
// one, and writes the current state now. A clean file is left alone.
func (f *File) FlushSync() error {
	f.debounce.CancelAndWait()
	f.mu.RLock()
	dirty := f.dirty
	f.mu.RUnlock()
	if !dirty {
		return nil
	}
	return f.save()
}

// Close flushes and releases the file.
func (f *File) Close() error {
	return f.FlushSync()
}

// save serializes the current tree and writes it under the exclusive
// cross-process lock.
func (f *File) save() error {
	f.mu.RLock()
	gen := f.gen
	data, err := json.MarshalIndent(f.values, "", "  ")
	f.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	err = f.withLock(func() error {
		return os.WriteFile(f.path, data, 0o600)
	})
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	f.mu.Lock()
	// A Set that landed while we were writing keeps the file dirty.
	if f.gen == gen {
		f.dirty = false
	}
	f.mu.Unlock()
	return nil
}

// read fetches the raw file bytes under the shared lock. A missing
// file surfaces as os.IsNotExist.
func (f *File) read() ([]byte, error) {
	if _, err := os.Stat(f.path); err != nil {
		return nil, err
	}
	var data []byte
	err := f.acquire(f.lock.TryRLock, func() error {
		var rerr error
		data, rerr = os.ReadFile(f.path) // #nosec G304 - config path is caller-controlled
		return rerr
	})
	return data, err
}

func (f *File) withLock(fn func() error) error {
	return f.acquire(f.lock.TryLock, fn)
}

// acquire polls for the flock, runs fn, and releases. Polling keeps
// the wait bounded without a blocking lock syscall.
func (f *File) acquire(try func() (bool, error), fn func() error) error {
	deadline := time.Now().Add(lockTimeout)
	for {
		locked, err := try()
		if err != nil {
			return fmt.Errorf("acquire config lock: %w", err)
		}
		if locked {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("config lock held by another process: %w", types.ErrTimeout)
		}
		time.Sleep(lockRetryInterval)
	}
	defer func() {
		if err := f.lock.Unlock(); err != nil {
			f.log.Warnf("release config lock: %v", err)
		}
	}()
	return fn()
}

// splitPath validates and splits a dot path.
func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("empty config path: %w", types.ErrValidation)
	}
	segs := strings.Split(path, ".")
	for _, seg := range segs {
		if seg == "" {
			return nil, fmt.Errorf("config path %q has an empty segment: %w", path, types.ErrValidation)
		}
	}
	return segs, nil
}

// normalize round-trips a value through JSON so stored types match
// what a reload would produce (ints become float64, structs become
// maps).
func normalize(value interface{}) (interface{}, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("config value is not JSON-encodable: %w", types.ErrValidation)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("config value round-trip: %w", err)
	}
	return out, nil
}

// cloneValues deep-copies the tree so a failed Set never leaves a
// half-applied state behind.
func cloneValues(values map[string]interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return out, nil
}

// setIn walks the tree creating intermediate objects and sets the leaf.
func setIn(root map[string]interface{}, segs []string, value interface{}) error {
	cur := root
	for i, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok {
			child := make(map[string]interface{})
			cur[seg] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("config path %q: %q is not an object: %w",
				strings.Join(segs, "."), strings.Join(segs[:i+1], "."), types.ErrValidation)
		}
		cur = child
	}
	cur[segs[len(segs)-1]] = value
	return nil
}
