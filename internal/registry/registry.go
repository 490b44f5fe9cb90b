// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry loads flow definitions from a directory and keeps
// them current. Files matching the include patterns are parsed and
// validated; a file watcher re-scans on change, keeping the last good
// definition when a file stops parsing.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/archflow/archflow/pkg/engine"
	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/flow"
	"github.com/archflow/archflow/pkg/retry"
)

// Compile-time interface assertion: the engine resolves chain steps
// and resumes through the registry.
var _ engine.FlowSource = (*Registry)(nil)

// defaultInclude matches flow definition files at any depth.
var defaultInclude = []string{"**/*.yaml", "**/*.yml"}

const defaultDebounce = 200 * time.Millisecond

// Config configures a Registry.
type Config struct {
	// Dir is the flows directory. A missing directory yields an empty
	// registry rather than an error.
	Dir string

	// Include selects files, relative to Dir, with doublestar patterns.
	// Empty means **/*.yaml and **/*.yml.
	Include []string

	// Exclude removes files the include patterns matched.
	Exclude []string

	// Watch re-scans the directory when files change.
	Watch bool

	// Debounce is how long to wait after the last file event before
	// re-scanning. Zero selects 200ms.
	Debounce time.Duration

	// RetryDefaults fills the unset fields of declared step retry
	// blocks. Steps without a retry block are untouched.
	RetryDefaults retry.Policy

	// OnChange is called after a re-scan that changed the flow set,
	// with one entry per added, updated, or removed flow id.
	OnChange func([]Change)

	// Logger is used for structured logging. Defaults to slog.Default.
	Logger *slog.Logger
}

// Change describes one flow id affected by a re-scan.
type Change struct {
	// ID is the flow id.
	ID string

	// Removed is true when the flow no longer exists; false means added
	// or updated.
	Removed bool
}

// Info is the registry's record of one loaded flow.
type Info struct {
	// Flow is the parsed, validated definition.
	Flow *flow.Flow

	// Path is the file the flow came from.
	Path string

	// Hash is the hex sha256 of the file contents, used for change
	// notifications.
	Hash string

	// LoadedAt is when this version was loaded.
	LoadedAt time.Time
}

// Registry is the live set of flow definitions.
type Registry struct {
	dir      string
	include  []string
	exclude  []string
	debounce time.Duration
	defaults retry.Policy
	onChange func([]Change)
	logger   *slog.Logger

	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	flows map[string]Info

	// reloadMu serializes re-scans; timerMu guards the debounce timer.
	reloadMu   sync.Mutex
	loadedOnce bool
	timerMu    sync.Mutex
	timer      *time.Timer

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New loads the directory and, when cfg.Watch is set, starts watching
// it. Pattern compilation errors fail construction; per-file parse
// errors are logged and skipped.
func New(cfg Config) (*Registry, error) {
	if cfg.Dir == "" {
		return nil, &errors.ConfigError{Key: "flows.dir", Reason: "directory is required"}
	}

	include := cfg.Include
	if len(include) == 0 {
		include = defaultInclude
	}
	for _, pattern := range append(append([]string{}, include...), cfg.Exclude...) {
		if _, err := doublestar.Match(pattern, "probe"); err != nil {
			return nil, &errors.ConfigError{
				Key:    "flows.include",
				Reason: fmt.Sprintf("invalid pattern %q", pattern),
				Cause:  err,
			}
		}
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		dir:      cfg.Dir,
		include:  include,
		exclude:  cfg.Exclude,
		debounce: debounce,
		defaults: cfg.RetryDefaults,
		onChange: cfg.OnChange,
		logger:   logger,
		flows:    make(map[string]Info),
		closed:   make(chan struct{}),
	}

	r.rescan()

	if cfg.Watch {
		if _, err := os.Stat(cfg.Dir); err != nil {
			r.logger.Warn("flows directory missing, watch disabled",
				slog.String("dir", cfg.Dir))
			return r, nil
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		r.watcher = watcher
		if err := r.watchRecursive(cfg.Dir); err != nil {
			watcher.Close()
			return nil, err
		}
		r.wg.Add(1)
		go r.processEvents()
	}

	return r, nil
}

// Get returns the flow for an id. Implements engine.FlowSource.
func (r *Registry) Get(id string) (*flow.Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.flows[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "flow", ID: id}
	}
	return info.Flow, nil
}

// List returns all loaded flows sorted by id.
func (r *Registry) List() []*flow.Flow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*flow.Flow, 0, len(r.flows))
	for _, info := range r.flows {
		result = append(result, info.Flow)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Snapshot returns a copy of the registry's current state keyed by
// flow id.
func (r *Registry) Snapshot() map[string]Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]Info, len(r.flows))
	for id, info := range r.flows {
		snapshot[id] = info
	}
	return snapshot
}

// Reload re-scans the directory immediately.
func (r *Registry) Reload() {
	r.rescan()
}

// Close stops the watcher and waits for in-flight work.
func (r *Registry) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		r.timerMu.Lock()
		if r.timer != nil {
			r.timer.Stop()
		}
		r.timerMu.Unlock()
		if r.watcher != nil {
			err = r.watcher.Close()
		}
		r.wg.Wait()
	})
	return err
}

// rescan walks the directory, parses every matching file, and swaps
// the flow set. A file that fails to parse keeps its previous flows.
func (r *Registry) rescan() {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	paths := r.matchingFiles()

	r.mu.RLock()
	previous := make(map[string]Info, len(r.flows))
	for id, info := range r.flows {
		previous[id] = info
	}
	r.mu.RUnlock()

	next := make(map[string]Info, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("failed to read flow file",
				slog.String("path", path), slog.Any("error", err))
			carryOver(next, previous, path)
			continue
		}
		hash := contentHash(raw)

		// Unchanged files keep their parsed definition.
		if info, ok := infoForPath(previous, path); ok && info.Hash == hash {
			if _, taken := next[info.Flow.ID]; !taken {
				next[info.Flow.ID] = info
			}
			continue
		}

		f, err := parseFlow(raw, r.defaults)
		if err != nil {
			r.logger.Warn("flow file failed to parse, keeping last good version",
				slog.String("path", path), slog.Any("error", err))
			carryOver(next, previous, path)
			continue
		}

		if existing, taken := next[f.ID]; taken {
			r.logger.Warn("duplicate flow id, keeping first file",
				slog.String("flow_id", f.ID),
				slog.String("kept", existing.Path),
				slog.String("ignored", path))
			continue
		}
		next[f.ID] = Info{Flow: f, Path: path, Hash: hash, LoadedAt: time.Now()}
	}

	changes := diff(previous, next)

	r.mu.Lock()
	r.flows = next
	r.mu.Unlock()

	// The initial scan establishes the baseline; OnChange reports
	// deltas against it.
	first := !r.loadedOnce
	r.loadedOnce = true

	if len(changes) > 0 && !first {
		r.logger.Info("flow registry updated",
			slog.Int("flows", len(next)), slog.Int("changes", len(changes)))
		if r.onChange != nil {
			r.onChange(changes)
		}
	}
}

// matchingFiles returns the sorted matching paths under the directory.
func (r *Registry) matchingFiles() []string {
	var paths []string
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(r.dir, path)
		if err != nil {
			return nil
		}
		if r.match(filepath.ToSlash(rel)) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("failed to scan flows directory",
			slog.String("dir", r.dir), slog.Any("error", err))
	}
	sort.Strings(paths)
	return paths
}

// match applies include then exclude patterns to a slash-separated
// relative path.
func (r *Registry) match(rel string) bool {
	included := false
	for _, pattern := range r.include {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, pattern := range r.exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return false
		}
	}
	return true
}

// parseFlow decodes and validates one definition, filling the unset
// fields of declared retry blocks from the defaults first. The fill-in
// runs before validation so a block that only sets, say, a delay is
// legal once the defaults supply max_attempts. Steps with no retry
// block stay single-attempt.
func parseFlow(raw []byte, defaults retry.Policy) (*flow.Flow, error) {
	var f flow.Flow
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse flow definition: %w", err)
	}
	f.ApplyDefaults()
	applyRetryDefaults(&f, defaults)
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow %q: %w", f.ID, err)
	}
	return &f, nil
}

// ParseFile loads one flow definition from an arbitrary path, outside
// the registry's directory. The CLI uses it for ad-hoc runs.
func ParseFile(path string, defaults retry.Policy) (*flow.Flow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}
	return parseFlow(raw, defaults)
}

func applyRetryDefaults(f *flow.Flow, defaults retry.Policy) {
	if defaults.MaxAttempts == 0 {
		return
	}
	for i := range f.Steps {
		rc := f.Steps[i].Retry
		if rc == nil {
			continue
		}
		if rc.MaxAttempts == 0 {
			rc.MaxAttempts = defaults.MaxAttempts
		}
		if rc.InitialDelayMs == 0 {
			rc.InitialDelayMs = defaults.InitialDelay.Milliseconds()
		}
		if rc.BackoffMultiplier == 0 {
			rc.BackoffMultiplier = defaults.BackoffMultiplier
		}
	}
}

// watchRecursive adds the directory and every subdirectory to the
// watcher; fsnotify does not recurse on its own.
func (r *Registry) watchRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := r.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (r *Registry) processEvents() {
	defer r.wg.Done()

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(event)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("flow watcher error", slog.Any("error", err))
		case <-r.closed:
			return
		}
	}
}

func (r *Registry) handleEvent(event fsnotify.Event) {
	// New directories join the watch set so files created inside them
	// are seen.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := r.watcher.Add(event.Name); err != nil {
				r.logger.Warn("failed to watch new directory",
					slog.String("path", event.Name), slog.Any("error", err))
			}
			r.scheduleRescan()
			return
		}
	}

	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	rel, err := filepath.Rel(r.dir, event.Name)
	if err != nil || !r.match(filepath.ToSlash(rel)) {
		return
	}
	r.scheduleRescan()
}

// scheduleRescan debounces bursts of file events into one re-scan.
func (r *Registry) scheduleRescan() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()

	select {
	case <-r.closed:
		return
	default:
	}

	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, func() {
		select {
		case <-r.closed:
			return
		default:
		}
		r.rescan()
	})
}

// carryOver keeps the previous flows loaded from a path that can no
// longer be read or parsed.
func carryOver(next, previous map[string]Info, path string) {
	for id, info := range previous {
		if info.Path != path {
			continue
		}
		if _, taken := next[id]; !taken {
			next[id] = info
		}
	}
}

func infoForPath(flows map[string]Info, path string) (Info, bool) {
	for _, info := range flows {
		if info.Path == path {
			return info, true
		}
	}
	return Info{}, false
}

// diff lists flow ids added, updated, or removed between two states.
func diff(previous, next map[string]Info) []Change {
	var changes []Change
	for id, info := range next {
		prev, ok := previous[id]
		if !ok || prev.Hash != info.Hash {
			changes = append(changes, Change{ID: id})
		}
	}
	for id := range previous {
		if _, ok := next[id]; !ok {
			changes = append(changes, Change{ID: id, Removed: true})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].ID < changes[j].ID })
	return changes
}

func contentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
