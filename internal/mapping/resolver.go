package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Target is the downstream identity of one analyte: the code and title the
// lab ERP knows it by.
type Target struct {
	ClientCode  string `json:"client_code"`
	ClientTitle string `json:"client_title"`
}

// fileTable mirrors the on-disk JSON shape.
type fileTable struct {
	Analyzers map[string]fileAnalyzer `json:"analyzers"`
}

type fileAnalyzer struct {
	Aliases []string          `json:"aliases"`
	Map     map[string]Target `json:"map"`
}

// Table is one immutable snapshot of the mapping file. Lookup keys are
// normalized: lowercased with whitespace runs collapsed to single spaces.
type Table struct {
	analyzers map[string]map[string]Target // canonical analyzer -> analyte -> target
	aliases   map[string]string            // alias -> canonical analyzer
	LoadedAt  time.Time
}

// Analyzers returns the canonical analyzer names in the snapshot.
func (t *Table) Analyzers() []string {
	names := make([]string, 0, len(t.analyzers))
	for name := range t.analyzers {
		names = append(names, name)
	}
	return names
}

// Size returns the total number of analyte entries across all analyzers.
func (t *Table) Size() int {
	n := 0
	for _, m := range t.analyzers {
		n += len(m)
	}
	return n
}

// Resolver serves mapping lookups from an atomic snapshot of the mapping
// file. Reload swaps the snapshot in one step so a dispatcher pass never
// observes a half-loaded table.
type Resolver struct {
	path    string
	current atomic.Pointer[Table]
	watcher *fsnotify.Watcher
	done    chan struct{}
	log     zerolog.Logger
}

// NewResolver loads the mapping file at path and returns a resolver holding
// its first snapshot.
func NewResolver(path string, log zerolog.Logger) (*Resolver, error) {
	r := &Resolver{
		path: path,
		done: make(chan struct{}),
		log:  log,
	}

	table, err := loadTable(path)
	if err != nil {
		return nil, err
	}
	r.current.Store(table)

	return r, nil
}

// Resolve looks up the downstream target for an analyte code reported by an
// analyzer. The analyzer name may be a canonical name or a declared alias.
func (r *Resolver) Resolve(analyzer, code string) (Target, bool) {
	t := r.current.Load()

	key := normalize(analyzer)
	if canonical, ok := t.aliases[key]; ok {
		key = canonical
	}

	analytes, ok := t.analyzers[key]
	if !ok {
		return Target{}, false
	}

	target, ok := analytes[normalize(code)]
	return target, ok
}

// Snapshot returns the current table.
func (r *Resolver) Snapshot() *Table {
	return r.current.Load()
}

// Reload re-reads the mapping file and atomically swaps the snapshot. On
// error the previous snapshot stays in place.
func (r *Resolver) Reload() error {
	table, err := loadTable(r.path)
	if err != nil {
		return err
	}
	r.current.Store(table)
	r.log.Info().Int("entries", table.Size()).Str("file", r.path).Msg("mapping table reloaded")
	return nil
}

// Watch starts a background goroutine that reloads the table whenever the
// mapping file changes on disk. Editors often replace files via rename, so
// the parent directory is watched rather than the file itself.
func (r *Resolver) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("mapping: create watcher: %w", err)
	}

	if err := w.Add(filepath.Dir(r.path)); err != nil {
		w.Close()
		return fmt.Errorf("mapping: watch %s: %w", filepath.Dir(r.path), err)
	}
	r.watcher = w

	go r.watchLoop()

	return nil
}

// Stop terminates the watch goroutine, if one was started.
func (r *Resolver) Stop() {
	close(r.done)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

func (r *Resolver) watchLoop() {
	base := filepath.Base(r.path)

	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}

			// Writers may still be mid-replace when the event fires.
			time.Sleep(100 * time.Millisecond)

			if err := r.Reload(); err != nil {
				r.log.Error().Err(err).Msg("mapping reload failed, keeping previous table")
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Error().Err(err).Msg("mapping watcher error")
		}
	}
}

func loadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mapping: read %s: %w", path, err)
	}

	var ft fileTable
	if err := json.Unmarshal(data, &ft); err != nil {
		return nil, fmt.Errorf("mapping: parse %s: %w", path, err)
	}
	if len(ft.Analyzers) == 0 {
		return nil, fmt.Errorf("mapping: %s declares no analyzers", path)
	}

	t := &Table{
		analyzers: make(map[string]map[string]Target, len(ft.Analyzers)),
		aliases:   make(map[string]string),
		LoadedAt:  time.Now(),
	}

	for name, a := range ft.Analyzers {
		canonical := normalize(name)

		analytes := make(map[string]Target, len(a.Map))
		for code, target := range a.Map {
			analytes[normalize(code)] = target
		}
		t.analyzers[canonical] = analytes

		for _, alias := range a.Aliases {
			t.aliases[normalize(alias)] = canonical
		}
	}

	return t, nil
}

// normalize lowercases and collapses internal whitespace so lookups survive
// the formatting drift between analyzer firmware revisions.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
