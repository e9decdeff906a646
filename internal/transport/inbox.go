package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/labgate/labgate/internal/domain/results"
	"github.com/labgate/labgate/internal/platform/hl7"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Ingestor is the slice of the results service the transports need.
type Ingestor interface {
	Ingest(ctx context.Context, source results.Source, raw []byte) (*results.IngestOutcome, error)
}

// Inbox watches a directory for dropped HL7 files and feeds them to the
// ingestor. Files are moved to processed/ on success and to failed/ (with a
// sidecar .error.txt) on rejection, so the inbox itself only ever holds work
// not yet attempted.
type Inbox struct {
	dir      string
	ingestor Ingestor
	watcher  *fsnotify.Watcher
	done     chan struct{}
	log      zerolog.Logger
}

func NewInbox(dir string, ingestor Ingestor, log zerolog.Logger) *Inbox {
	return &Inbox{
		dir:      dir,
		ingestor: ingestor,
		done:     make(chan struct{}),
		log:      log,
	}
}

// Start sweeps any files already waiting, then watches for new ones.
func (in *Inbox) Start(ctx context.Context) error {
	for _, sub := range []string{processedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(in.dir, sub), 0o755); err != nil {
			return fmt.Errorf("inbox: create %s dir: %w", sub, err)
		}
	}

	in.sweep(ctx)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("inbox: create watcher: %w", err)
	}
	if err := w.Add(in.dir); err != nil {
		w.Close()
		return fmt.Errorf("inbox: watch %s: %w", in.dir, err)
	}
	in.watcher = w

	go in.watchLoop(ctx)

	return nil
}

// Stop terminates the watch goroutine.
func (in *Inbox) Stop() {
	close(in.done)
	if in.watcher != nil {
		in.watcher.Close()
	}
}

// sweep processes every eligible file already present.
func (in *Inbox) sweep(ctx context.Context) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		in.log.Error().Err(err).Msg("inbox: sweep read dir failed")
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !eligible(entry.Name()) {
			continue
		}
		in.processFile(ctx, filepath.Join(in.dir, entry.Name()))
	}
}

func (in *Inbox) watchLoop(ctx context.Context) {
	for {
		select {
		case <-in.done:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if !eligible(filepath.Base(ev.Name)) {
				continue
			}

			// Give the writer a moment to finish; analyzers and humans both
			// drop files non-atomically.
			time.Sleep(200 * time.Millisecond)

			in.processFile(ctx, ev.Name)
		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.log.Error().Err(err).Msg("inbox: watcher error")
		}
	}
}

func (in *Inbox) processFile(ctx context.Context, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		// Moved or deleted between event and read.
		if os.IsNotExist(err) {
			return
		}
		in.log.Error().Err(err).Str("file", path).Msg("inbox: read failed")
		return
	}

	_, err = in.ingestor.Ingest(ctx, results.SourceInbox, raw)
	if err != nil {
		var structErr *hl7.StructuralError
		if errors.As(err, &structErr) {
			in.moveToFailed(path, structErr.Error())
			return
		}
		// Store errors leave the file in place for the next sweep.
		in.log.Error().Err(err).Str("file", path).Msg("inbox: ingest failed, leaving file for retry")
		return
	}

	dest := filepath.Join(in.dir, processedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		in.log.Error().Err(err).Str("file", path).Msg("inbox: move to processed failed")
		return
	}

	in.log.Info().Str("file", filepath.Base(path)).Msg("inbox: file processed")
}

func (in *Inbox) moveToFailed(path, reason string) {
	base := filepath.Base(path)
	dest := filepath.Join(in.dir, failedDir, base)

	if err := os.Rename(path, dest); err != nil {
		in.log.Error().Err(err).Str("file", path).Msg("inbox: move to failed failed")
		return
	}

	note := dest + ".error.txt"
	if err := os.WriteFile(note, []byte(reason+"\n"), 0o644); err != nil {
		in.log.Error().Err(err).Str("file", note).Msg("inbox: write error note failed")
	}

	in.log.Warn().Str("file", base).Str("reason", reason).Msg("inbox: file rejected")
}

// eligible accepts the file extensions analyzers and LIS exports use.
func eligible(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".hl7", ".txt", ".dat":
		return true
	}
	return false
}
