// Package watcher watches registered roots for filesystem changes and
// dispatches create/remove/rename events to an EventSink after a short
// debounce window, so a burst of saves or a directory copy collapses
// into one batch instead of firing per individual event.
package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/screenager/visage/internal/preprocess"
)

// ErrUnmatchedRenameFrom marks a rename-from half that never found its
// rename-to pair within the same debounce batch; the watcher falls
// back to treating it as a plain removal.
var ErrUnmatchedRenameFrom = errors.New("watcher: unmatched rename-from")

// DebounceWindow is how long a root's watcher waits for filesystem
// activity to go quiet before draining its pending batch.
const DebounceWindow = 100 * time.Millisecond

// EventSink receives file-level events once a root's batch has
// drained. Implementations (engine.Engine) are called from the
// debounce timer's goroutine, one call per drained path, and must not
// block for long.
type EventSink interface {
	OnFileCreated(root uuid.UUID, path string)
	OnFileRemoved(root uuid.UUID, path string)
	OnFileRenamed(root uuid.UUID, fromPath, toPath string)
}

// Watcher watches one or more registered roots and feeds a sink.
type Watcher struct {
	fw   *fsnotify.Watcher
	sink EventSink
	log  *slog.Logger

	mu    sync.Mutex
	roots map[string]uuid.UUID // watched dir path -> root id (root dir only, for dispatch)
	state map[uuid.UUID]*rootState
}

// rootState is the per-root debounce accumulator and rename-pairing
// slot. Grounded on notify_handlers.rs's FsEventHandler: a single
// pending "rename-from" path is held until a matching "rename-to"
// arrives, or the debounce timer fires and it is treated as a plain
// removal.
type rootState struct {
	mu           sync.Mutex
	timer        *time.Timer
	creates      map[string]bool
	removes      map[string]bool
	renameFrom   string
	renameFromOK bool
}

// New creates a Watcher that dispatches events to sink.
func New(sink EventSink, log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: fsnotify: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		fw:    fw,
		sink:  sink,
		log:   log,
		roots: make(map[string]uuid.UUID),
		state: make(map[uuid.UUID]*rootState),
	}, nil
}

// AddRoot starts watching rootDir (recursively) under the given root
// id, which is echoed back to the EventSink so it can resolve events to
// the right catalog.WatchedRoot.
func (w *Watcher) AddRoot(rootID uuid.UUID, rootDir string) error {
	w.mu.Lock()
	w.roots[rootDir] = rootID
	w.state[rootID] = &rootState{creates: map[string]bool{}, removes: map[string]bool{}}
	w.mu.Unlock()

	return w.addDirRecursive(rootDir)
}

// Run processes events until done is closed or the underlying fsnotify
// watcher errors unrecoverably. Call it in a goroutine.
func (w *Watcher) Run(done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return w.fw.Close()

		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watcher.fsnotify_error", "error", err)
		}
	}
}

func (w *Watcher) rootFor(path string) (uuid.UUID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir, id := range w.roots {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return id, true
		}
	}
	return uuid.Nil, false
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := event.Name

	if event.Has(fsnotify.Create) {
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			// Recursive watching is the root's property, established
			// once in AddRoot; a directory created later is logged but
			// not descended into, matching notify_handlers.rs.
			w.log.Info("watcher.directory_created", "path", path)
			return
		}
	}

	if !preprocess.IsSupportedImage(path) {
		return
	}

	rootID, ok := w.rootFor(path)
	if !ok {
		return
	}
	st := w.stateFor(rootID)

	switch {
	case event.Has(fsnotify.Create):
		st.enqueueCreate(path)
	case event.Has(fsnotify.Remove):
		st.enqueueRemove(path)
	case event.Has(fsnotify.Rename):
		// fsnotify emits one Rename op for the "from" half of a move;
		// the "to" half typically arrives as a Create. This is the one
		// place fsnotify's coarser event model diverges from the
		// original notify-rs RenameMode::{From,To,Both,Any} split (see
		// DESIGN.md) — we fold Rename into the same single-slot
		// state machine the original used for From.
		st.enqueueRenameFrom(path)
	case event.Has(fsnotify.Write):
		// Modify(Data): treat as remove+create, the simplest correct
		// response, at the cost of losing any per-file metadata tied
		// to the old row (documented Open Question, SPEC_FULL.md §9).
		st.enqueueRemove(path)
		st.enqueueCreate(path)
	case event.Has(fsnotify.Chmod):
		// Modify(Metadata)/Modify(Any): no content change, so nothing
		// to re-ingest — log only.
		w.log.Info("watcher.metadata_changed", "root", rootID, "path", path)
	}

	w.scheduleDrain(rootID, st)
}

func (w *Watcher) stateFor(rootID uuid.UUID) *rootState {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.state[rootID]
	if !ok {
		st = &rootState{creates: map[string]bool{}, removes: map[string]bool{}}
		w.state[rootID] = st
	}
	return st
}

func (st *rootState) enqueueCreate(path string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.creates[path] = true
}

func (st *rootState) enqueueRemove(path string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.removes[path] = true
}

func (st *rootState) enqueueRenameFrom(path string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.renameFromOK {
		// Slot already occupied: the previous rename-from never found
		// its pair before this one arrived. Treat it as a removal
		// (logged by the caller) rather than dropping it silently.
		st.removes[st.renameFrom] = true
	}
	st.renameFrom = path
	st.renameFromOK = true
}

func (w *Watcher) scheduleDrain(rootID uuid.UUID, st *rootState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(DebounceWindow, func() { w.drain(rootID, st) })
}

func (w *Watcher) drain(rootID uuid.UUID, st *rootState) {
	st.mu.Lock()
	creates := st.creates
	removes := st.removes
	renameFrom := st.renameFrom
	renameFromOK := st.renameFromOK
	st.creates = map[string]bool{}
	st.removes = map[string]bool{}
	st.renameFrom = ""
	st.renameFromOK = false
	st.mu.Unlock()

	if renameFromOK {
		// Pair the outstanding rename-from with a create seen in the
		// same batch, if any; otherwise it's an unmatched rename,
		// logged and treated as a plain removal.
		paired := false
		for path := range creates {
			w.log.Info("watcher.rename", "root", rootID, "from", renameFrom, "to", path)
			w.sink.OnFileRenamed(rootID, renameFrom, path)
			delete(creates, path)
			paired = true
			break
		}
		if !paired {
			w.log.Warn("watcher.unmatched_rename_from", "root", rootID, "path", renameFrom, "error", ErrUnmatchedRenameFrom)
			removes[renameFrom] = true
		}
	}

	for path := range removes {
		w.log.Info("watcher.remove", "root", rootID, "path", path)
		w.sink.OnFileRemoved(rootID, path)
	}
	for path := range creates {
		w.log.Info("watcher.create", "root", rootID, "path", path)
		w.sink.OnFileCreated(rootID, path)
	}
}

// addDirRecursive adds dir and all non-hidden subdirectories to the
// fsnotify watch list.
func (w *Watcher) addDirRecursive(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if err := w.fw.Add(dir); err != nil {
		return fmt.Errorf("watcher: add %s: %w", dir, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() {
			if err := w.addDirRecursive(filepath.Join(dir, e.Name())); err != nil {
				w.log.Warn("watcher.skip_dir", "dir", filepath.Join(dir, e.Name()), "error", err)
			}
		}
	}
	return nil
}
