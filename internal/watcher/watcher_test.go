package watcher

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSink struct {
	mu      sync.Mutex
	created []string
	removed []string
	renamed [][2]string
	done    chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{done: make(chan struct{}, 16)}
}

func (f *fakeSink) OnFileCreated(_ uuid.UUID, path string) {
	f.mu.Lock()
	f.created = append(f.created, path)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeSink) OnFileRemoved(_ uuid.UUID, path string) {
	f.mu.Lock()
	f.removed = append(f.removed, path)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeSink) OnFileRenamed(_ uuid.UUID, from, to string) {
	f.mu.Lock()
	f.renamed = append(f.renamed, [2]string{from, to})
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeSink) waitN(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for sink event %d/%d", i+1, n)
		}
	}
}

func TestDrainPairsRenameFromAndCreate(t *testing.T) {
	sink := newFakeSink()
	rootID := uuid.New()
	st := &rootState{creates: map[string]bool{}, removes: map[string]bool{}}
	w := &Watcher{sink: sink, log: discardLogger()}

	st.enqueueRenameFrom("/root/old.jpg")
	st.enqueueCreate("/root/new.jpg")

	w.drain(rootID, st)
	sink.waitN(t, 1)

	if len(sink.renamed) != 1 || sink.renamed[0] != [2]string{"/root/old.jpg", "/root/new.jpg"} {
		t.Fatalf("expected one rename pairing, got %+v", sink.renamed)
	}
}

func TestDrainUnmatchedRenameFromBecomesRemove(t *testing.T) {
	sink := newFakeSink()
	rootID := uuid.New()
	st := &rootState{creates: map[string]bool{}, removes: map[string]bool{}}
	w := &Watcher{sink: sink, log: discardLogger()}

	st.enqueueRenameFrom("/root/gone.jpg")

	w.drain(rootID, st)
	sink.waitN(t, 1)

	if len(sink.removed) != 1 || sink.removed[0] != "/root/gone.jpg" {
		t.Fatalf("expected unmatched rename treated as remove, got %+v", sink.removed)
	}
	if len(sink.renamed) != 0 {
		t.Fatalf("expected no rename events, got %+v", sink.renamed)
	}
}

func TestDrainPlainCreatesAndRemoves(t *testing.T) {
	sink := newFakeSink()
	rootID := uuid.New()
	st := &rootState{creates: map[string]bool{}, removes: map[string]bool{}}
	w := &Watcher{sink: sink, log: discardLogger()}

	st.enqueueCreate("/root/a.jpg")
	st.enqueueRemove("/root/b.jpg")

	w.drain(rootID, st)
	sink.waitN(t, 2)

	if len(sink.created) != 1 || sink.created[0] != "/root/a.jpg" {
		t.Fatalf("expected a.jpg created, got %+v", sink.created)
	}
	if len(sink.removed) != 1 || sink.removed[0] != "/root/b.jpg" {
		t.Fatalf("expected b.jpg removed, got %+v", sink.removed)
	}
}

func TestHandleEventDirectoryCreateDoesNotDescend(t *testing.T) {
	sink := newFakeSink()
	w := &Watcher{sink: sink, log: discardLogger(), roots: map[string]uuid.UUID{}, state: map[uuid.UUID]*rootState{}}

	dir := t.TempDir()
	sub := filepath.Join(dir, "newsub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	// w.fw is nil here; if handleEvent tried to descend via
	// addDirRecursive this would panic rather than silently pass.
	w.handleEvent(fsnotify.Event{Name: sub, Op: fsnotify.Create})

	if len(sink.created) != 0 || len(sink.removed) != 0 || len(sink.renamed) != 0 {
		t.Fatalf("expected a new directory to produce no sink events, got created=%v removed=%v renamed=%v",
			sink.created, sink.removed, sink.renamed)
	}
}

func TestHandleEventChmodIsLogOnly(t *testing.T) {
	sink := newFakeSink()
	rootID := uuid.New()
	dir := t.TempDir()
	img := filepath.Join(dir, "a.jpg")
	if err := os.WriteFile(img, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	w := &Watcher{
		sink:  sink,
		log:   discardLogger(),
		roots: map[string]uuid.UUID{dir: rootID},
		state: map[uuid.UUID]*rootState{},
	}

	w.handleEvent(fsnotify.Event{Name: img, Op: fsnotify.Chmod})
	time.Sleep(DebounceWindow + 50*time.Millisecond)

	if len(sink.created) != 0 || len(sink.removed) != 0 {
		t.Fatalf("expected chmod to be log-only, got created=%v removed=%v", sink.created, sink.removed)
	}
}

func TestHandleEventWriteTriggersRemoveThenCreate(t *testing.T) {
	sink := newFakeSink()
	rootID := uuid.New()
	dir := t.TempDir()
	img := filepath.Join(dir, "a.jpg")
	if err := os.WriteFile(img, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	w := &Watcher{
		sink:  sink,
		log:   discardLogger(),
		roots: map[string]uuid.UUID{dir: rootID},
		state: map[uuid.UUID]*rootState{},
	}

	w.handleEvent(fsnotify.Event{Name: img, Op: fsnotify.Write})
	sink.waitN(t, 2)

	if len(sink.removed) != 1 || sink.removed[0] != img {
		t.Fatalf("expected the write to enqueue a removal, got %+v", sink.removed)
	}
	if len(sink.created) != 1 || sink.created[0] != img {
		t.Fatalf("expected the write to enqueue a creation, got %+v", sink.created)
	}
}

func TestEnqueueRenameFromOverflowEvictsPrevious(t *testing.T) {
	sink := newFakeSink()
	rootID := uuid.New()
	st := &rootState{creates: map[string]bool{}, removes: map[string]bool{}}
	w := &Watcher{sink: sink, log: discardLogger()}

	st.enqueueRenameFrom("/root/first.jpg")
	st.enqueueRenameFrom("/root/second.jpg")

	w.drain(rootID, st)
	sink.waitN(t, 2)

	want := map[string]bool{"/root/first.jpg": true, "/root/second.jpg": true}
	got := map[string]bool{}
	for _, p := range sink.removed {
		got[p] = true
	}
	if len(got) != len(want) {
		t.Fatalf("expected both first.jpg (evicted) and second.jpg (unmatched) removed, got %+v", sink.removed)
	}
	for p := range want {
		if !got[p] {
			t.Fatalf("expected %s among removed, got %+v", p, sink.removed)
		}
	}
	if len(sink.renamed) != 0 {
		t.Fatalf("expected no rename pairing, got %+v", sink.renamed)
	}
}
