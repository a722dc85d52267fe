package docstore

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/plumenote/plumesync/internal/index"
	"github.com/plumenote/plumesync/internal/sd"
	"github.com/plumenote/plumesync/internal/snapshot"
)

func newTestSD(t *testing.T) *sd.SD {
	t.Helper()
	sdir, err := sd.Create(filepath.Join(t.TempDir(), "sync"))
	if err != nil {
		t.Fatalf("failed to create sync directory: %v", err)
	}
	return sdir
}

func newTestStore(t *testing.T, sdir *sd.SD, instanceID string) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	s, err := New(sdir, sd.Instance{ID: instanceID, Profile: "work"}, nil, nil, cfg)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return s
}

// edit applies one field change to a loaded note through the store.
func edit(t *testing.T, s *Store, noteID, key string, value any) {
	t.Helper()
	doc, err := s.Load(noteID)
	if err != nil {
		t.Fatalf("Load(%s) error = %v", noteID, err)
	}
	defer s.Unload(noteID)

	if err := doc.Set(key, value); err != nil {
		t.Fatalf("Set(%s) error = %v", key, err)
	}
	if err := s.ApplyUpdate(noteID, doc.LocalDelta()); err != nil {
		t.Fatalf("ApplyUpdate(%s) error = %v", noteID, err)
	}
}

func TestEditSurvivesReload(t *testing.T) {
	sdir := newTestSD(t)
	s := newTestStore(t, sdir, "inst-a")

	edit(t, s, "n1", "title", "Groceries")
	s.ForceUnload("n1")
	if s.Loaded("n1") {
		t.Fatal("note still cached after ForceUnload")
	}

	doc, err := s.Load("n1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer s.Unload("n1")
	if got := doc.Title(); got != "Groceries" {
		t.Errorf("Title() after reload = %q, want Groceries", got)
	}
	if doc.ModifiedAt().IsZero() {
		t.Error("ModifiedAt() is zero after an edit")
	}
}

func TestReferenceCounting(t *testing.T) {
	sdir := newTestSD(t)
	s := newTestStore(t, sdir, "inst-a")

	first, err := s.Load("n1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Load("n1")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("two concurrent Loads returned different document instances")
	}
	if got := s.RefCount("n1"); got != 2 {
		t.Fatalf("RefCount() = %d, want 2", got)
	}

	s.Unload("n1")
	if !s.Loaded("n1") {
		t.Fatal("note evicted while a reference was still held")
	}
	s.Unload("n1")
	if s.Loaded("n1") {
		t.Fatal("note still cached after the last Unload")
	}

	// Unloading a note that is not cached is a logged no-op, and the count
	// must not go negative in a way that poisons the next Load.
	s.Unload("n1")
	if _, err := s.Load("n1"); err != nil {
		t.Fatalf("Load() after excess Unload error = %v", err)
	}
	if got := s.RefCount("n1"); got != 1 {
		t.Errorf("RefCount() after fresh Load = %d, want 1", got)
	}
	s.Unload("n1")
}

func TestForceUnloadIgnoresReferences(t *testing.T) {
	sdir := newTestSD(t)
	s := newTestStore(t, sdir, "inst-a")

	if _, err := s.Load("n1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load("n1"); err != nil {
		t.Fatal(err)
	}
	s.Unload("n1")
	if !s.Loaded("n1") {
		t.Fatal("note evicted while a reference was still held")
	}
	if got := s.RefCount("n1"); got != 1 {
		t.Fatalf("RefCount() = %d, want 1", got)
	}

	s.ForceUnload("n1")
	if s.Loaded("n1") {
		t.Fatal("note still cached after ForceUnload with a live reference")
	}
	if got := s.RefCount("n1"); got != 0 {
		t.Errorf("RefCount() after ForceUnload = %d, want 0", got)
	}

	// The next Load reconstructs from durable storage with a fresh count.
	if _, err := s.Load("n1"); err != nil {
		t.Fatalf("Load() after ForceUnload error = %v", err)
	}
	if got := s.RefCount("n1"); got != 1 {
		t.Errorf("RefCount() after reload = %d, want 1", got)
	}
	s.Unload("n1")
}

func TestApplyUpdateRequiresLoad(t *testing.T) {
	sdir := newTestSD(t)
	s := newTestStore(t, sdir, "inst-a")

	err := s.ApplyUpdate("never-loaded", []byte{0x01})
	if !errors.Is(err, ErrNotLoaded) {
		t.Errorf("ApplyUpdate() error = %v, want ErrNotLoaded", err)
	}
}

// TestMergeOrderIndependence merges two instances' concurrent edits in both
// orders and expects identical results.
func TestMergeOrderIndependence(t *testing.T) {
	makeDelta := func(t *testing.T, instanceID, key string, value any) []byte {
		t.Helper()
		doc, err := newDocument(instanceID)
		if err != nil {
			t.Fatal(err)
		}
		if err := doc.Set(key, value); err != nil {
			t.Fatal(err)
		}
		return doc.LocalDelta()
	}

	deltaA := makeDelta(t, "inst-a", "title", "from A")
	deltaB := makeDelta(t, "inst-b", "folder", "from B")

	merge := func(t *testing.T, deltas ...[]byte) *Document {
		t.Helper()
		doc, err := newDocument("observer")
		if err != nil {
			t.Fatal(err)
		}
		for _, d := range deltas {
			if err := doc.ApplyRaw(d); err != nil {
				t.Fatalf("ApplyRaw() error = %v", err)
			}
		}
		return doc
	}

	ab := merge(t, deltaA, deltaB)
	ba := merge(t, deltaB, deltaA)

	if ab.Title() != "from A" || ab.FolderID() != "from B" {
		t.Errorf("A-then-B = title %q folder %q", ab.Title(), ab.FolderID())
	}
	if ba.Title() != ab.Title() || ba.FolderID() != ab.FolderID() {
		t.Errorf("merge is order dependent: A-then-B (%q, %q) vs B-then-A (%q, %q)",
			ab.Title(), ab.FolderID(), ba.Title(), ba.FolderID())
	}

	// Re-applying an already merged record must change nothing.
	if err := ab.ApplyRaw(deltaA); err != nil {
		t.Fatalf("re-apply error = %v", err)
	}
	if ab.Title() != "from A" || ab.FolderID() != "from B" {
		t.Error("re-applying a merged record changed the document")
	}
}

func TestRefreshPicksUpRemoteRecords(t *testing.T) {
	sdir := newTestSD(t)
	local := newTestStore(t, sdir, "inst-a")
	remote := newTestStore(t, sdir, "inst-b")

	doc, err := local.Load("n1")
	if err != nil {
		t.Fatal(err)
	}
	defer local.Unload("n1")

	// Another device writes to its own log for the same note.
	edit(t, remote, "n1", "title", "remote title")
	remote.ForceUnload("n1")

	applied, err := local.Refresh("n1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if applied == 0 {
		t.Fatal("Refresh() applied no records")
	}
	if got := doc.Title(); got != "remote title" {
		t.Errorf("Title() after refresh = %q, want remote title", got)
	}

	// A second refresh with nothing new applies nothing.
	applied, err = local.Refresh("n1")
	if err != nil {
		t.Fatal(err)
	}
	if applied != 0 {
		t.Errorf("second Refresh() applied %d records, want 0", applied)
	}
}

func TestRefreshOnUnloadedNoteIsNoOp(t *testing.T) {
	sdir := newTestSD(t)
	s := newTestStore(t, sdir, "inst-a")

	applied, err := s.Refresh("never-loaded")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if applied != 0 {
		t.Errorf("Refresh() on an unloaded note applied %d records", applied)
	}
}

// TestSnapshotEquivalence loads a note from a checkpoint plus newer records
// and expects the same state as a full log replay.
func TestSnapshotEquivalence(t *testing.T) {
	sdir := newTestSD(t)
	s := newTestStore(t, sdir, "inst-a")

	edit(t, s, "n1", "title", "first")
	if err := s.Checkpoint("n1"); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	edit(t, s, "n1", "folder", "after-snapshot")
	s.ForceUnload("n1")

	fromSnapshot, err := s.Load("n1")
	if err != nil {
		t.Fatal(err)
	}
	snapTitle, snapFolder := fromSnapshot.Title(), fromSnapshot.FolderID()
	s.ForceUnload("n1")

	// Remove every checkpoint to force a full replay of the logs.
	snapDir := sdir.SnapshotsDir("n1")
	entries, err := os.ReadDir(snapDir)
	if err != nil {
		t.Fatal(err)
	}
	removed := 0
	for _, de := range entries {
		if err := os.Remove(filepath.Join(snapDir, de.Name())); err != nil {
			t.Fatal(err)
		}
		removed++
	}
	if removed == 0 {
		t.Fatal("Checkpoint() wrote no snapshot file")
	}

	replayed, err := s.Load("n1")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Unload("n1")
	if replayed.Title() != snapTitle || replayed.FolderID() != snapFolder {
		t.Errorf("full replay = (%q, %q), snapshot load = (%q, %q)",
			replayed.Title(), replayed.FolderID(), snapTitle, snapFolder)
	}
	if snapTitle != "first" || snapFolder != "after-snapshot" {
		t.Errorf("merged state = (%q, %q), want (first, after-snapshot)", snapTitle, snapFolder)
	}
}

func TestCorruptSnapshotFallsBackToReplay(t *testing.T) {
	sdir := newTestSD(t)
	s := newTestStore(t, sdir, "inst-a")

	edit(t, s, "n1", "title", "survives corruption")
	if err := s.Checkpoint("n1"); err != nil {
		t.Fatal(err)
	}
	s.ForceUnload("n1")

	// Replace the checkpoint contents with garbage under a valid name.
	snapDir := sdir.SnapshotsDir("n1")
	entries, err := os.ReadDir(snapDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, de := range entries {
		if err := os.WriteFile(filepath.Join(snapDir, de.Name()), []byte("junk"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	doc, err := s.Load("n1")
	if err != nil {
		t.Fatalf("Load() with corrupt snapshot error = %v", err)
	}
	defer s.Unload("n1")
	if got := doc.Title(); got != "survives corruption" {
		t.Errorf("Title() = %q, want survives corruption", got)
	}
}

func TestCorruptLogIsSkipped(t *testing.T) {
	sdir := newTestSD(t)
	s := newTestStore(t, sdir, "inst-a")

	edit(t, s, "n1", "title", "good data")
	s.ForceUnload("n1")

	// A foreign log that is not a log at all must be treated as absent.
	bad := filepath.Join(sdir.LogsDir("n1"), "work.inst-zz.1700000000000.crdtlog")
	if err := os.WriteFile(bad, []byte("this is not a crdt log"), 0644); err != nil {
		t.Fatal(err)
	}

	doc, err := s.Load("n1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer s.Unload("n1")
	if got := doc.Title(); got != "good data" {
		t.Errorf("Title() = %q, want good data", got)
	}
}

func TestActivityFeedRecordsEdits(t *testing.T) {
	sdir := newTestSD(t)
	s := newTestStore(t, sdir, "inst-a")

	edit(t, s, "n1", "title", "one")
	edit(t, s, "n1", "title", "two")

	data, err := os.ReadFile(filepath.Join(sdir.ActivityDir(), s.FeedFile()))
	if err != nil {
		t.Fatalf("failed to read feed: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("feed holds %d lines after 2 edits, want 2", lines)
	}
}

type recordingSink struct {
	notes   []index.NoteMeta
	folders []index.FolderMeta
}

func (r *recordingSink) UpsertNote(meta index.NoteMeta) error {
	r.notes = append(r.notes, meta)
	return nil
}

func (r *recordingSink) UpsertFolder(meta index.FolderMeta) error {
	r.folders = append(r.folders, meta)
	return nil
}

func TestMetadataProjection(t *testing.T) {
	sdir := newTestSD(t)
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	s, err := New(sdir, sd.Instance{ID: "inst-a", Profile: "work"}, sink, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	edit(t, s, "n1", "title", "projected")

	if len(sink.notes) == 0 {
		t.Fatal("no note metadata was projected")
	}
	last := sink.notes[len(sink.notes)-1]
	if last.ID != "n1" || last.Title != "projected" {
		t.Errorf("projected metadata = %+v", last)
	}
}

func TestFolderTreeProjection(t *testing.T) {
	sdir := newTestSD(t)
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	s, err := New(sdir, sd.Instance{ID: "inst-a", Profile: "work"}, sink, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	doc, err := s.Load(sd.FolderTreeID)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Unload(sd.FolderTreeID)

	if err := doc.Set("folders", map[string]any{
		"f1": map[string]any{"name": "Inbox", "parent": ""},
		"f2": map[string]any{"name": "Archive", "parent": "f1"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyUpdate(sd.FolderTreeID, doc.LocalDelta()); err != nil {
		t.Fatal(err)
	}

	if len(sink.folders) != 2 {
		t.Fatalf("projected %d folders, want 2", len(sink.folders))
	}
	byID := map[string]index.FolderMeta{}
	for _, meta := range sink.folders {
		byID[meta.ID] = meta
	}
	if byID["f1"].Name != "Inbox" {
		t.Errorf("folder f1 = %+v", byID["f1"])
	}
	if byID["f2"].ParentID != "f1" {
		t.Errorf("folder f2 = %+v", byID["f2"])
	}
}

func TestUnloadCheckpointsDirtyEntry(t *testing.T) {
	sdir := newTestSD(t)
	s := newTestStore(t, sdir, "inst-a")

	edit(t, s, "n1", "title", "dirty")
	s.ForceUnload("n1")

	_, _, ok, err := snapshot.Latest(sdir.SnapshotsDir("n1"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("eviction of a dirty note wrote no checkpoint")
	}
}

func TestFlushSnapshotsReportsProgress(t *testing.T) {
	sdir := newTestSD(t)
	s := newTestStore(t, sdir, "inst-a")

	edit(t, s, "n1", "title", "one")
	edit(t, s, "n2", "title", "two")

	var seen []string
	err := s.FlushSnapshots(func(done, total int, noteID string) {
		if total != 2 {
			t.Errorf("progress total = %d, want 2", total)
		}
		seen = append(seen, noteID)
	})
	if err != nil {
		t.Fatalf("FlushSnapshots() error = %v", err)
	}
	if len(seen) != 2 {
		t.Errorf("progress reported %d notes, want 2", len(seen))
	}

	for _, id := range []string{"n1", "n2"} {
		_, _, ok, err := snapshot.Latest(sdir.SnapshotsDir(id))
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Errorf("no checkpoint written for %s", id)
		}
	}
}
