package index

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return db
}

func TestUpsertNote(t *testing.T) {
	db := openTestDB(t)

	meta := NoteMeta{
		ID:         "n1",
		Title:      "Groceries",
		FolderID:   "f1",
		ModifiedAt: time.UnixMilli(1700000000000).UTC(),
	}
	if err := db.UpsertNote(meta); err != nil {
		t.Fatalf("UpsertNote() error = %v", err)
	}

	got, err := db.GetNote("n1")
	if err != nil {
		t.Fatalf("GetNote() error = %v", err)
	}
	if got != meta {
		t.Errorf("GetNote() = %+v, want %+v", got, meta)
	}

	// Upsert replaces, not duplicates.
	meta.Title = "Groceries (updated)"
	meta.Deleted = true
	if err := db.UpsertNote(meta); err != nil {
		t.Fatal(err)
	}
	got, err = db.GetNote("n1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Groceries (updated)" || !got.Deleted {
		t.Errorf("GetNote() after upsert = %+v", got)
	}
}

func TestListNotesOrderAndFilter(t *testing.T) {
	db := openTestDB(t)

	base := time.UnixMilli(1700000000000).UTC()
	notes := []NoteMeta{
		{ID: "old", Title: "Old", ModifiedAt: base},
		{ID: "new", Title: "New", ModifiedAt: base.Add(time.Hour)},
		{ID: "gone", Title: "Deleted", ModifiedAt: base.Add(2 * time.Hour), Deleted: true},
	}
	for _, meta := range notes {
		if err := db.UpsertNote(meta); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.ListNotes()
	if err != nil {
		t.Fatalf("ListNotes() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListNotes() returned %d notes, want 2 (deleted excluded)", len(got))
	}
	if got[0].ID != "new" || got[1].ID != "old" {
		t.Errorf("ListNotes() order = %s, %s; want new, old", got[0].ID, got[1].ID)
	}

	n, err := db.NoteCount()
	if err != nil {
		t.Fatalf("NoteCount() error = %v", err)
	}
	if n != 2 {
		t.Errorf("NoteCount() = %d, want 2", n)
	}
}

func TestUpsertFolder(t *testing.T) {
	db := openTestDB(t)

	if err := db.UpsertFolder(FolderMeta{ID: "f1", Name: "Inbox"}); err != nil {
		t.Fatalf("UpsertFolder() error = %v", err)
	}
	if err := db.UpsertFolder(FolderMeta{ID: "f1", Name: "Inbox renamed", ParentID: "root"}); err != nil {
		t.Fatalf("UpsertFolder() update error = %v", err)
	}
}

func TestRebuild(t *testing.T) {
	db := openTestDB(t)

	if err := db.UpsertNote(NoteMeta{ID: "stale", Title: "Stale"}); err != nil {
		t.Fatal(err)
	}

	fresh := []NoteMeta{
		{ID: "n1", Title: "One", ModifiedAt: time.UnixMilli(1).UTC()},
		{ID: "n2", Title: "Two", ModifiedAt: time.UnixMilli(2).UTC()},
	}
	folders := []FolderMeta{{ID: "f1", Name: "Inbox"}}
	if err := db.Rebuild(fresh, folders); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}

	if _, err := db.GetNote("stale"); err == nil {
		t.Error("Rebuild() kept a note that was not in the fresh projection")
	}
	n, err := db.NoteCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("NoteCount() after Rebuild = %d, want 2", n)
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "cache.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
