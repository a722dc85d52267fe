package docstore

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/plumenote/plumesync/internal/index"
)

// Document wraps one CRDT-mergeable document (a note's content or the
// folder tree).
//
// Merge payloads are incremental automerge saves: applying them is
// commutative and idempotent, so records from different instances can be
// replayed in any order and re-applying an already-merged record changes
// nothing.
type Document struct {
	inner *automerge.Doc
}

// newDocument creates an empty document whose local edits are attributed to
// instanceID.
func newDocument(instanceID string) (*Document, error) {
	doc := automerge.New()
	if err := doc.SetActorID(hex.EncodeToString([]byte(instanceID))); err != nil {
		return nil, fmt.Errorf("failed to set actor id: %w", err)
	}
	return &Document{inner: doc}, nil
}

// loadDocument restores a document from a full snapshot state.
func loadDocument(state []byte, instanceID string) (*Document, error) {
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("failed to load document state: %w", err)
	}
	if err := doc.SetActorID(hex.EncodeToString([]byte(instanceID))); err != nil {
		return nil, fmt.Errorf("failed to set actor id: %w", err)
	}
	return &Document{inner: doc}, nil
}

// ApplyRaw merges one log record payload into the document.
func (d *Document) ApplyRaw(payload []byte) error {
	if err := d.inner.LoadIncremental(payload); err != nil {
		return fmt.Errorf("failed to apply merge payload: %w", err)
	}
	return nil
}

// LocalDelta returns the changes made since the last call to LocalDelta,
// Save, or dropPending, encoded as a log record payload. Returns nil when
// there is nothing new.
func (d *Document) LocalDelta() []byte {
	delta := d.inner.SaveIncremental()
	if len(delta) == 0 {
		return nil
	}
	return delta
}

// dropPending advances the incremental-save cursor past changes that were
// merged from elsewhere, so LocalDelta never re-exports another instance's
// records.
func (d *Document) dropPending() {
	_ = d.inner.SaveIncremental()
}

// Save returns the document's full state for checkpointing.
func (d *Document) Save() []byte {
	return d.inner.Save()
}

// Set writes a top-level field and commits the change. This is the editing
// surface used by callers that hold a loaded document.
func (d *Document) Set(key string, value any) error {
	if err := d.inner.Path(key).Set(value); err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	if _, err := d.inner.Commit(fmt.Sprintf("set %s", key)); err != nil {
		return fmt.Errorf("failed to commit %q: %w", key, err)
	}
	return nil
}

// stampModified records the modification time in the document's own
// metadata, as a further merge delta.
func (d *Document) stampModified(t time.Time) error {
	if err := d.inner.Path("meta", "modifiedAt").Set(t.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to stamp modification time: %w", err)
	}
	if _, err := d.inner.Commit("modified"); err != nil {
		return fmt.Errorf("failed to commit modification stamp: %w", err)
	}
	return nil
}

// Title returns the note title, or "" when unset.
func (d *Document) Title() string {
	return d.stringAt("title")
}

// FolderID returns the note's folder membership, or "" when unset.
func (d *Document) FolderID() string {
	return d.stringAt("folder")
}

// Deleted reports whether the note has been soft-marked as deleted.
// Documents are never structurally deleted, only marked.
func (d *Document) Deleted() bool {
	v, err := d.inner.Path("deleted").Get()
	if err != nil || v == nil {
		return false
	}
	return v.Kind() == automerge.KindBool && v.Bool()
}

// ModifiedAt returns the stamped modification time, or the zero time when
// the document has never been stamped.
func (d *Document) ModifiedAt() time.Time {
	v, err := d.inner.Path("meta", "modifiedAt").Get()
	if err != nil || v == nil || v.Kind() != automerge.KindStr {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.Str())
	if err != nil {
		return time.Time{}
	}
	return t
}

// FolderMetas projects the folder tree document into flat folder records.
//
// The folder tree stores a top-level "folders" map keyed by folder id, each
// value a map with "name" and "parent" fields. Entries that do not match
// that shape are skipped.
func (d *Document) FolderMetas() []index.FolderMeta {
	v, err := d.inner.Path("folders").Get()
	if err != nil || v == nil || v.Kind() != automerge.KindMap {
		return nil
	}
	m := v.Map()

	keys, err := m.Keys()
	if err != nil {
		return nil
	}

	var metas []index.FolderMeta
	for _, id := range keys {
		fv, err := m.Get(id)
		if err != nil || fv == nil || fv.Kind() != automerge.KindMap {
			continue
		}
		fm := fv.Map()

		meta := index.FolderMeta{ID: id}
		if nv, err := fm.Get("name"); err == nil && nv != nil && nv.Kind() == automerge.KindStr {
			meta.Name = nv.Str()
		}
		if pv, err := fm.Get("parent"); err == nil && pv != nil && pv.Kind() == automerge.KindStr {
			meta.ParentID = pv.Str()
		}
		metas = append(metas, meta)
	}
	return metas
}

func (d *Document) stringAt(key string) string {
	v, err := d.inner.Path(key).Get()
	if err != nil || v == nil || v.Kind() != automerge.KindStr {
		return ""
	}
	return v.Str()
}
