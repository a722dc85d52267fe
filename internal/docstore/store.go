// Package docstore is the single authority over which documents are
// materialized in memory.
//
// Every component that needs a document goes through Load/Unload/
// ApplyUpdate on the Store; nothing else holds document state, and no
// reference may be kept across an Unload/ForceUnload boundary. Cached
// entries are reference counted: Load increments, Unload decrements, and an
// entry is evicted only at zero (or unconditionally via ForceUnload).
//
// A loaded document is reconstructed from the newest valid snapshot plus
// every log record past the snapshot's vector clock, from all instances'
// log files. Local edits are appended to this instance's own log before
// anything else sees them, so a sync stall can only ever delay other
// devices' changes, never lose local ones.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/plumenote/plumesync/internal/activity"
	"github.com/plumenote/plumesync/internal/crdtlog"
	"github.com/plumenote/plumesync/internal/index"
	"github.com/plumenote/plumesync/internal/notify"
	"github.com/plumenote/plumesync/internal/sd"
	"github.com/plumenote/plumesync/internal/snapshot"
)

// ErrNotLoaded is returned when ApplyUpdate targets a document that is not
// currently cached. Callers must Load first; this is a caller-discipline
// bug, loud in tests but recoverable in production.
var ErrNotLoaded = errors.New("document not loaded")

// MetadataSink receives note metadata projections on load, apply and merge.
// The sink is a rebuildable cache, never the source of truth; sink failures
// are logged, not propagated.
type MetadataSink interface {
	UpsertNote(meta index.NoteMeta) error
	UpsertFolder(meta index.FolderMeta) error
}

// Config holds tunables for the store.
type Config struct {
	// SnapshotQuiesce is how long edit activity must be quiet before a
	// dirty document is checkpointed.
	SnapshotQuiesce time.Duration

	// SnapshotPending is the number of pending updates that forces a
	// checkpoint even while edits keep arriving.
	SnapshotPending int

	// Logger for store activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SnapshotQuiesce: 2 * time.Second,
		SnapshotPending: 32,
		Logger:          log.New(os.Stderr, "[docstore] ", log.LstdFlags),
	}
}

// entry is one cached document.
type entry struct {
	// mu serializes applies, replays and snapshot writes for this
	// document, so a checkpoint never captures a torn mid-merge state.
	mu sync.Mutex

	doc *Document

	// vc records the highest merged sequence per instance. A snapshot
	// written from this entry carries a clone of it.
	vc snapshot.VectorClock

	refCount  int
	dirty     bool
	pending   int
	lastApply time.Time

	// writer is this instance's log for the document, opened lazily on
	// the first local update.
	writer *crdtlog.Writer
}

// Store owns all in-memory document state for one sync directory.
type Store struct {
	sdir *sd.SD
	inst sd.Instance
	cfg  *Config

	mu      sync.Mutex
	entries map[string]*entry

	feed     *activity.Writer
	sink     MetadataSink
	notifier notify.Publisher
}

// New creates a Store for the given sync directory and instance.
//
// sink and notifier may be nil; the store then runs without a metadata
// cache or change notifications.
func New(sdir *sd.SD, inst sd.Instance, sink MetadataSink, notifier notify.Publisher, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[docstore] ", log.LstdFlags)
	}

	feed, err := activity.NewWriter(sdir.ActivityDir(), inst.Profile, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to open activity feed: %w", err)
	}

	return &Store{
		sdir:     sdir,
		inst:     inst,
		cfg:      cfg,
		entries:  make(map[string]*entry),
		feed:     feed,
		sink:     sink,
		notifier: notifier,
	}, nil
}

// FeedFile returns the basename of this instance's own activity feed, which
// feed readers must skip.
func (s *Store) FeedFile() string {
	return activity.Filename(s.inst.Profile, s.inst.ID)
}

// Load returns the document for noteID, reconstructing it from durable
// storage if it is not cached, and increments its reference count.
func (s *Store) Load(noteID string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[noteID]; ok {
		e.refCount++
		return e.doc, nil
	}

	doc, vc, err := s.reconstruct(noteID)
	if err != nil {
		return nil, err
	}

	s.entries[noteID] = &entry{
		doc:      doc,
		vc:       vc,
		refCount: 1,
	}

	s.project(noteID, doc)
	return doc, nil
}

// Unload decrements noteID's reference count and evicts the entry when it
// reaches zero. Unloading a document that is not cached is a no-op, and the
// count never goes negative.
func (s *Store) Unload(noteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[noteID]
	if !ok {
		s.cfg.Logger.Printf("Warning: unload of %s, which is not loaded", noteID)
		return
	}

	e.refCount--
	if e.refCount < 0 {
		s.cfg.Logger.Printf("Warning: reference count for %s went negative, clamping", noteID)
		e.refCount = 0
	}
	if e.refCount > 0 {
		return
	}

	s.evict(noteID, e)
}

// ForceUnload evicts noteID regardless of its reference count.
//
// Many call sites Load without a matching Unload (metadata-only reads), so
// the count cannot be trusted to reach zero when a caller needs the next
// Load to reconstruct strictly from durable storage. Any document
// references held by other components become invalid.
func (s *Store) ForceUnload(noteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[noteID]
	if !ok {
		return
	}
	s.evict(noteID, e)
}

// evict checkpoints a dirty entry best-effort and removes it. Called with
// s.mu held.
func (s *Store) evict(noteID string, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dirty {
		if err := s.writeSnapshot(noteID, e); err != nil {
			// Everything dirty is already durable in the log; the
			// eviction just loses the replay-cost optimization.
			s.cfg.Logger.Printf("Warning: failed to checkpoint %s on eviction: %v", noteID, err)
		}
	}
	if e.writer != nil {
		if err := e.writer.Close(); err != nil {
			s.cfg.Logger.Printf("Warning: failed to close log for %s: %v", noteID, err)
		}
	}
	delete(s.entries, noteID)
}

// ApplyUpdate merges delta into the cached document, appends it (plus the
// modification-time stamp it provokes) to this instance's log, records the
// change in the activity feed, and schedules snapshot bookkeeping.
//
// Returns ErrNotLoaded when the document is not cached. The local append
// always happens before any remote reconciliation concerns; sync problems
// never lose local edits.
func (s *Store) ApplyUpdate(noteID string, delta []byte) error {
	s.mu.Lock()
	e, ok := s.entries[noteID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, noteID)
	}

	e.mu.Lock()
	lastSeq, err := s.applyLocked(noteID, e, delta)
	doc := e.doc
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if ferr := s.feed.Append(activity.Entry{
		NoteID:     noteID,
		InstanceID: s.inst.ID,
		Seq:        lastSeq,
	}); ferr != nil {
		// The feed is a best-effort signal; other devices still converge
		// through the full repoll.
		s.cfg.Logger.Printf("Warning: failed to record activity for %s: %v", noteID, ferr)
	}

	s.project(noteID, doc)
	s.publish(notify.Event{Type: notify.EventNoteChanged, NoteID: noteID})

	if s.pendingLimitReached(e) {
		if err := s.Checkpoint(noteID); err != nil {
			s.cfg.Logger.Printf("Warning: failed to checkpoint %s: %v", noteID, err)
		}
	}
	return nil
}

// applyLocked performs the merge and the log appends. Called with e.mu held.
func (s *Store) applyLocked(noteID string, e *entry, delta []byte) (uint64, error) {
	now := time.Now()

	if err := e.doc.ApplyRaw(delta); err != nil {
		return 0, fmt.Errorf("failed to merge update into %s: %w", noteID, err)
	}
	e.doc.dropPending()

	if err := e.doc.stampModified(now); err != nil {
		return 0, fmt.Errorf("failed to stamp %s: %w", noteID, err)
	}
	stamp := e.doc.LocalDelta()

	if e.writer == nil {
		w, err := s.openLog(noteID)
		if err != nil {
			return 0, err
		}
		e.writer = w
	}

	if _, _, err := e.writer.Append(now, delta); err != nil {
		return 0, fmt.Errorf("failed to append update for %s: %w", noteID, err)
	}
	if len(stamp) > 0 {
		if _, _, err := e.writer.Append(now, stamp); err != nil {
			return 0, fmt.Errorf("failed to append stamp for %s: %w", noteID, err)
		}
	}

	e.vc.Observe(s.inst.ID, e.writer.LastSeq())
	e.dirty = true
	e.pending++
	e.lastApply = now
	return e.writer.LastSeq(), nil
}

// Refresh replays any log records that arrived since the document was
// loaded. Returns the number of records applied; zero when the document is
// not cached (the next Load reads everything anyway).
func (s *Store) Refresh(noteID string) (int, error) {
	s.mu.Lock()
	e, ok := s.entries[noteID]
	s.mu.Unlock()
	if !ok {
		return 0, nil
	}

	e.mu.Lock()
	applied, err := s.replayLogs(noteID, e.doc, e.vc)
	if applied > 0 {
		e.dirty = true
		e.pending += applied
		e.lastApply = time.Now()
	}
	doc := e.doc
	e.mu.Unlock()
	if err != nil {
		return applied, err
	}

	if applied > 0 {
		s.project(noteID, doc)
		s.publish(notify.Event{Type: notify.EventNoteChanged, NoteID: noteID})
	}
	return applied, nil
}

// FlushSnapshots synchronously checkpoints every dirty cached document,
// reporting incremental progress through onProgress (which may be nil).
func (s *Store) FlushSnapshots(onProgress func(done, total int, noteID string)) error {
	s.mu.Lock()
	type dirtyDoc struct {
		id string
		e  *entry
	}
	var dirty []dirtyDoc
	for id, e := range s.entries {
		if e.dirty {
			dirty = append(dirty, dirtyDoc{id, e})
		}
	}
	s.mu.Unlock()

	var firstErr error
	for i, d := range dirty {
		d.e.mu.Lock()
		err := s.writeSnapshot(d.id, d.e)
		d.e.mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if onProgress != nil {
			onProgress(i+1, len(dirty), d.id)
		}
	}
	return firstErr
}

// Checkpoint writes a snapshot for noteID now. For a cached document the
// in-memory state is checkpointed; otherwise the document is reconstructed
// from durable storage first.
func (s *Store) Checkpoint(noteID string) error {
	s.mu.Lock()
	e, ok := s.entries[noteID]
	s.mu.Unlock()

	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return s.writeSnapshot(noteID, e)
	}

	doc, vc, err := s.reconstruct(noteID)
	if err != nil {
		return err
	}
	path := filepath.Join(s.sdir.SnapshotsDir(noteID), snapshot.Filename(time.Now()))
	if err := snapshot.Write(path, vc, doc.Save()); err != nil {
		return fmt.Errorf("failed to write snapshot for %s: %w", noteID, err)
	}
	s.publish(notify.Event{Type: notify.EventSnapshotFlushed, NoteID: noteID})
	return nil
}

// SnapshotLoop debounces snapshot writes: a dirty document is checkpointed
// once its edits quiesce, or sooner when enough updates pile up. Blocks
// until ctx is cancelled. Runs from the daemon; never triggered
// synchronously on every edit.
func (s *Store) SnapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushQuiesced()
		}
	}
}

func (s *Store) flushQuiesced() {
	s.mu.Lock()
	var due []string
	now := time.Now()
	for id, e := range s.entries {
		if !e.dirty {
			continue
		}
		if e.pending >= s.cfg.SnapshotPending || now.Sub(e.lastApply) >= s.cfg.SnapshotQuiesce {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		if err := s.Checkpoint(id); err != nil {
			s.cfg.Logger.Printf("Warning: failed to checkpoint %s: %v", id, err)
		}
	}
}

func (s *Store) pendingLimitReached(e *entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending >= s.cfg.SnapshotPending
}

// writeSnapshot checkpoints one entry. Called with e.mu held, which keeps
// the snapshot serialized against ApplyUpdate on the same document.
func (s *Store) writeSnapshot(noteID string, e *entry) error {
	if !e.dirty {
		return nil
	}

	path := filepath.Join(s.sdir.SnapshotsDir(noteID), snapshot.Filename(time.Now()))
	if err := snapshot.Write(path, e.vc.Clone(), e.doc.Save()); err != nil {
		return fmt.Errorf("failed to write snapshot for %s: %w", noteID, err)
	}

	e.dirty = false
	e.pending = 0
	s.publish(notify.Event{Type: notify.EventSnapshotFlushed, NoteID: noteID})
	return nil
}

// reconstruct builds a document from the newest valid snapshot plus all log
// records past its vector clock.
func (s *Store) reconstruct(noteID string) (*Document, snapshot.VectorClock, error) {
	if err := s.sdir.EnsureDocDirs(noteID); err != nil {
		return nil, nil, err
	}

	vc, state, ok, err := snapshot.Latest(s.sdir.SnapshotsDir(noteID))
	if err != nil {
		return nil, nil, err
	}

	var doc *Document
	if ok {
		doc, err = loadDocument(state, s.inst.ID)
		if err != nil {
			// The snapshot decoded but automerge rejects it. Fall back
			// to full replay rather than failing the load.
			s.cfg.Logger.Printf("Warning: snapshot for %s unusable, replaying full log: %v", noteID, err)
			doc = nil
		}
	}
	if doc == nil {
		vc = snapshot.VectorClock{}
		doc, err = newDocument(s.inst.ID)
		if err != nil {
			return nil, nil, err
		}
	}
	if vc == nil {
		vc = snapshot.VectorClock{}
	}

	if _, err := s.replayLogs(noteID, doc, vc); err != nil {
		return nil, nil, err
	}
	return doc, vc, nil
}

// replayLogs applies every record newer than vc from all instance log
// files, advancing vc in place. Corrupt files are skipped (treated absent),
// truncated tails are dropped, and unreadable files are retried on a later
// poll; none of those conditions fail the replay.
func (s *Store) replayLogs(noteID string, doc *Document, vc snapshot.VectorClock) (int, error) {
	dir := s.sdir.LogsDir(noteID)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list logs for %s: %w", noteID, err)
	}

	applied := 0
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, crdtlog.Ext) {
			continue
		}
		fi, perr := crdtlog.ParseFilename(name)
		if perr != nil {
			s.cfg.Logger.Printf("Warning: ignoring log with unrecognized name %s", name)
			continue
		}

		records, truncated, rerr := crdtlog.ReadAll(filepath.Join(dir, name))
		if rerr != nil {
			if errors.Is(rerr, crdtlog.ErrBadMagic) || errors.Is(rerr, crdtlog.ErrBadVersion) {
				s.cfg.Logger.Printf("Warning: skipping corrupt log %s: %v", name, rerr)
			} else {
				s.cfg.Logger.Printf("Warning: failed to read log %s, will retry: %v", name, rerr)
			}
			continue
		}
		if truncated {
			s.cfg.Logger.Printf("Warning: log %s has a torn tail, replaying complete records only", name)
		}

		for _, rec := range records {
			if rec.Seq <= vc.Get(fi.InstanceID) {
				continue
			}
			if aerr := doc.ApplyRaw(rec.Payload); aerr != nil {
				s.cfg.Logger.Printf("Warning: failed to apply %s seq %d from %s: %v",
					noteID, rec.Seq, fi.InstanceID, aerr)
				continue
			}
			vc.Observe(fi.InstanceID, rec.Seq)
			applied++
		}
	}

	doc.dropPending()
	return applied, nil
}

// openLog opens this instance's log file for a document, reusing the file
// from a previous run when one exists.
func (s *Store) openLog(noteID string) (*crdtlog.Writer, error) {
	dir := s.sdir.LogsDir(noteID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}

	var newest string
	var newestAt time.Time
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, crdtlog.Ext) {
			continue
		}
		fi, perr := crdtlog.ParseFilename(name)
		if perr != nil || fi.InstanceID != s.inst.ID || fi.Profile != s.inst.Profile {
			continue
		}
		if newest == "" || fi.CreatedAt.After(newestAt) {
			newest = name
			newestAt = fi.CreatedAt
		}
	}

	if newest == "" {
		newest = crdtlog.Filename(s.inst.Profile, s.inst.ID, time.Now())
	}
	return crdtlog.NewWriter(filepath.Join(dir, newest))
}

// project pushes a document's metadata into the relational cache.
func (s *Store) project(noteID string, doc *Document) {
	if s.sink == nil {
		return
	}

	if noteID == sd.FolderTreeID {
		for _, meta := range doc.FolderMetas() {
			if err := s.sink.UpsertFolder(meta); err != nil {
				s.cfg.Logger.Printf("Warning: failed to project folder %s: %v", meta.ID, err)
			}
		}
		return
	}

	if err := s.sink.UpsertNote(metaOf(noteID, doc)); err != nil {
		s.cfg.Logger.Printf("Warning: failed to project note %s: %v", noteID, err)
	}
}

// ProjectMetadata projects one document's metadata without caching it.
// Used by the full repoll to keep the relational cache fresh for documents
// nobody has loaded.
func (s *Store) ProjectMetadata(noteID string) (index.NoteMeta, error) {
	s.mu.Lock()
	e, ok := s.entries[noteID]
	s.mu.Unlock()

	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		s.project(noteID, e.doc)
		return metaOf(noteID, e.doc), nil
	}

	doc, _, err := s.reconstruct(noteID)
	if err != nil {
		return index.NoteMeta{}, err
	}
	s.project(noteID, doc)
	return metaOf(noteID, doc), nil
}

func metaOf(noteID string, doc *Document) index.NoteMeta {
	return index.NoteMeta{
		ID:         noteID,
		Title:      doc.Title(),
		FolderID:   doc.FolderID(),
		ModifiedAt: doc.ModifiedAt(),
		Deleted:    doc.Deleted(),
	}
}

func (s *Store) publish(ev notify.Event) {
	if s.notifier != nil {
		s.notifier.Publish(ev)
	}
}

// Loaded reports whether noteID is currently cached.
func (s *Store) Loaded(noteID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[noteID]
	return ok
}

// RefCount returns noteID's current reference count, or 0 when not cached.
func (s *Store) RefCount(noteID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[noteID]; ok {
		return e.refCount
	}
	return 0
}

// Instance returns the identity this store writes as.
func (s *Store) Instance() sd.Instance {
	return s.inst
}

// Close evicts every cached document (checkpointing dirty ones) and closes
// the activity feed.
func (s *Store) Close() error {
	s.mu.Lock()
	for id, e := range s.entries {
		s.evict(id, e)
	}
	s.mu.Unlock()

	return s.feed.Close()
}
