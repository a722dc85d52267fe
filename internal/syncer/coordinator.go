// Package syncer reconciles changes made by other devices sharing a sync
// directory.
//
// Reconciliation is two-tier. The fast path is a short, bounded wait for a
// specific remote sequence that is expected to appear soon (for example,
// the echo of an update just sent to a counterpart device); it is driven by
// a filesystem watch on the activity directory so a delivered change is
// noticed within milliseconds. A timed-out fast path is not an error: the
// note is handed off to the polling group, a persistent watch list checked
// on a fixed tick. Every long interval a full repoll momentarily sweeps all
// known notes through the group to catch anything both paths missed (such
// as changes delivered while the app was closed).
//
// Only a true hit, an actually newer sequence applied into the document
// cache, is surfaced to the user-facing sync indicator. Routine polling and
// the full repoll sweep stay invisible.
package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/plumenote/plumesync/internal/activity"
	"github.com/plumenote/plumesync/internal/docstore"
	"github.com/plumenote/plumesync/internal/notify"
	"github.com/plumenote/plumesync/internal/sd"
)

// Config holds coordinator tunables.
type Config struct {
	// TickInterval is how often the polling group is re-evaluated.
	TickInterval time.Duration

	// FastPathTimeout bounds a fast-path wait before it hands off to the
	// polling group.
	FastPathTimeout time.Duration

	// FullRepollInterval is how often every known note is swept for
	// changes missed by both other paths.
	FullRepollInterval time.Duration

	// StaleGap is the activity-feed sequence gap beyond which an entry is
	// skipped as stale.
	StaleGap uint64

	// Logger for coordinator activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:       2 * time.Second,
		FastPathTimeout:    15 * time.Second,
		FullRepollInterval: 30 * time.Minute,
		StaleGap:           activity.DefaultStaleGap,
		Logger:             log.New(os.Stderr, "[syncer] ", log.LstdFlags),
	}
}

// fastWait is one in-flight fast-path expectation.
type fastWait struct {
	noteID     string
	instanceID string
	seq        uint64
	done       chan struct{}
}

// Coordinator watches one sync directory for remote changes and folds them
// into the document cache.
type Coordinator struct {
	sdir     *sd.SD
	store    *docstore.Store
	reader   *activity.Reader
	notifier notify.Publisher
	cfg      *Config

	mu      sync.Mutex
	group   map[string]Reason
	waits   []*fastWait
	syncing int

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator over the given sync directory and store.
// notifier may be nil.
func New(sdir *sd.SD, store *docstore.Store, notifier notify.Publisher, cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}

	reader := activity.NewReader(sdir.ActivityDir(), activity.ReaderConfig{
		OwnFile:  store.FeedFile(),
		StaleGap: cfg.StaleGap,
		Logger:   cfg.Logger,
	})

	return &Coordinator{
		sdir:     sdir,
		store:    store,
		reader:   reader,
		notifier: notifier,
		cfg:      cfg,
		group:    make(map[string]Reason),
		kick:     make(chan struct{}, 1),
	}
}

// Start begins watching. It returns once the background loop is running;
// the loop stops when ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.reader.Prime(); err != nil {
		// The SD may be momentarily unreadable (unmounted drive); the
		// loop retries on its tick.
		c.cfg.Logger.Printf("Warning: failed to prime activity reader: %v", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fs watcher: %w", err)
	}
	if err := watcher.Add(c.sdir.ActivityDir()); err != nil {
		// Fall back to pure polling.
		c.cfg.Logger.Printf("Warning: cannot watch activity directory, polling only: %v", err)
		_ = watcher.Close()
		watcher = nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if watcher != nil {
		c.wg.Add(1)
		go c.watchLoop(ctx, watcher)
	}

	c.wg.Add(1)
	go c.runLoop(ctx)
	return nil
}

// Stop shuts the coordinator down and waits for its loops to exit.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Watch adds a note to the polling group. An existing entry's reason is
// replaced.
func (c *Coordinator) Watch(noteID string, reason Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.group[noteID] = reason
}

// Unwatch removes a note from the polling group.
func (c *Coordinator) Unwatch(noteID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.group, noteID)
}

// Watching returns the note's polling reason, if watched.
func (c *Coordinator) Watching(noteID string) (Reason, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.group[noteID]
	return r, ok
}

// ActiveSyncs returns the number of user-visible syncs in flight.
func (c *Coordinator) ActiveSyncs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncing
}

// AwaitRemote waits for instanceID's log for noteID to reach seq.
//
// This is the fast path: it blocks until the sequence is observed in the
// activity feed and applied, the configured timeout elapses, or ctx is
// cancelled (an unload of the note cancels the ctx its caller holds).
// Returns true on a hit. A timeout is the designed fallback, not an error:
// the note is handed off to the polling group.
func (c *Coordinator) AwaitRemote(ctx context.Context, noteID, instanceID string, seq uint64) bool {
	w := &fastWait{
		noteID:     noteID,
		instanceID: instanceID,
		seq:        seq,
		done:       make(chan struct{}),
	}

	c.mu.Lock()
	c.waits = append(c.waits, w)
	c.syncing++
	syncing := c.syncing
	c.mu.Unlock()
	c.publishSyncs(syncing)

	// Nudge the loop in case the sequence already arrived.
	c.poke()

	timer := time.NewTimer(c.cfg.FastPathTimeout)
	defer timer.Stop()

	hit := false
	select {
	case <-w.done:
		hit = true
	case <-timer.C:
		c.cfg.Logger.Printf("Fast path for %s timed out, handing off to polling group", noteID)
		c.Watch(noteID, ReasonFastPathHandoff)
	case <-ctx.Done():
	}

	c.mu.Lock()
	c.removeWait(w)
	c.syncing--
	syncing = c.syncing
	c.mu.Unlock()
	c.publishSyncs(syncing)

	return hit
}

// poke coalesces wakeup requests for the run loop.
func (c *Coordinator) poke() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Coordinator) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer c.wg.Done()
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			c.poke()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.cfg.Logger.Printf("Warning: fs watcher error: %v", err)
		}
	}
}

func (c *Coordinator) runLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	repoll := time.NewTicker(c.cfg.FullRepollInterval)
	defer repoll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
			c.poll()
		case <-ticker.C:
			c.poll()
		case <-repoll.C:
			c.fullRepoll()
		}
	}
}

// poll consumes new activity entries and reconciles the watched notes they
// mention. An unreadable SD is logged and retried on the next tick; the
// watch list is never dropped for it.
func (c *Coordinator) poll() {
	entries, err := c.reader.Poll()
	if err != nil {
		c.cfg.Logger.Printf("Warning: activity poll failed, will retry: %v", err)
		return
	}

	for _, entry := range entries {
		c.resolveWaits(entry)

		c.mu.Lock()
		reason, watched := c.group[entry.NoteID]
		c.mu.Unlock()
		if !watched {
			continue
		}

		c.hit(entry.NoteID, reason)
	}
}

// hit loads newly arrived records for a watched note. This is the only
// place a user-facing sync indication can originate.
func (c *Coordinator) hit(noteID string, reason Reason) {
	indicate := reason.Indicates()
	if indicate {
		c.mu.Lock()
		c.syncing++
		syncing := c.syncing
		c.mu.Unlock()
		c.publishSyncs(syncing)
	}

	applied, err := c.store.Refresh(noteID)
	if err != nil {
		c.cfg.Logger.Printf("Warning: failed to refresh %s: %v", noteID, err)
	} else if applied > 0 {
		c.cfg.Logger.Printf("Applied %d remote records to %s (%s)", applied, noteID, reason)
	}

	if indicate {
		c.mu.Lock()
		c.syncing--
		syncing := c.syncing
		c.mu.Unlock()
		c.publishSyncs(syncing)
	}

	// A handoff entry has served its purpose once records land, no matter
	// which path delivered them.
	if reason == ReasonFastPathHandoff && applied > 0 {
		c.Unwatch(noteID)
	}
}

// resolveWaits completes any fast-path waits satisfied by the entry.
func (c *Coordinator) resolveWaits(entry activity.Entry) {
	c.mu.Lock()
	var matched []*fastWait
	for _, w := range c.waits {
		if w.noteID == entry.NoteID && w.instanceID == entry.InstanceID && entry.Seq >= w.seq {
			matched = append(matched, w)
		}
	}
	for _, w := range matched {
		c.removeWait(w)
	}
	c.mu.Unlock()

	if len(matched) == 0 {
		return
	}

	if _, err := c.store.Refresh(entry.NoteID); err != nil {
		c.cfg.Logger.Printf("Warning: failed to refresh %s after fast-path hit: %v", entry.NoteID, err)
	}
	for _, w := range matched {
		close(w.done)
	}
}

// removeWait drops w from the wait list. Called with c.mu held.
func (c *Coordinator) removeWait(w *fastWait) {
	for i, other := range c.waits {
		if other == w {
			c.waits = append(c.waits[:i], c.waits[i+1:]...)
			return
		}
	}
}

// fullRepoll momentarily sweeps every known note through the polling group
// to catch changes missed by both other paths, such as records delivered
// while the app was closed. Notes swept in by the repoll itself stay
// invisible to the sync indicator; already-watched notes are checked under
// their existing reason.
func (c *Coordinator) fullRepoll() {
	noteIDs, err := c.sdir.ListNoteIDs()
	if err != nil {
		c.cfg.Logger.Printf("Warning: full repoll cannot list notes, will retry: %v", err)
		return
	}

	c.cfg.Logger.Printf("Full repoll of %d notes", len(noteIDs))
	for _, noteID := range noteIDs {
		c.mu.Lock()
		reason, alreadyWatched := c.group[noteID]
		if !alreadyWatched {
			// Notes the sweep pulls in stay invisible; notes already in
			// the group keep their own reason, so a handoff satisfied by
			// the sweep is cleared the same way a polled hit clears it.
			reason = ReasonFullRepoll
			c.group[noteID] = ReasonFullRepoll
		}
		c.mu.Unlock()

		if c.store.Loaded(noteID) {
			c.hit(noteID, reason)
		} else {
			// Keep the relational cache fresh for notes nobody has
			// loaded; the next Load replays everything regardless.
			if _, err := c.store.ProjectMetadata(noteID); err != nil {
				c.cfg.Logger.Printf("Warning: full repoll failed to project %s: %v", noteID, err)
			}
		}

		c.mu.Lock()
		if c.group[noteID] == ReasonFullRepoll {
			delete(c.group, noteID)
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) publishSyncs(count int) {
	if c.notifier != nil {
		c.notifier.Publish(notify.Event{Type: notify.EventActiveSyncs, Count: count})
	}
}
