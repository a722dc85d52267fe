package activity

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// DefaultStaleGap is the sequence gap beyond which a feed entry is treated
// as stale and skipped instead of triggering a catch-up scan.
const DefaultStaleGap = 50

// ReaderConfig configures a feed reader.
type ReaderConfig struct {
	// OwnFile is the basename of this instance's own feed, which is never
	// polled.
	OwnFile string

	// StaleGap is the sequence gap that classifies an entry as stale
	// (default DefaultStaleGap). A stale entry is skipped with a warning;
	// the periodic full repoll reconciles whatever it announced.
	StaleGap uint64

	// Logger for reader warnings.
	Logger *log.Logger
}

// Reader consumes feed files written by other instances.
//
// Progress is tracked as a per-file line watermark, so each poll only parses
// lines appended since the previous one. Watermarks are in-memory; Prime()
// positions them at the current end of every feed so a fresh process does
// not re-deliver history (initial reconciliation is the loader's and the
// full repoll's job, not the feed's).
type Reader struct {
	dir      string
	ownFile  string
	staleGap uint64
	logger   *log.Logger

	// consumed lines per feed file basename
	marks map[string]int

	// highest delivered sequence per (instance, note)
	lastSeq map[string]uint64
}

// NewReader creates a Reader over the activity directory dir.
func NewReader(dir string, config ReaderConfig) *Reader {
	if config.StaleGap == 0 {
		config.StaleGap = DefaultStaleGap
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[activity] ", log.LstdFlags)
	}
	return &Reader{
		dir:      dir,
		ownFile:  config.OwnFile,
		staleGap: config.StaleGap,
		logger:   config.Logger,
		marks:    make(map[string]int),
		lastSeq:  make(map[string]uint64),
	}
}

// Prime advances all watermarks to the current end of every feed without
// delivering entries.
func (r *Reader) Prime() error {
	_, err := r.poll(true)
	return err
}

// Poll returns feed entries appended since the previous poll.
//
// Unreadable individual feeds are skipped with a warning (a feed may be
// mid-copy); an unreadable activity directory is returned as an error so
// the caller can retry on its next tick.
func (r *Reader) Poll() ([]Entry, error) {
	return r.poll(false)
}

func (r *Reader) poll(discard bool) ([]Entry, error) {
	dirEntries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read activity directory: %w", err)
	}

	var out []Entry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, Ext) || name == r.ownFile {
			continue
		}

		data, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			r.logger.Printf("Warning: failed to read feed %s: %v", name, err)
			continue
		}

		lines := splitLines(string(data))
		mark := r.marks[name]
		if mark > len(lines) {
			// The feed shrank, which only happens if the sync layer
			// replaced it wholesale. Start over from the top.
			r.logger.Printf("Warning: feed %s shrank, resetting watermark", name)
			mark = 0
		}

		for _, line := range lines[mark:] {
			entry, perr := ParseLine(line)
			if perr != nil {
				r.logger.Printf("Warning: skipping %v", perr)
				continue
			}
			if discard {
				r.observe(entry)
				continue
			}
			if r.isStale(entry) {
				r.logger.Printf("Warning: stale activity entry for note %s (instance %s seq %d), skipping; full repoll will reconcile",
					entry.NoteID, entry.InstanceID, entry.Seq)
				r.observe(entry)
				continue
			}
			r.observe(entry)
			out = append(out, entry)
		}
		r.marks[name] = len(lines)
	}

	return out, nil
}

// isStale reports whether an entry's sequence jumps too far past the last
// sequence delivered for the same (instance, note).
func (r *Reader) isStale(e Entry) bool {
	last := r.lastSeq[seqKey(e)]
	return last > 0 && e.Seq > last+r.staleGap
}

func (r *Reader) observe(e Entry) {
	key := seqKey(e)
	if e.Seq > r.lastSeq[key] {
		r.lastSeq[key] = e.Seq
	}
}

// LastSeq returns the highest observed sequence for a (instance, note)
// pair, or 0 if none.
func (r *Reader) LastSeq(instanceID, noteID string) uint64 {
	return r.lastSeq[seqKey(Entry{NoteID: noteID, InstanceID: instanceID})]
}

func seqKey(e Entry) string {
	return e.InstanceID + "\x00" + e.NoteID
}

// splitLines returns the newline-terminated lines of s. A trailing partial
// line (still being appended, or half-copied by the sync layer) is left for
// a later poll.
func splitLines(s string) []string {
	end := strings.LastIndexByte(s, '\n')
	if end < 0 {
		return nil
	}
	s = s[:end]

	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
