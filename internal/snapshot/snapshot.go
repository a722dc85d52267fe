// Package snapshot implements checkpoint files that bound log replay cost.
//
// A snapshot stores a document's full merged state together with the vector
// clock of everything folded into it. On load, the newest valid snapshot is
// taken as the base and only log records past its vector clock are replayed.
//
// A snapshot whose completeness flag is zero was interrupted mid-write and
// is treated as absent; the writer only ever publishes complete snapshots by
// writing to a temp file and renaming it into place.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Ext is the filename extension of snapshot files.
const Ext = ".snapshot"

// formatVersion is the snapshot format version written by this engine.
const formatVersion = 1

// magic marks the start of every snapshot file. Distinct from the log magic.
var magic = [4]byte{'P', 'N', 'S', 'S'}

const (
	flagIncomplete = 0
	flagComplete   = 1
)

var (
	// ErrCorrupt is returned when a snapshot's header or vector clock is
	// unreadable. Callers fall back to full log replay.
	ErrCorrupt = errors.New("corrupt snapshot")

	// ErrIncomplete is returned when a snapshot's completeness flag marks
	// an interrupted write. Treated the same as an absent snapshot.
	ErrIncomplete = errors.New("incomplete snapshot")
)

// Encode serializes a snapshot: magic, version, completeness flag, vector
// clock, then the raw document state.
func Encode(vc VectorClock, complete bool, state []byte) []byte {
	buf := append([]byte{}, magic[:]...)
	buf = append(buf, formatVersion)
	if complete {
		buf = append(buf, flagComplete)
	} else {
		buf = append(buf, flagIncomplete)
	}

	buf = binary.AppendUvarint(buf, uint64(len(vc)))
	ids := make([]string, 0, len(vc))
	for id := range vc {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		buf = binary.AppendUvarint(buf, uint64(len(id)))
		buf = append(buf, id...)
		buf = binary.AppendUvarint(buf, vc[id])
	}

	return append(buf, state...)
}

// Decode parses a serialized snapshot.
func Decode(data []byte) (VectorClock, []byte, error) {
	if len(data) < 6 {
		return nil, nil, fmt.Errorf("%w: file too short", ErrCorrupt)
	}
	if [4]byte(data[:4]) != magic {
		return nil, nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if data[4] != formatVersion {
		return nil, nil, fmt.Errorf("%w: version %d", ErrCorrupt, data[4])
	}
	if data[5] != flagComplete {
		return nil, nil, ErrIncomplete
	}
	rest := data[6:]

	count, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, nil, fmt.Errorf("%w: bad vector clock", ErrCorrupt)
	}
	rest = rest[n:]

	vc := make(VectorClock, count)
	for i := uint64(0); i < count; i++ {
		idLen, n := binary.Uvarint(rest)
		if n <= 0 || uint64(len(rest[n:])) < idLen {
			return nil, nil, fmt.Errorf("%w: bad vector clock entry", ErrCorrupt)
		}
		rest = rest[n:]
		id := string(rest[:idLen])
		rest = rest[idLen:]

		seq, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, nil, fmt.Errorf("%w: bad vector clock entry", ErrCorrupt)
		}
		rest = rest[n:]
		vc[id] = seq
	}

	state := make([]byte, len(rest))
	copy(state, rest)
	return vc, state, nil
}

// Write atomically publishes a complete snapshot at path.
//
// The bytes are written to a temp file in the same directory, synced, and
// renamed into place, so a reader never observes a half-written file under
// the final name. A crash mid-write leaves only a temp file behind.
func Write(path string, vc VectorClock, state []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	data := Encode(vc, true, state)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

// Read loads the snapshot at path.
//
// Returns ErrIncomplete for an interrupted write and ErrCorrupt for an
// unparseable file; both mean "treat as absent and replay the full log".
func Read(path string) (VectorClock, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return Decode(data)
}

// Filename returns the snapshot filename for a checkpoint taken at t.
func Filename(t time.Time) string {
	return fmt.Sprintf("%d%s", t.UnixMilli(), Ext)
}

// Latest returns the newest valid snapshot in dir.
//
// Corrupt or incomplete snapshots are skipped; older valid snapshots are
// still considered, so one bad file never forces a full replay when an
// earlier checkpoint is intact. Returns ok=false when no valid snapshot
// exists (including when dir is absent).
func Latest(dir string) (vc VectorClock, state []byte, ok bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, false, nil
		}
		return nil, nil, false, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Ext) {
			continue
		}
		names = append(names, entry.Name())
	}
	// Filenames encode the checkpoint time, so lexicographic order of the
	// millisecond stamps is close enough; ties and mixed-width stamps are
	// resolved by trying candidates newest first until one reads clean.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		vc, state, rerr := Read(filepath.Join(dir, name))
		if rerr != nil {
			continue
		}
		return vc, state, true, nil
	}
	return nil, nil, false, nil
}
