// Package activity implements the per-instance change-notification feed.
//
// The feed is a cheap fan-out signal, independent of the CRDT content logs:
// each instance appends one line per modification to its own file under
// activity/, and other instances watch feed growth to learn that something
// changed without speculatively rescanning content logs. Entries carry no
// authoritative content.
//
// Line format, newline-delimited and append-only:
//
//	noteId|instanceId_sequence
package activity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Ext is the filename extension of activity feed files.
const Ext = ".log"

// Entry is one parsed feed line.
type Entry struct {
	// NoteID is the modified document.
	NoteID string

	// InstanceID is the instance that made the modification.
	InstanceID string

	// Seq is that instance's log sequence for the modification.
	Seq uint64
}

// ErrMalformedEntry is returned for a feed line that does not parse. Such
// lines are skipped by readers; a half-synced trailing line is expected.
var ErrMalformedEntry = errors.New("malformed activity entry")

// Filename returns the feed filename for a (profile, instance) pair.
func Filename(profile, instanceID string) string {
	return fmt.Sprintf("%s.%s%s", profile, instanceID, Ext)
}

// FormatLine renders an entry as a feed line, without the trailing newline.
func FormatLine(e Entry) string {
	return fmt.Sprintf("%s|%s_%d", e.NoteID, e.InstanceID, e.Seq)
}

// ParseLine parses one feed line.
func ParseLine(line string) (Entry, error) {
	noteID, rest, ok := strings.Cut(line, "|")
	if !ok || noteID == "" {
		return Entry{}, fmt.Errorf("%w: %q", ErrMalformedEntry, line)
	}

	// The sequence is everything past the last underscore; instance ids may
	// themselves contain underscores in older installs.
	cut := strings.LastIndex(rest, "_")
	if cut <= 0 || cut == len(rest)-1 {
		return Entry{}, fmt.Errorf("%w: %q", ErrMalformedEntry, line)
	}

	seq, err := strconv.ParseUint(rest[cut+1:], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %q", ErrMalformedEntry, line)
	}

	return Entry{
		NoteID:     noteID,
		InstanceID: rest[:cut],
		Seq:        seq,
	}, nil
}
