// Package crdtlog implements the append-only binary log format that stores
// CRDT merge payloads.
//
// Each instance writes only to its own log files, so concurrent devices
// sharing a sync directory never contend for the same file. A log file
// starts with a fixed magic token and a format version byte, followed by
// length-prefixed record envelopes. Readers tolerate a truncated trailing
// envelope (a sync tool may copy a file mid-append); all prior complete
// records are still returned.
package crdtlog

import (
	"errors"
	"time"
)

// Ext is the filename extension of CRDT log files.
const Ext = ".crdtlog"

// LegacyProfile is the profile assigned to logs written before filenames
// carried a profile field.
const LegacyProfile = "default"

// formatVersion is the log format version written by this engine.
const formatVersion = 1

// magic marks the start of every log file. Distinct from the snapshot magic.
var magic = [4]byte{'P', 'N', 'L', 'G'}

var (
	// ErrBadMagic is returned when a file does not start with the log magic.
	// Such a file is treated as absent by callers, not as a fatal condition.
	ErrBadMagic = errors.New("not a crdt log file")

	// ErrBadVersion is returned when a log file carries an unknown format
	// version.
	ErrBadVersion = errors.New("unsupported crdt log version")
)

// Record is one immutable log entry.
//
// Sequence numbers are strictly increasing and gapless within a single
// instance's own log. The payload is an opaque CRDT merge delta; applying
// it is commutative and idempotent, so replay order across instances does
// not affect the merged result.
type Record struct {
	// InstanceID is the writing instance, derived from the log filename.
	InstanceID string

	// Seq is the per-instance sequence number, starting at 1.
	Seq uint64

	// Timestamp is the wall-clock time of the append.
	Timestamp time.Time

	// Payload is the raw merge delta.
	Payload []byte
}
