package syncer

// Reason says why a note is in the polling group. The reasons are mutually
// exclusive categories with different visibility semantics; most are
// routine freshness checks, not "syncing".
type Reason int

const (
	// ReasonFastPathHandoff marks a note whose fast-path wait timed out
	// and was handed to the polling group.
	ReasonFastPathHandoff Reason = iota

	// ReasonOpenNote marks a note currently open in the editor.
	ReasonOpenNote

	// ReasonNotesList marks a note visible in the notes list.
	ReasonNotesList

	// ReasonRecentEdit marks a note edited locally a short while ago.
	ReasonRecentEdit

	// ReasonFullRepoll marks a note swept in by the periodic catch-all
	// repoll. Hits found this way are applied but never surfaced in the
	// user-facing sync indicator.
	ReasonFullRepoll
)

// String returns a human-readable representation of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonFastPathHandoff:
		return "fast-path-handoff"
	case ReasonOpenNote:
		return "open-note"
	case ReasonNotesList:
		return "notes-list"
	case ReasonRecentEdit:
		return "recent-edit"
	case ReasonFullRepoll:
		return "full-repoll"
	default:
		return "unknown"
	}
}

// Indicates reports whether a hit on an entry with this reason counts
// toward the user-facing "sync is happening" indicator. Routine polling
// with no hit never indicates regardless of reason.
func (r Reason) Indicates() bool {
	return r != ReasonFullRepoll
}
