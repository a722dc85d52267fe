// Package sd manages the on-disk layout of a Sync Directory: a filesystem
// root holding one independent sync domain (its notes, folder tree, activity
// feed, device presence records and media).
//
// A Sync Directory is typically placed inside a cloud-synced folder. The
// engine never assumes the folder's contents are fully synchronized; readers
// elsewhere tolerate partially-copied files.
//
// Layout:
//
//	SD_ID                       identity file (uuid)
//	SD_VERSION                  layout version
//	notes/{noteId}/logs/        per-instance CRDT log files
//	notes/{noteId}/snapshots/   checkpoints
//	notes/{noteId}/packs/       compacted history bundles
//	notes/{noteId}/meta/        sidecar metadata
//	folders/logs/               folder tree CRDT logs
//	folders/snapshots/          folder tree checkpoints
//	activity/                   per-instance change notification feeds
//	profiles/                   device presence records
//	media/                      attachments
package sd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	// IDFile holds the sync directory's stable identity.
	IDFile = "SD_ID"

	// VersionFile holds the layout version.
	VersionFile = "SD_VERSION"

	// CurrentVersion is the layout version written by this engine.
	CurrentVersion = "1"

	// FolderTreeID is the reserved document id of the folder tree. Its logs
	// and snapshots live under folders/ rather than notes/.
	FolderTreeID = "folders"
)

const (
	notesDir    = "notes"
	foldersDir  = "folders"
	activityDir = "activity"
	profilesDir = "profiles"
	mediaDir    = "media"

	logsDir      = "logs"
	snapshotsDir = "snapshots"
	packsDir     = "packs"
	metaDir      = "meta"
)

var (
	// ErrNotSyncDir is returned when a root lacks the SD identity files.
	ErrNotSyncDir = errors.New("not a sync directory")

	// ErrVersionMismatch is returned when a sync directory was written by
	// an incompatible layout version.
	ErrVersionMismatch = errors.New("unsupported sync directory version")
)

// SD is an opened Sync Directory.
type SD struct {
	// Root is the absolute filesystem root of the sync directory.
	Root string

	// ID is the stable identity read from SD_ID.
	ID string

	// Version is the layout version read from SD_VERSION.
	Version string
}

// Create initializes a new sync directory at root.
//
// The root is created if it does not exist. Fails if the root already
// contains a sync directory.
func Create(root string) (*SD, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}

	if _, err := os.Stat(filepath.Join(abs, IDFile)); err == nil {
		return nil, fmt.Errorf("sync directory already exists at %s", abs)
	}

	for _, dir := range []string{
		abs,
		filepath.Join(abs, notesDir),
		filepath.Join(abs, foldersDir, logsDir),
		filepath.Join(abs, foldersDir, snapshotsDir),
		filepath.Join(abs, activityDir),
		filepath.Join(abs, profilesDir),
		filepath.Join(abs, mediaDir),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	id := uuid.NewString()
	if err := os.WriteFile(filepath.Join(abs, IDFile), []byte(id+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("failed to write identity file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(abs, VersionFile), []byte(CurrentVersion+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("failed to write version file: %w", err)
	}

	return &SD{Root: abs, ID: id, Version: CurrentVersion}, nil
}

// Open opens an existing sync directory at root.
//
// Returns ErrNotSyncDir if the identity file is missing and
// ErrVersionMismatch if the layout version is not supported.
func Open(root string) (*SD, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}

	idBytes, err := os.ReadFile(filepath.Join(abs, IDFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotSyncDir, abs)
		}
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	id := strings.TrimSpace(string(idBytes))
	if id == "" {
		return nil, fmt.Errorf("%w: empty identity file", ErrNotSyncDir)
	}

	version := CurrentVersion
	if vBytes, err := os.ReadFile(filepath.Join(abs, VersionFile)); err == nil {
		version = strings.TrimSpace(string(vBytes))
	}
	if version != CurrentVersion {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrVersionMismatch, version, CurrentVersion)
	}

	return &SD{Root: abs, ID: id, Version: version}, nil
}

// Attach opens the sync directory at root, creating it if absent.
func Attach(root string) (*SD, error) {
	s, err := Open(root)
	if err == nil {
		return s, nil
	}
	if errors.Is(err, ErrNotSyncDir) {
		return Create(root)
	}
	return nil, err
}

// LogsDir returns the CRDT log directory for a document.
func (s *SD) LogsDir(docID string) string {
	if docID == FolderTreeID {
		return filepath.Join(s.Root, foldersDir, logsDir)
	}
	return filepath.Join(s.Root, notesDir, docID, logsDir)
}

// SnapshotsDir returns the checkpoint directory for a document.
func (s *SD) SnapshotsDir(docID string) string {
	if docID == FolderTreeID {
		return filepath.Join(s.Root, foldersDir, snapshotsDir)
	}
	return filepath.Join(s.Root, notesDir, docID, snapshotsDir)
}

// PacksDir returns the pack directory for a note.
func (s *SD) PacksDir(noteID string) string {
	return filepath.Join(s.Root, notesDir, noteID, packsDir)
}

// MetaDir returns the sidecar metadata directory for a note.
func (s *SD) MetaDir(noteID string) string {
	return filepath.Join(s.Root, notesDir, noteID, metaDir)
}

// ActivityDir returns the activity feed directory.
func (s *SD) ActivityDir() string {
	return filepath.Join(s.Root, activityDir)
}

// ProfilesDir returns the device presence directory.
func (s *SD) ProfilesDir() string {
	return filepath.Join(s.Root, profilesDir)
}

// MediaDir returns the attachment directory.
func (s *SD) MediaDir() string {
	return filepath.Join(s.Root, mediaDir)
}

// EnsureDocDirs creates the log and snapshot directories for a document.
// Safe to call repeatedly.
func (s *SD) EnsureDocDirs(docID string) error {
	dirs := []string{s.LogsDir(docID), s.SnapshotsDir(docID)}
	if docID != FolderTreeID {
		dirs = append(dirs, s.PacksDir(docID), s.MetaDir(docID))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// ListNoteIDs returns the ids of all notes present under notes/.
//
// The listing reflects whatever the underlying sync layer has delivered so
// far; a note directory may exist before any of its log files arrive.
func (s *SD) ListNoteIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, notesDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}
