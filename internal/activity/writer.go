package activity

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Writer appends this instance's feed lines.
//
// One feed file exists per (profile, instance) pair; this writer is its only
// producer. Lines are written unbuffered so another device polling the file
// sees an entry as soon as the underlying sync layer delivers it.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewWriter opens (or creates) the feed file for an instance under dir.
func NewWriter(dir, profile, instanceID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create activity directory: %w", err)
	}

	path := filepath.Join(dir, Filename(profile, instanceID))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open activity feed: %w", err)
	}

	return &Writer{path: path, f: f}, nil
}

// Append writes one feed line.
func (w *Writer) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return fmt.Errorf("activity feed is closed")
	}
	if _, err := fmt.Fprintln(w.f, FormatLine(e)); err != nil {
		return fmt.Errorf("failed to append activity entry: %w", err)
	}
	return nil
}

// Path returns the feed file path.
func (w *Writer) Path() string {
	return w.path
}

// Close closes the feed file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
