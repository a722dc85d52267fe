package crdtlog

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"
)

// Writer appends records to a single instance's log file.
//
// A Writer is the only producer for its file; sequence numbers are assigned
// here and are strictly increasing with no gaps. Reopening an existing log
// recovers the last written sequence, and trims a torn tail left behind by
// an interrupted append before new records are written.
type Writer struct {
	path    string
	f       *os.File
	size    int64
	lastSeq uint64
}

// NewWriter opens the log file at path for appending, creating it with a
// fresh header if it does not exist.
func NewWriter(path string) (*Writer, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createLog(path)
	}

	records, goodSize, truncated, err := scan(path)
	if err != nil {
		return nil, err
	}
	if truncated {
		// Our own file, so the torn tail is from an interrupted append
		// of ours. Drop it so new frames start at a clean boundary.
		if err := os.Truncate(path, goodSize); err != nil {
			return nil, fmt.Errorf("failed to trim torn log tail: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log for append: %w", err)
	}

	var lastSeq uint64
	if len(records) > 0 {
		lastSeq = records[len(records)-1].Seq
	}

	return &Writer{path: path, f: f, size: goodSize, lastSeq: lastSeq}, nil
}

func createLog(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log: %w", err)
	}

	header := append(append([]byte{}, magic[:]...), formatVersion)
	if _, err := f.Write(header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to write log header: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to sync log header: %w", err)
	}

	return &Writer{path: path, f: f, size: int64(len(header))}, nil
}

// Append writes one record and syncs it to disk.
//
// The record is assigned the next sequence number. Returns the assigned
// sequence and the byte offset at which the record's envelope begins.
//
// A failed append rolls the file back to the previous frame boundary, so a
// partial frame can never sit in front of later records; everything before
// a torn tail must stay reachable by replay.
func (w *Writer) Append(timestamp time.Time, payload []byte) (seq uint64, offset int64, err error) {
	if w.f == nil {
		return 0, 0, fmt.Errorf("log writer is closed")
	}

	seq = w.lastSeq + 1

	body := binary.AppendUvarint(nil, seq)
	body = binary.AppendUvarint(body, uint64(timestamp.UnixMilli()))
	body = append(body, payload...)

	frame := binary.AppendUvarint(nil, uint64(len(body)))
	frame = append(frame, body...)

	offset = w.size
	if _, err := w.f.Write(frame); err != nil {
		w.rollback()
		return 0, 0, fmt.Errorf("failed to append record: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		w.rollback()
		return 0, 0, fmt.Errorf("failed to sync record: %w", err)
	}

	w.size += int64(len(frame))
	w.lastSeq = seq
	return seq, offset, nil
}

// rollback trims the file back to the last clean frame boundary after a
// failed append. If even the trim fails the writer is closed, which forces
// the reopen path to recover the boundary instead.
func (w *Writer) rollback() {
	if err := os.Truncate(w.path, w.size); err != nil {
		_ = w.f.Close()
		w.f = nil
	}
}

// LastSeq returns the sequence of the most recently written record, or 0 if
// the log is empty.
func (w *Writer) LastSeq() uint64 {
	return w.lastSeq
}

// Path returns the log file path.
func (w *Writer) Path() string {
	return w.path
}

// Close closes the underlying file. The Writer must not be used afterwards.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
