package crdtlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// maxRecordSize bounds a single record body. A length prefix beyond this is
// treated the same as a truncated tail rather than honored, so a corrupt
// prefix cannot trigger a giant allocation.
const maxRecordSize = 64 << 20

// ReadAll reads every complete record from a log file.
//
// The returned truncated flag is true when the file ends mid-envelope, which
// happens when a sync tool copies a file that is still being appended to.
// All records before the torn tail are returned and the tail is dropped; a
// truncated tail is never an error.
//
// Returns ErrBadMagic or ErrBadVersion when the header is unreadable; such
// files should be skipped and treated as absent.
func ReadAll(path string) ([]Record, bool, error) {
	records, _, truncated, err := scan(path)
	return records, truncated, err
}

// scan reads records and also reports the byte offset just past the last
// complete record, which the writer uses to trim a torn tail before
// appending.
func scan(path string) (records []Record, goodSize int64, truncated bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	instanceID := ""
	if fi, ferr := ParseFilename(filepath.Base(path)); ferr == nil {
		instanceID = fi.InstanceID
	}

	r := bufio.NewReader(f)

	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, false, fmt.Errorf("%w: file too short", ErrBadMagic)
		}
		return nil, 0, false, fmt.Errorf("failed to read log header: %w", err)
	}
	if [4]byte(header[:4]) != magic {
		return nil, 0, false, fmt.Errorf("%w: %s", ErrBadMagic, path)
	}
	if header[4] != formatVersion {
		return nil, 0, false, fmt.Errorf("%w: version %d", ErrBadVersion, header[4])
	}

	goodSize = int64(len(header))
	for {
		rec, frameLen, rerr := readRecord(r)
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return records, goodSize, false, nil
			}
			if isTruncation(rerr) {
				return records, goodSize, true, nil
			}
			return records, goodSize, false, fmt.Errorf("failed to read record: %w", rerr)
		}
		rec.InstanceID = instanceID
		records = append(records, rec)
		goodSize += frameLen
	}
}

// readRecord decodes one length-prefixed envelope. io.EOF means a clean end
// of file; io.ErrUnexpectedEOF means a torn tail.
func readRecord(r *bufio.Reader) (Record, int64, error) {
	// Peek one byte first so a clean EOF at a frame boundary is
	// distinguishable from a tail torn inside the length prefix.
	if _, err := r.Peek(1); err != nil {
		return Record{}, 0, err
	}

	bodyLen, prefixLen, err := readUvarint(r)
	if err != nil {
		return Record{}, 0, err
	}
	if bodyLen > maxRecordSize {
		return Record{}, 0, io.ErrUnexpectedEOF
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, 0, err
	}

	rec, err := decodeBody(body)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, int64(prefixLen) + int64(bodyLen), nil
}

func readUvarint(r *bufio.Reader) (uint64, int, error) {
	var v uint64
	var shift uint
	var n int
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				err = io.ErrUnexpectedEOF
			}
			return 0, n, err
		}
		n++
		if shift >= 64 {
			return 0, n, io.ErrUnexpectedEOF
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, n, nil
		}
		shift += 7
	}
}

func decodeBody(body []byte) (Record, error) {
	seq, n := binary.Uvarint(body)
	if n <= 0 {
		return Record{}, io.ErrUnexpectedEOF
	}
	body = body[n:]

	millis, n := binary.Uvarint(body)
	if n <= 0 {
		return Record{}, io.ErrUnexpectedEOF
	}
	body = body[n:]

	payload := make([]byte, len(body))
	copy(payload, body)

	return Record{
		Seq:       seq,
		Timestamp: time.UnixMilli(int64(millis)).UTC(),
		Payload:   payload,
	}, nil
}

func isTruncation(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF)
}
