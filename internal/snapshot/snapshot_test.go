package snapshot

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		vc    VectorClock
		state []byte
	}{
		{
			name:  "empty clock and state",
			vc:    VectorClock{},
			state: nil,
		},
		{
			name:  "single instance",
			vc:    VectorClock{"inst-a": 7},
			state: []byte("merged state"),
		},
		{
			name:  "several instances",
			vc:    VectorClock{"inst-a": 7, "inst-b": 1, "inst-c": 900000},
			state: bytes.Repeat([]byte{0x01, 0x02}, 1024),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotVC, gotState, err := Decode(Encode(tt.vc, true, tt.state))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(gotVC, tt.vc) {
				t.Errorf("vector clock = %v, want %v", gotVC, tt.vc)
			}
			if !bytes.Equal(gotState, tt.state) {
				t.Errorf("state mismatch: got %d bytes, want %d", len(gotState), len(tt.state))
			}
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "empty", data: nil, wantErr: ErrCorrupt},
		{name: "short", data: []byte("PNSS"), wantErr: ErrCorrupt},
		{name: "wrong magic", data: []byte("XXXX\x01\x01"), wantErr: ErrCorrupt},
		{name: "future version", data: []byte("PNSS\x09\x01"), wantErr: ErrCorrupt},
		{name: "incomplete flag", data: Encode(VectorClock{"a": 1}, false, []byte("x")), wantErr: ErrIncomplete},
		{name: "truncated clock", data: Encode(VectorClock{"inst-a": 7}, true, nil)[:10], wantErr: ErrCorrupt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Filename(time.UnixMilli(1700000000000)))
	vc := VectorClock{"inst-a": 3, "inst-b": 12}
	state := []byte("document state")

	if err := Write(path, vc, state); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	gotVC, gotState, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !reflect.DeepEqual(gotVC, vc) {
		t.Errorf("vector clock = %v, want %v", gotVC, vc)
	}
	if !bytes.Equal(gotState, state) {
		t.Errorf("state = %q, want %q", gotState, state)
	}

	// No temp file may survive a successful publish.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory holds %d files after Write, want 1", len(entries))
	}
}

func TestLatest(t *testing.T) {
	writeRaw := func(t *testing.T, dir, name string, data []byte) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("empty and missing directories", func(t *testing.T) {
		_, _, ok, err := Latest(filepath.Join(t.TempDir(), "does-not-exist"))
		if err != nil || ok {
			t.Errorf("Latest(missing) = ok=%v err=%v, want absent", ok, err)
		}
		_, _, ok, err = Latest(t.TempDir())
		if err != nil || ok {
			t.Errorf("Latest(empty) = ok=%v err=%v, want absent", ok, err)
		}
	})

	t.Run("picks newest valid", func(t *testing.T) {
		dir := t.TempDir()
		old := time.UnixMilli(1700000000000)
		newer := time.UnixMilli(1700000005000)
		if err := Write(filepath.Join(dir, Filename(old)), VectorClock{"a": 1}, []byte("old")); err != nil {
			t.Fatal(err)
		}
		if err := Write(filepath.Join(dir, Filename(newer)), VectorClock{"a": 2}, []byte("new")); err != nil {
			t.Fatal(err)
		}

		vc, state, ok, err := Latest(dir)
		if err != nil || !ok {
			t.Fatalf("Latest() = ok=%v err=%v, want a snapshot", ok, err)
		}
		if string(state) != "new" || vc.Get("a") != 2 {
			t.Errorf("Latest() picked %q (vc %v), want the newer snapshot", state, vc)
		}
	})

	t.Run("skips corrupt and incomplete newest", func(t *testing.T) {
		dir := t.TempDir()
		if err := Write(filepath.Join(dir, Filename(time.UnixMilli(1700000000000))), VectorClock{"a": 1}, []byte("good")); err != nil {
			t.Fatal(err)
		}
		writeRaw(t, dir, Filename(time.UnixMilli(1700000001000)), Encode(VectorClock{"a": 2}, false, []byte("interrupted")))
		writeRaw(t, dir, Filename(time.UnixMilli(1700000002000)), []byte("not a snapshot at all"))

		vc, state, ok, err := Latest(dir)
		if err != nil || !ok {
			t.Fatalf("Latest() = ok=%v err=%v, want the older valid snapshot", ok, err)
		}
		if string(state) != "good" || vc.Get("a") != 1 {
			t.Errorf("Latest() = %q (vc %v), want the valid snapshot", state, vc)
		}
	})

	t.Run("all invalid means absent", func(t *testing.T) {
		dir := t.TempDir()
		writeRaw(t, dir, Filename(time.UnixMilli(1700000000000)), []byte("junk"))

		_, _, ok, err := Latest(dir)
		if err != nil || ok {
			t.Errorf("Latest() = ok=%v err=%v, want absent", ok, err)
		}
	})
}

func TestVectorClock(t *testing.T) {
	vc := VectorClock{}
	vc.Observe("a", 5)
	vc.Observe("a", 3) // lower observation must not regress
	vc.Observe("b", 1)

	if vc.Get("a") != 5 {
		t.Errorf("Get(a) = %d, want 5", vc.Get("a"))
	}
	if vc.Get("missing") != 0 {
		t.Errorf("Get(missing) = %d, want 0", vc.Get("missing"))
	}

	other := VectorClock{"a": 4, "c": 2}
	if !vc.Dominates(VectorClock{"a": 5, "b": 1}) {
		t.Error("vc should dominate its own entries")
	}
	if vc.Dominates(other) {
		t.Error("vc should not dominate a clock with an unseen instance")
	}

	vc.Merge(other)
	want := VectorClock{"a": 5, "b": 1, "c": 2}
	if !reflect.DeepEqual(vc, want) {
		t.Errorf("after Merge = %v, want %v", vc, want)
	}
	if !vc.Dominates(other) {
		t.Error("vc should dominate other after merging it")
	}

	clone := vc.Clone()
	clone.Observe("a", 100)
	if vc.Get("a") != 5 {
		t.Error("Clone() is not independent of the original")
	}
}
