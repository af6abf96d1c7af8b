package relay

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRelay_ReadWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay_state")
	if err := os.WriteFile(path, []byte("0"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := Open(discardLog(), path)
	defer r.Close()

	if err := r.Write(1); err != nil {
		t.Fatalf("Write(1) failed: %v", err)
	}
	v, ok := r.Read()
	if !ok || v != 1 {
		t.Errorf("Read() = (%d, %v), want (1, true)", v, ok)
	}
}

// Writes outside {0,1} are rejected without touching the file (spec.md §4.8).
func TestRelay_RejectsInvalidWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay_state")
	if err := os.WriteFile(path, []byte("0"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := Open(discardLog(), path)
	defer r.Close()

	if err := r.Write(2); err == nil {
		t.Fatal("Write(2) should be rejected")
	}
	v, ok := r.Read()
	if !ok || v != 0 {
		t.Errorf("state should be unchanged after a rejected write, got (%d, %v)", v, ok)
	}
}

// A trailing newline in the file content must not break the integer parse.
func TestRelay_ReadTrimsTrailingNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay_state")
	if err := os.WriteFile(path, []byte("1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := Open(discardLog(), path)
	defer r.Close()

	v, ok := r.Read()
	if !ok || v != 1 {
		t.Errorf("Read() = (%d, %v), want (1, true)", v, ok)
	}
}

// If the file cannot be opened at startup, reads return null and writes
// fail, but the Relay value itself stays usable (spec.md §4.8, §7).
func TestRelay_UnopenableFileIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "relay_state")

	r := Open(discardLog(), path)
	defer r.Close()

	if _, ok := r.Read(); ok {
		t.Error("Read() on an unopened relay should report ok=false")
	}
	if err := r.Write(1); err == nil {
		t.Error("Write() on an unopened relay should fail")
	}
}
