// Package relay implements the Relay Reflector (spec.md §4.8): the local
// digital-output file whose ASCII content is "0" or "1", adapted from the
// teacher's services/hal/devices/gpio_dout device — the same logical
// on/off abstraction, but backed by a plain host file (ASCII sysfs-style
// content) instead of a TinyGo GPIOHandle, since this engine runs on Linux,
// not a microcontroller.
package relay

import (
	"bytes"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Relay owns the digital-output file handle for the process lifetime
// (spec.md §5, "Shared resources"). If the file cannot be opened at
// startup, the path remains writable but a no-op, and reads report null
// (spec.md §4.8, §7 "Local digital-output failure").
type Relay struct {
	log  *slog.Logger
	path string

	mu  sync.Mutex
	f   *os.File // nil if open failed
}

// Open tries to open path for read and write. Failure is logged once here
// and never again; callers proceed with a no-op Relay.
func Open(log *slog.Logger, path string) *Relay {
	r := &Relay{log: log, path: path}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		log.Warn("relay: could not open digital-output file, reads will be null", "path", path, "error", err)
		return r
	}
	r.f = f
	return r
}

func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	return r.f.Close()
}

// Read parses the file's current ASCII content, trimming trailing
// whitespace/newline (SPEC_FULL.md §7), returning (value, true) on success.
// A read or parse failure logs and returns (0, false); the caller must then
// treat /Relay/0/State as null.
func (r *Relay) Read() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return 0, false
	}
	if _, err := r.f.Seek(0, 0); err != nil {
		r.log.Warn("relay: seek failed", "error", err)
		return 0, false
	}
	buf := make([]byte, 16)
	n, err := r.f.Read(buf)
	if err != nil && n == 0 {
		r.log.Warn("relay: read failed", "error", err)
		return 0, false
	}
	text := strings.TrimSpace(string(bytes.TrimRight(buf[:n], "\x00")))
	v, perr := strconv.Atoi(text)
	if perr != nil {
		r.log.Warn("relay: unparsable content", "content", text)
		return 0, false
	}
	return v, true
}

// Write accepts only 0 or 1, writing the single ASCII digit and flushing.
// Any other value is rejected without touching the file.
func (r *Relay) Write(v int) error {
	if v != 0 && v != 1 {
		return errInvalidValue
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return errNoFile
	}
	if _, err := r.f.Seek(0, 0); err != nil {
		return err
	}
	if _, err := r.f.WriteString(strconv.Itoa(v)); err != nil {
		return err
	}
	return r.f.Sync()
}

var errInvalidValue = relayError("relay: value must be 0 or 1")
var errNoFile = relayError("relay: digital-output file not open")

type relayError string

func (e relayError) Error() string { return string(e) }
