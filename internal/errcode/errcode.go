// Package errcode defines the stable, bus-facing error taxonomy of spec.md
// §7, adapted from the teacher's device-error codes into the six error
// kinds the aggregation engine distinguishes.
package errcode

// Code is a stable error identifier: comparable, allocation-free, and an
// error in its own right.
type Code string

func (c Code) Error() string { return string(c) }

const (
	// Transient bus read/write failure — logged, value treated as null or
	// write dropped.
	TransientBus Code = "transient_bus"
	// Configuration error — unparsable battery setting; logged at error,
	// selector falls back to "default".
	Config Code = "config"
	// Peer unresponsive — supervisor's probe got a no-reply; peer is killed.
	NoReply Code = "no_reply"
	// Local digital-output failure — logged once at startup; reads go null,
	// writes fail.
	LocalIO Code = "local_io"
	// Vendor fault detected — LG voltage-anomaly signature.
	VendorFault Code = "vendor_fault"
	// Generic fallback for anything not in the above taxonomy.
	Unspecified Code = "unspecified"
)

// E wraps a Code with context and an optional cause, mirroring how the
// engine reports failures on state-change/log call sites without losing the
// original error for %w-style wrapping.
type E struct {
	C   Code
	Op  string // e.g. "monitor.getValue", "relay.read"
	Msg string
	Err error
}

func (e *E) Error() string {
	msg := string(e.C)
	if e.Op != "" {
		msg += "(" + e.Op + ")"
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from err, defaulting to Unspecified for an error that
// carries none; Of(nil) is the empty Code.
func Of(err error) Code {
	if err == nil {
		return ""
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Unspecified
}

// New builds an *E, the usual constructor call site components use.
func New(c Code, op, msg string, cause error) *E {
	return &E{C: c, Op: op, Msg: msg, Err: cause}
}
