// Package corefault defines the typed error values used across the core's
// error-handling design: unrecoverable invariant violations and recoverable
// soft faults caught by a thread's unwind watermark.
package corefault

import "fmt"

// InvariantError marks a programming fault: a broken invariant that the
// core cannot recover from. Callers should not attempt to catch these;
// they indicate a bug in the caller or in the core itself.
type InvariantError struct {
	Code    string
	Message string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("corert: invariant violation [%s]: %s", e.Code, e.Message)
}

// NewInvariantError builds an InvariantError with a stable code so tests
// and callers can match on it without parsing the message.
func NewInvariantError(code, format string, args ...any) *InvariantError {
	return &InvariantError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// SoftFault marks a recoverable fault raised inside a CatchSoftFault scope.
// Signal is a descriptive name for the fault kind (the source distinguishes
// SIGFPE/SIGSEGV/SIGBUS; this port has no real signals, so producers choose
// a symbolic name, e.g. "panic" or a caller-supplied string).
type SoftFault struct {
	Signal string
	Cause  error
}

func (e *SoftFault) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("corert: soft fault [%s]: %v", e.Signal, e.Cause)
	}
	return fmt.Sprintf("corert: soft fault [%s]", e.Signal)
}

func (e *SoftFault) Unwrap() error { return e.Cause }

// Poison is the panic value used to force an unwind to re-raise rather
// than be absorbed by CatchSoftFault: a poison cleanup record on the
// stack between the watermark and the fault point must always be
// observed as a re-raise, never a silent recovery.
type Poison struct {
	Fault *SoftFault
}

func (p *Poison) Error() string {
	return fmt.Sprintf("corert: re-raised across poison boundary: %v", p.Fault)
}
