// Package stage defines the tagged results every release stage returns and the
// left fold the pipeline driver applies to them.
package stage

import (
	"errors"
	"fmt"
	"strings"
)

// Name identifies a pipeline stage in results, logs and the release ledger.
type Name string

const (
	Compile  Name = "compile"
	Fetch    Name = "fetch"
	Deps     Name = "deps"
	Sign     Name = "sign"
	Assemble Name = "assemble"
	Archive  Name = "archive"
	Envelope Name = "envelope"
	// Lock is not a stage; it names the run-lock error returned before any stage starts.
	Lock Name = "lock"
)

// Kind tags a stage result.
type Kind int

const (
	KindSuccess Kind = iota
	KindSoft
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "ok"
	case KindSoft:
		return "warn"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is one tagged outcome emitted by a stage. A stage may emit several soft
// results (one per skipped resource) but at most one fatal result.
type Result struct {
	Stage  Name   `json:"stage"`
	Kind   Kind   `json:"-"`
	Reason string `json:"reason,omitempty"`
	// Subject names the resource or file the result is about, if any.
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Severity returns the printable severity tag.
func (r Result) Severity() string {
	return r.Kind.String()
}

// Success builds a success result.
func Success(name Name, msg string, args ...any) Result {
	return Result{Stage: name, Kind: KindSuccess, Message: fmt.Sprintf(msg, args...)}
}

// Soft builds an advisory result. The pipeline continues.
func Soft(name Name, reason string, err error, msg string, args ...any) Result {
	return Result{Stage: name, Kind: KindSoft, Reason: reason, Message: fmt.Sprintf(msg, args...), Err: err}
}

// Fatal builds a result that halts the pipeline with the given exit code.
func Fatal(name Name, code int, err error, msg string, args ...any) Result {
	message := fmt.Sprintf(msg, args...)
	return Result{
		Stage:   name,
		Kind:    KindFatal,
		Message: message,
		Err:     &Error{Stage: name, Code: code, Message: message, Cause: err},
	}
}

// WithSubject returns a copy of r naming the resource it concerns.
func (r Result) WithSubject(subject string) Result {
	r.Subject = subject
	return r
}

// Error is the error carried by fatal results. The CLI recovers it with errors.As
// to pick the process exit code.
type Error struct {
	Stage   Name
	Code    int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Stage, e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ExitCode returns the exit code carried by err, or fallback when err does not
// wrap a stage error.
func ExitCode(err error, fallback int) int {
	var se *Error
	if errors.As(err, &se) && se.Code != 0 {
		return se.Code
	}
	return fallback
}

// Fold accumulates stage results left to right and stops at the first fatal one.
type Fold struct {
	results []Result
	fatal   *Result
}

// Add records results in order. It reports false once a fatal result has been
// seen; results added after that are dropped.
func (f *Fold) Add(results ...Result) bool {
	for _, r := range results {
		if f.fatal != nil {
			return false
		}
		f.results = append(f.results, r)
		if r.Kind == KindFatal {
			fatal := r
			f.fatal = &fatal
		}
	}
	return f.fatal == nil
}

// Halted reports whether a fatal result was folded in.
func (f *Fold) Halted() bool {
	return f.fatal != nil
}

// Fatal returns the first fatal result, if any.
func (f *Fold) Fatal() (Result, bool) {
	if f.fatal == nil {
		return Result{}, false
	}
	return *f.fatal, true
}

// Err returns the error of the first fatal result.
func (f *Fold) Err() error {
	if f.fatal == nil {
		return nil
	}
	return f.fatal.Err
}

// Results returns every folded result in order.
func (f *Fold) Results() []Result {
	return append([]Result(nil), f.results...)
}

// Warnings returns the soft results in order.
func (f *Fold) Warnings() []Result {
	var out []Result
	for _, r := range f.results {
		if r.Kind == KindSoft {
			out = append(out, r)
		}
	}
	return out
}
