// Package vmerr provides the core's error representation, following the
// categorized, context-carrying style of internal/errors.StandardError.
// Only the outcomes spec.md §7 calls errors are represented here
// (Success/BufferTooSmall/Fault); everything else the spec calls a
// "programming error" is a panic raised at the call site, not a vmerr.
package vmerr

import (
	"fmt"
	"runtime"
)

// Code enumerates the error outcomes the core surfaces to syscalls.
type Code string

const (
	// BufferTooSmall: map called with an offset/length exceeding the view.
	BufferTooSmall Code = "BUFFER_TOO_SMALL"
	// Fault: the foreign accessor encountered an absent page during write,
	// or a page fault's access kind is not permitted by its mapping.
	Fault Code = "FAULT"
)

// Error is the core's standardized error value.
type Error struct {
	Code    Code
	Message string
	Context map[string]interface{}
	Caller  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s (caller: %s)", e.Code, e.Message, e.Caller)
}

// New constructs an Error, recording the immediate caller the way
// errors.NewStandardError does.
func New(code Code, message string, context map[string]interface{}) *Error {
	pc, _, _, ok := runtime.Caller(1)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}
	return &Error{Code: code, Message: message, Context: context, Caller: caller}
}

// ErrBufferTooSmall reports that a requested view offset/length exceeds the
// view's length.
func ErrBufferTooSmall(offset, length, viewLength uintptr) *Error {
	return New(BufferTooSmall, fmt.Sprintf("offset %d + length %d exceeds view length %d", offset, length, viewLength),
		map[string]interface{}{"offset": offset, "length": length, "viewLength": viewLength})
}

// ErrFault reports that a foreign write hit an absent page, or that a fault
// at vaddr asked for an access its mapping does not permit.
func ErrFault(vaddr uintptr) *Error {
	return New(Fault, fmt.Sprintf("absent page at 0x%x", vaddr),
		map[string]interface{}{"vaddr": vaddr})
}
