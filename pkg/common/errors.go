// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package common

import (
	"fmt"
	"runtime"
)

// ReRaisableError chains an error raised at a lower layer with the
// context of the layer that re-raised it.
type ReRaisableError struct {
	message      string
	currentError error
	base         error
}

func (err *ReRaisableError) Error() string {
	if err.base == nil {
		return err.message
	}
	return err.base.Error() + "\n" + err.message
}

// Unwrap exposes the low-level cause so callers can use errors.Is/As.
func (err *ReRaisableError) Unwrap() error {
	return err.currentError
}

// Base returns the high-level error the cause was raised from.
func (err *ReRaisableError) Base() error {
	return err.base
}

type LineNumberedError interface {
	Error() string
	TraceInfo() string
}

func RaiseFrom(base error, current error) *ReRaisableError {
	var message string
	if lineNumberedError, ok := current.(LineNumberedError); ok {
		message = lineNumberedError.Error() + lineNumberedError.TraceInfo()
	} else {
		message = current.Error() + " " + GetTraceInfo()
	}
	return &ReRaisableError{
		base:         base,
		message:      message,
		currentError: current,
	}
}

// GetTraceInfo describes the caller of the function that called it.
func GetTraceInfo() string {
	return CallerTraceInfo(3)
}

// CallerTraceInfo describes the frame skip levels above it.
func CallerTraceInfo(skip int) string {
	pc, fileName, fileLine, ok := runtime.Caller(skip)
	details := runtime.FuncForPC(pc)
	if ok && details != nil {
		return fmt.Sprintf("func %s() at %s:%d", details.Name(), fileName, fileLine)
	}
	return ""
}
