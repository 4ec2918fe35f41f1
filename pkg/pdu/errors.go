// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

import (
	"errors"
	"fmt"
)

// DecodeError is returned for any malformed header.
type DecodeError struct {
	Kind   string
	Field  string
	Got    uint64
	Expect uint64
}

func (err *DecodeError) Error() string {
	return fmt.Sprintf("%s: bad %s: got 0x%x, expected 0x%x", err.Kind, err.Field, err.Got, err.Expect)
}

// ErrShortHeader is returned when fewer than HeaderSize bytes are given.
var ErrShortHeader = errors.New("header shorter than 48 bytes")

// IsDecodeError reports whether err came from header validation.
func IsDecodeError(err error) bool {
	var decodeError *DecodeError
	return errors.As(err, &decodeError) || errors.Is(err, ErrShortHeader)
}
