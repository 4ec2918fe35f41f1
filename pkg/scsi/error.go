// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import "errors"

type CommandError struct {
	senseCode           byte
	additionalSenseCode AdditionalSenseCode
	cause               error
}

func (err *CommandError) Error() string {
	if err.cause == nil {
		return "scsi command failed"
	}
	return err.cause.Error()
}

const (
	NoSense        byte = 0x00
	NotReady       byte = 0x02
	MediumError    byte = 0x03
	IllegalRequest byte = 0x05
)

type AdditionalSenseCode uint16

var (
	// Key 0: No Sense Errors
	NoAdditionalSense AdditionalSenseCode = 0x0000

	// Key 3: Medium errors
	AscWriteError AdditionalSenseCode = 0x0c00
	AscReadError  AdditionalSenseCode = 0x1100

	// Key 2: Not ready
	AscBecomingReady AdditionalSenseCode = 0x0401

	// Key 5: Illegal Request
	AscParameterListLength AdditionalSenseCode = 0x1a00
	AscInvalidOpCode       AdditionalSenseCode = 0x2000
	AscLbaOutOfRange       AdditionalSenseCode = 0x2100
	AscInvalidFieldInCdb   AdditionalSenseCode = 0x2400
	AscSavingParmsUnsup    AdditionalSenseCode = 0x3900
)

// ErrTransferTooLarge is returned by stores that stage I/O through a
// bounded buffer when a single request exceeds it.
var ErrTransferTooLarge = errors.New("transfer exceeds store buffer")
