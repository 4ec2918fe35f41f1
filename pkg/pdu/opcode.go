// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

// Package pdu converts iSCSI basic header segments to and from typed views.
package pdu

import "fmt"

// HeaderSize is the size of every basic header segment.
const HeaderSize = 48

type Opcode byte

// Initiator opcodes
const (
	OpNopOut         Opcode = 0x00
	OpSCSICommand    Opcode = 0x01
	OpTaskRequest    Opcode = 0x02
	OpLoginRequest   Opcode = 0x03
	OpTextRequest    Opcode = 0x04
	OpDataOut        Opcode = 0x05
	OpLogoutRequest  Opcode = 0x06
	OpSNACKRequest   Opcode = 0x10
	OpNopIn          Opcode = 0x20
	OpSCSIResponse   Opcode = 0x21
	OpTaskResponse   Opcode = 0x22
	OpLoginResponse  Opcode = 0x23
	OpTextResponse   Opcode = 0x24
	OpDataIn         Opcode = 0x25
	OpLogoutResponse Opcode = 0x26
	OpR2T            Opcode = 0x31
	OpAsyncMessage   Opcode = 0x32
	OpReject         Opcode = 0x3f
)

const (
	opcodeMask    = 0x3f
	immediateFlag = 0x40
	finalFlag     = 0x80
)

// ReservedTag marks an initiator task tag for which no response is wanted.
const ReservedTag = uint32(0xffffffff)

var opcodeNames = map[Opcode]string{
	OpNopOut:         "NOP-Out",
	OpSCSICommand:    "SCSI Command",
	OpTaskRequest:    "Task Management Function Request",
	OpLoginRequest:   "Login Request",
	OpTextRequest:    "Text Request",
	OpDataOut:        "SCSI Data-Out",
	OpLogoutRequest:  "Logout Request",
	OpSNACKRequest:   "SNACK Request",
	OpNopIn:          "NOP-In",
	OpSCSIResponse:   "SCSI Response",
	OpTaskResponse:   "Task Management Function Response",
	OpLoginResponse:  "Login Response",
	OpTextResponse:   "Text Response",
	OpDataIn:         "SCSI Data-In",
	OpLogoutResponse: "Logout Response",
	OpR2T:            "Ready To Transfer",
	OpAsyncMessage:   "Asynchronous Message",
	OpReject:         "Reject",
}

func (opcode Opcode) String() string {
	if name, ok := opcodeNames[opcode]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(0x%02x)", byte(opcode))
}

// Header is implemented by every encodable PDU view.
type Header interface {
	Opcode() Opcode
	Encode() []byte
}

// PeekOpcode returns the opcode of a raw header without decoding it.
func PeekOpcode(header []byte) Opcode {
	return Opcode(header[0] & opcodeMask)
}

// PeekImmediate reports whether the Immediate bit is set.
func PeekImmediate(header []byte) bool {
	return header[0]&immediateFlag != 0
}

// PeekDataSegmentLength returns the 24-bit data segment length at bytes 5-7.
func PeekDataSegmentLength(header []byte) uint32 {
	return getUint24(header[5:8])
}

// PeekTotalAHSLength returns the additional header length in bytes.
func PeekTotalAHSLength(header []byte) int {
	return int(header[4]) * 4
}

// PeekTaskTag returns the initiator task tag at bytes 16-19.
func PeekTaskTag(header []byte) uint32 {
	return getUint32(header[16:20])
}

// PaddedLength rounds a data segment length up to the 4-byte boundary.
func PaddedLength(length uint32) uint32 {
	return (length + 3) &^ 3
}
