// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

// Reject reasons
const (
	RejectDataDigest          = 0x02
	RejectSNACK               = 0x03
	RejectProtocolError       = 0x04
	RejectCommandNotSupported = 0x05
	RejectImmediateRejected   = 0x06
	RejectTaskInProgress      = 0x07
	RejectInvalidDataAck      = 0x08
	RejectInvalidPDUField     = 0x09
	RejectOutOfResources      = 0x0a
	RejectNegotiationReset    = 0x0b
	RejectWaitingForLogout    = 0x0c
)

// Reject carries the rejected header as its data segment.
type Reject struct {
	Reason   byte
	Length   uint32
	StatSN   uint32
	ExpCmdSN uint32
	MaxCmdSN uint32
	DataSN   uint32
}

func (reject *Reject) Opcode() Opcode { return OpReject }

func (reject *Reject) Encode() []byte {
	header := newHeader(OpReject, false)
	header[1] = finalFlag
	header[2] = reject.Reason
	putUint24(header[5:8], reject.Length)
	putUint32(header[16:], ReservedTag)
	putUint32(header[24:], reject.StatSN)
	putUint32(header[28:], reject.ExpCmdSN)
	putUint32(header[32:], reject.MaxCmdSN)
	putUint32(header[36:], reject.DataSN)
	return header
}

func DecodeReject(header []byte) (*Reject, error) {
	d := newDecoder("Reject", header, OpReject)
	d.noImmediate()
	d.bit("final bit", 1, finalFlag)
	d.reservedBits(1, 0x7f)
	d.reserved(3, 5)
	d.reserved(8, 16)
	d.tag("initiator task tag", 16, ReservedTag)
	d.reserved(20, 24)
	d.reserved(40, 48)
	if d.err != nil {
		return nil, d.err
	}
	return &Reject{
		Reason:   header[2],
		Length:   getUint24(header[5:8]),
		StatSN:   getUint32(header[24:]),
		ExpCmdSN: getUint32(header[28:]),
		MaxCmdSN: getUint32(header[32:]),
		DataSN:   getUint32(header[36:]),
	}, nil
}

// Asynchronous events
const (
	AsyncEventSCSI           = 0
	AsyncEventLogoutRequest  = 1
	AsyncEventDropConnection = 2
	AsyncEventDropAll        = 3
	AsyncEventRenegotiate    = 4
	AsyncEventVendor         = 255
)

type AsyncMessage struct {
	Length     uint32
	LUN        uint64
	StatSN     uint32
	ExpCmdSN   uint32
	MaxCmdSN   uint32
	Event      byte
	VendorCode byte
	Parameter1 uint16
	Parameter2 uint16
	Parameter3 uint16
}

func (message *AsyncMessage) Opcode() Opcode { return OpAsyncMessage }

func (message *AsyncMessage) Encode() []byte {
	header := newHeader(OpAsyncMessage, false)
	header[1] = finalFlag
	putUint24(header[5:8], message.Length)
	putLUN(header, message.LUN)
	putUint32(header[16:], ReservedTag)
	putUint32(header[24:], message.StatSN)
	putUint32(header[28:], message.ExpCmdSN)
	putUint32(header[32:], message.MaxCmdSN)
	header[36] = message.Event
	header[37] = message.VendorCode
	putUint16(header[38:], message.Parameter1)
	putUint16(header[40:], message.Parameter2)
	putUint16(header[42:], message.Parameter3)
	return header
}

func DecodeAsyncMessage(header []byte) (*AsyncMessage, error) {
	d := newDecoder("Asynchronous Message", header, OpAsyncMessage)
	d.noImmediate()
	d.bit("final bit", 1, finalFlag)
	d.reservedBits(1, 0x7f)
	d.reserved(2, 5)
	d.reserved(14, 16)
	d.tag("initiator task tag", 16, ReservedTag)
	d.reserved(20, 24)
	d.reserved(44, 48)
	if d.err != nil {
		return nil, d.err
	}
	return &AsyncMessage{
		Length:     getUint24(header[5:8]),
		LUN:        getLUN(header),
		StatSN:     getUint32(header[24:]),
		ExpCmdSN:   getUint32(header[28:]),
		MaxCmdSN:   getUint32(header[32:]),
		Event:      header[36],
		VendorCode: header[37],
		Parameter1: getUint16(header[38:]),
		Parameter2: getUint16(header[40:]),
		Parameter3: getUint16(header[42:]),
	}, nil
}
