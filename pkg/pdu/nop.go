// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

type NopOut struct {
	Immediate   bool
	Length      uint32
	LUN         uint64
	Tag         uint32
	TransferTag uint32
	CmdSN       uint32
	ExpStatSN   uint32
}

func (nop *NopOut) Opcode() Opcode { return OpNopOut }

func (nop *NopOut) Encode() []byte {
	header := newHeader(OpNopOut, nop.Immediate)
	header[1] = finalFlag
	putUint24(header[5:8], nop.Length)
	putLUN(header, nop.LUN)
	putUint32(header[16:], nop.Tag)
	putUint32(header[20:], nop.TransferTag)
	putUint32(header[24:], nop.CmdSN)
	putUint32(header[28:], nop.ExpStatSN)
	return header
}

func DecodeNopOut(header []byte) (*NopOut, error) {
	d := newDecoder("NOP-Out", header, OpNopOut)
	d.reservedBits(0, 0x80)
	d.bit("final bit", 1, finalFlag)
	d.reservedBits(1, 0x7f)
	d.reserved(2, 5)
	d.reserved(14, 16)
	d.reserved(32, 48)
	if d.err != nil {
		return nil, d.err
	}
	return &NopOut{
		Immediate:   PeekImmediate(header),
		Length:      getUint24(header[5:8]),
		LUN:         getLUN(header),
		Tag:         getUint32(header[16:]),
		TransferTag: getUint32(header[20:]),
		CmdSN:       getUint32(header[24:]),
		ExpStatSN:   getUint32(header[28:]),
	}, nil
}

type NopIn struct {
	Length      uint32
	LUN         uint64
	Tag         uint32
	TransferTag uint32
	StatSN      uint32
	ExpCmdSN    uint32
	MaxCmdSN    uint32
}

func (nop *NopIn) Opcode() Opcode { return OpNopIn }

func (nop *NopIn) Encode() []byte {
	header := newHeader(OpNopIn, false)
	header[1] = finalFlag
	putUint24(header[5:8], nop.Length)
	putLUN(header, nop.LUN)
	putUint32(header[16:], nop.Tag)
	putUint32(header[20:], nop.TransferTag)
	putUint32(header[24:], nop.StatSN)
	putUint32(header[28:], nop.ExpCmdSN)
	putUint32(header[32:], nop.MaxCmdSN)
	return header
}

func DecodeNopIn(header []byte) (*NopIn, error) {
	d := newDecoder("NOP-In", header, OpNopIn)
	d.noImmediate()
	d.bit("final bit", 1, finalFlag)
	d.reservedBits(1, 0x7f)
	d.reserved(2, 5)
	d.reserved(14, 16)
	d.reserved(36, 48)
	if d.err != nil {
		return nil, d.err
	}
	return &NopIn{
		Length:      getUint24(header[5:8]),
		LUN:         getLUN(header),
		Tag:         getUint32(header[16:]),
		TransferTag: getUint32(header[20:]),
		StatSN:      getUint32(header[24:]),
		ExpCmdSN:    getUint32(header[28:]),
		MaxCmdSN:    getUint32(header[32:]),
	}, nil
}
