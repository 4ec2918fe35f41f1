// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

import (
	"encoding/binary"
	"fmt"
)

const lunMask = uint64(0xffffffffffff)

func getUint24(data []byte) uint32 {
	return uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
}

func putUint24(data []byte, value uint32) {
	data[0] = byte(value >> 16)
	data[1] = byte(value >> 8)
	data[2] = byte(value)
}

func getUint32(data []byte) uint32 {
	return binary.BigEndian.Uint32(data)
}

func putUint32(data []byte, value uint32) {
	binary.BigEndian.PutUint32(data, value)
}

func getUint16(data []byte) uint16 {
	return binary.BigEndian.Uint16(data)
}

func putUint16(data []byte, value uint16) {
	binary.BigEndian.PutUint16(data, value)
}

// putLUN packs the low 48 bits of lun big-endian into bytes 8-13.
func putLUN(header []byte, lun uint64) {
	lun &= lunMask
	for i := 0; i < 6; i++ {
		header[8+i] = byte(lun >> (8 * (5 - i)))
	}
	header[14] = 0
	header[15] = 0
}

func getLUN(header []byte) uint64 {
	var lun uint64
	for i := 0; i < 6; i++ {
		lun = lun<<8 | uint64(header[8+i])
	}
	return lun
}

func putISID(header []byte, isid uint64) {
	for i := 0; i < 6; i++ {
		header[8+i] = byte(isid >> (8 * (5 - i)))
	}
}

func getISID(header []byte) uint64 {
	return getLUN(header)
}

func newHeader(opcode Opcode, immediate bool) []byte {
	header := make([]byte, HeaderSize)
	header[0] = byte(opcode)
	if immediate {
		header[0] |= immediateFlag
	}
	return header
}

func setFlag(header []byte, index int, flag byte, set bool) {
	if set {
		header[index] |= flag
	}
}

// decoder collects the first validation failure of a header.
type decoder struct {
	kind   string
	header []byte
	err    error
}

func newDecoder(kind string, header []byte, opcode Opcode) *decoder {
	d := &decoder{kind: kind, header: header}
	if len(header) < HeaderSize {
		d.err = fmt.Errorf("%s: %w", kind, ErrShortHeader)
		return d
	}
	d.equal("opcode", uint64(PeekOpcode(header)), uint64(opcode))
	return d
}

func (d *decoder) fail(field string, got, expect uint64) {
	if d.err == nil {
		d.err = &DecodeError{Kind: d.kind, Field: field, Got: got, Expect: expect}
	}
}

func (d *decoder) equal(field string, got, expect uint64) {
	if got != expect {
		d.fail(field, got, expect)
	}
}

// reserved requires bytes [from, to) to be zero.
func (d *decoder) reserved(from, to int) {
	if d.err != nil {
		return
	}
	for i := from; i < to; i++ {
		if d.header[i] != 0 {
			d.fail(fmt.Sprintf("reserved byte %d", i), uint64(d.header[i]), 0)
			return
		}
	}
}

// reservedBits requires the masked bits of one byte to be zero.
func (d *decoder) reservedBits(index int, mask byte) {
	if d.err != nil {
		return
	}
	if got := d.header[index] & mask; got != 0 {
		d.fail(fmt.Sprintf("reserved bits 0x%02x of byte %d", mask, index), uint64(got), 0)
	}
}

// noImmediate requires bit 6 of byte 0 to be clear (target PDUs).
func (d *decoder) noImmediate() {
	d.reservedBits(0, immediateFlag|0x80)
}

func (d *decoder) noAHS() {
	d.reserved(4, 5)
}

func (d *decoder) noData() {
	d.reserved(5, 8)
}

func (d *decoder) tag(field string, index int, expect uint32) {
	if d.err != nil {
		return
	}
	d.equal(field, uint64(getUint32(d.header[index:])), uint64(expect))
}

func (d *decoder) bit(field string, index int, flag byte) {
	if d.err != nil {
		return
	}
	d.equal(field, uint64(d.header[index]&flag), uint64(flag))
}
