// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

// Package scsi emulates a direct access block device behind an iSCSI
// target: it decodes CDBs, moves data to and from a backing store and
// reports status and sense data.
package scsi

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// DataTransfer delivers the data-out payload of the command being
// executed. It is provided by the transport.
type DataTransfer interface {
	// ReceiveWriteData returns all data-out bytes of the command.
	ReceiveWriteData() ([]byte, error)
}

type Command struct {
	CDB []byte
	LUN uint64
	// ExpectedLength is the initiator's expected data transfer length.
	ExpectedLength uint32
	Direction      DataDirection
	// TransferLength is the byte count the CDB actually moves.
	TransferLength uint32
	// Data holds the data-in payload once the command completes.
	Data     []byte
	Sense    []byte
	Status   byte
	Transfer DataTransfer

	RelTargetPortID   uint16
	TargetPortGroupID uint16
	Target            *SCSITarget
}

func (command *Command) OperationCode() CommandType {
	return CommandType(command.CDB[0])
}

// setData records the data-in payload cut to the allocation length.
func (command *Command) setData(data []byte, allocationLength uint32) {
	if uint32(len(data)) > allocationLength {
		data = data[:allocationLength]
	}
	command.Data = data
	command.TransferLength = uint32(len(data))
}

func (command *Command) receive() ([]byte, error) {
	if command.Transfer == nil {
		return nil, errors.New("write command without a data-out channel")
	}
	return command.Transfer.ReceiveWriteData()
}

// BuildSenseData fills fixed format sense data for the current error.
func BuildSenseData(command *Command, key byte, asc AdditionalSenseCode) {
	senseBuffer := &bytes.Buffer{}
	additionalLength := byte(0xa)
	// fixed format
	// current, not deferred
	senseBuffer.WriteByte(0x70)
	senseBuffer.WriteByte(0x00)
	senseBuffer.WriteByte(key)
	senseBuffer.Write([]byte{0x00, 0x00, 0x00, 0x00})
	senseBuffer.WriteByte(additionalLength)
	senseBuffer.Write([]byte{0x00, 0x00, 0x00, 0x00})
	senseBuffer.WriteByte(byte(asc >> 8))
	senseBuffer.WriteByte(byte(asc))
	senseBuffer.Write([]byte{0x00, 0x00, 0x00, 0x00})
	command.Sense = senseBuffer.Bytes()
}

// readWriteAddress returns the LBA and block count of a read, write,
// verify or sync command.
func readWriteAddress(cdb []byte) (uint64, uint32) {
	switch CommandType(cdb[0]) {
	case Read6, Write6:
		lba := uint64(cdb[1]&0x1f)<<16 | uint64(cdb[2])<<8 | uint64(cdb[3])
		blocks := uint32(cdb[4])
		if blocks == 0 {
			blocks = 256
		}
		return lba, blocks
	case Read10, Write10, Verify10, SynchronizeCache10:
		return uint64(binary.BigEndian.Uint32(cdb[2:])), uint32(binary.BigEndian.Uint16(cdb[7:]))
	case Read16, Write16, Verify16, WriteSame16, SynchronizeCache16:
		return binary.BigEndian.Uint64(cdb[2:]), binary.BigEndian.Uint32(cdb[10:])
	}
	return 0, 0
}
