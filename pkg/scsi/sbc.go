// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
// SCSI block command processing
package scsi

import (
	"encoding/binary"
	"errors"
	"fmt"

	"iscsitarget/pkg/logger"
)

const (
	forceUnitAccessBitMask = byte(0x08)
	protectBitMask         = byte(0xe0)
)

// MaxReadLength bounds the data-in buffer of a single read.
const MaxReadLength = 1 << 24

func validateOffsetLength(transferLength, logicalBlockAddress, deviceSizeInBlocks uint64) bool {
	log := logger.GetLogger()
	if transferLength != 0 {
		// check for uint64 overflow of the end of the area
		logicalBlockAddressOverflow := logicalBlockAddress+transferLength < logicalBlockAddress
		if logicalBlockAddressOverflow || logicalBlockAddress+transferLength > deviceSizeInBlocks {
			log.Warnf(
				"sense data(ILLEGAL_REQUEST,ASC_LBA_OUT_OF_RANGE)"+
					" encounter: logicalBlockAddress: %d, tl: %d, size: %d",
				logicalBlockAddress,
				transferLength,
				deviceSizeInBlocks,
			)
			return false
		}
	} else if logicalBlockAddress > deviceSizeInBlocks {
		log.Warnf(
			"sense data(ILLEGAL_REQUEST,ASC_LBA_OUT_OF_RANGE)"+
				" encounter: logicalBlockAddress: %d, size: %d",
			logicalBlockAddress,
			deviceSizeInBlocks,
		)
		return false
	}
	return true
}

// checkAddress decodes the LBA and block count of command and checks
// them against the unit. On failure the sense data is already set.
func checkAddress(device *LogicalUnit, command *Command) (offset int64, length int64, ok bool) {
	if CommandType(command.CDB[0]) != Read6 && CommandType(command.CDB[0]) != Write6 &&
		command.CDB[1]&protectBitMask != 0 {
		BuildSenseData(command, IllegalRequest, AscInvalidFieldInCdb)
		return 0, 0, false
	}
	logicalBlockAddress, blocks := readWriteAddress(command.CDB)
	if !validateOffsetLength(uint64(blocks), logicalBlockAddress, device.BlockCount) {
		BuildSenseData(command, IllegalRequest, AscLbaOutOfRange)
		return 0, 0, false
	}
	blockLength := int64(device.BlockLength)
	return int64(logicalBlockAddress) * blockLength, int64(blocks) * blockLength, true
}

// storageFailure turns a store error into CHECK CONDITION, or into a
// connection error when the transfer can never be served.
func storageFailure(command *Command, asc AdditionalSenseCode, err error) (SAMStat, error) {
	if errors.Is(err, ErrTransferTooLarge) {
		return SAMStatCheckCondition, err
	}
	logger.GetLogger().Errorf("%s failed: %s", command.OperationCode(), err)
	BuildSenseData(command, MediumError, asc)
	return SAMStat{SamStatCheckCondition, &CommandError{MediumError, asc, err}}, nil
}

// SBCRead implements READ(6), READ(10) and READ(16).
func SBCRead(device *LogicalUnit, command *Command) (SAMStat, error) {
	offset, length, ok := checkAddress(device, command)
	if !ok {
		return SAMStatCheckCondition, nil
	}
	if length > MaxReadLength {
		BuildSenseData(command, IllegalRequest, AscInvalidFieldInCdb)
		return SAMStatCheckCondition, nil
	}
	data := make([]byte, length)
	if err := device.Store.ReadAt(data, offset); err != nil {
		return storageFailure(command, AscReadError, err)
	}
	command.Data = data
	command.TransferLength = uint32(length)
	return SAMStatGood, nil
}

// SBCWrite implements WRITE(6), WRITE(10) and WRITE(16). The data-out
// payload is collected from the transport before it is stored.
func SBCWrite(device *LogicalUnit, command *Command) (SAMStat, error) {
	offset, length, ok := checkAddress(device, command)
	if !ok {
		return SAMStatCheckCondition, nil
	}
	command.TransferLength = uint32(length)
	if length == 0 {
		return SAMStatGood, nil
	}
	data, err := command.receive()
	if err != nil {
		return SAMStatCheckCondition, err
	}
	if int64(len(data)) < length {
		// the initiator sent less than the CDB asks for, store whole blocks
		logger.GetLogger().Warnf(
			"%s: %d bytes of data for %d byte write", command.OperationCode(), len(data), length)
		length = int64(len(data)) / int64(device.BlockLength) * int64(device.BlockLength)
	}
	if err := device.Store.WriteAt(data[:length], offset); err != nil {
		return storageFailure(command, AscWriteError, err)
	}
	forceUnitAccess := CommandType(command.CDB[0]) != Write6 && command.CDB[1]&forceUnitAccessBitMask != 0
	if forceUnitAccess || !device.writeCacheEnabled() {
		if err := device.Store.Sync(offset, length); err != nil {
			return storageFailure(command, AscWriteError, err)
		}
	}
	return SAMStatGood, nil
}

// SBCWriteSame16 implements WRITE SAME(16). With the UNMAP bit the
// range is discarded, otherwise the single data-out block is repeated.
func SBCWriteSame16(device *LogicalUnit, command *Command) (SAMStat, error) {
	const (
		anchorBitMask = byte(0x10)
		unmapBitMask  = byte(0x08)
		lbDataBitMask = byte(0x04)
		pbDataBitMask = byte(0x02)
	)
	if command.CDB[1]&(anchorBitMask|lbDataBitMask|pbDataBitMask) != 0 {
		BuildSenseData(command, IllegalRequest, AscInvalidFieldInCdb)
		return SAMStatCheckCondition, nil
	}
	offset, length, ok := checkAddress(device, command)
	if !ok {
		return SAMStatCheckCondition, nil
	}
	blockLength := int64(device.BlockLength)
	if length == 0 {
		// zero blocks means up to the end of the medium
		length = int64(device.Size()) - offset
	}
	data, err := command.receive()
	if err != nil {
		return SAMStatCheckCondition, err
	}
	if int64(len(data)) < blockLength {
		BuildSenseData(command, IllegalRequest, AscParameterListLength)
		return SAMStatCheckCondition, nil
	}
	command.TransferLength = uint32(blockLength)
	if command.CDB[1]&unmapBitMask != 0 {
		if err := device.Store.Discard(offset, length); err != nil {
			return storageFailure(command, AscWriteError, err)
		}
		return SAMStatGood, nil
	}
	chunk := make([]byte, 0, MaxStagedTransfer)
	for int64(len(chunk))+blockLength <= MaxStagedTransfer && int64(len(chunk)) < length {
		chunk = append(chunk, data[:blockLength]...)
	}
	for written := int64(0); written < length; {
		part := chunk
		if remaining := length - written; remaining < int64(len(part)) {
			part = part[:remaining]
		}
		if err := device.Store.WriteAt(part, offset+written); err != nil {
			return storageFailure(command, AscWriteError, err)
		}
		written += int64(len(part))
	}
	return SAMStatGood, nil
}

const unmapBlockDescriptorLength = 16

// SBCUnmap implements UNMAP by discarding every described range.
//
// Reference : SBC3r35
// 5.28 - UNMAP
func SBCUnmap(device *LogicalUnit, command *Command) (SAMStat, error) {
	parameterListLength := binary.BigEndian.Uint16(command.CDB[7:9])
	if parameterListLength == 0 {
		return SAMStatGood, nil
	}
	data, err := command.receive()
	if err != nil {
		return SAMStatCheckCondition, err
	}
	if len(data) < 8 || len(data) < int(parameterListLength) {
		BuildSenseData(command, IllegalRequest, AscParameterListLength)
		return SAMStatCheckCondition, nil
	}
	descriptorsLength := int(binary.BigEndian.Uint16(data[2:4]))
	if 8+descriptorsLength > len(data) || descriptorsLength%unmapBlockDescriptorLength != 0 {
		BuildSenseData(command, IllegalRequest, AscParameterListLength)
		return SAMStatCheckCondition, nil
	}
	blockLength := int64(device.BlockLength)
	for position := 8; position < 8+descriptorsLength; position += unmapBlockDescriptorLength {
		descriptor := data[position : position+unmapBlockDescriptorLength]
		logicalBlockAddress := binary.BigEndian.Uint64(descriptor)
		blocks := uint64(binary.BigEndian.Uint32(descriptor[8:]))
		if blocks == 0 {
			continue
		}
		if !validateOffsetLength(blocks, logicalBlockAddress, device.BlockCount) {
			BuildSenseData(command, IllegalRequest, AscLbaOutOfRange)
			return SAMStatCheckCondition, nil
		}
		err := device.Store.Discard(int64(logicalBlockAddress)*blockLength, int64(blocks)*blockLength)
		if err != nil {
			return storageFailure(command, AscWriteError, err)
		}
	}
	return SAMStatGood, nil
}

// SBCReadCapacity implements READ CAPACITY(10): the last LBA and the
// block length, both big-endian 32-bit.
//
// Reference : SBC2r16
// 5.10 - READ CAPACITY(10)
func SBCReadCapacity(device *LogicalUnit, command *Command) SAMStat {
	// without PMI the LBA field must be zero
	if command.CDB[8]&0x1 == 0 && binary.BigEndian.Uint32(command.CDB[2:6]) != 0 {
		BuildSenseData(command, IllegalRequest, AscInvalidFieldInCdb)
		return SAMStatCheckCondition
	}
	lastLogicalBlock := uint32(0xffffffff)
	if (device.BlockCount-1)>>32 == 0 {
		lastLogicalBlock = uint32(device.BlockCount - 1)
	}
	data := append(MarshalUint32(lastLogicalBlock), MarshalUint32(device.BlockLength)...)
	command.setData(data, 8)
	return SAMStatGood
}

// SBCReadCapacity16 implements READ CAPACITY(16).
//
// Reference : SBC3r35
// 5.16 - READ CAPACITY(16)
func SBCReadCapacity16(device *LogicalUnit, command *Command) SAMStat {
	const (
		logicalBlockProvisioningEnabled = byte(0x80)
		logicalBlockProvisioningZeroes  = byte(0x40)
	)
	allocationLength := binary.BigEndian.Uint32(command.CDB[10:14])
	data := make([]byte, 32)
	binary.BigEndian.PutUint64(data, device.BlockCount-1)
	binary.BigEndian.PutUint32(data[8:], device.BlockLength)
	data[13] = byte(device.Attrs.LogicalBlocksPerPhysicalBlockExponent & 0x0f)
	binary.BigEndian.PutUint16(data[14:], uint16(device.Attrs.LowestAlignedLBA&0x3fff))
	// discarded blocks read back as zeroes on every store
	data[14] |= logicalBlockProvisioningEnabled | logicalBlockProvisioningZeroes
	command.setData(data, allocationLength)
	return SAMStatGood
}

// SBCSyncCache implements SYNCHRONIZE CACHE(10) and (16) by flushing
// the addressed byte range of the store. A zero block count flushes to
// the end of the medium.
//
// Reference : SBC2r16
// 5.18 - SYNCHRONIZE CACHE (10)
func SBCSyncCache(device *LogicalUnit, command *Command) SAMStat {
	logicalBlockAddress, blocks := readWriteAddress(command.CDB)
	if !validateOffsetLength(uint64(blocks), logicalBlockAddress, device.BlockCount) {
		BuildSenseData(command, IllegalRequest, AscLbaOutOfRange)
		return SAMStatCheckCondition
	}
	offset := int64(logicalBlockAddress) * int64(device.BlockLength)
	length := int64(blocks) * int64(device.BlockLength)
	if blocks == 0 {
		length = int64(device.Size()) - offset
	}
	if err := device.Store.Sync(offset, length); err != nil {
		BuildSenseData(command, MediumError, AscWriteError)
		return SAMStat{SamStatCheckCondition, fmt.Errorf("sync of %s: %w", device.Store.Path(), err)}
	}
	return SAMStatGood
}
