// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
// SCSI primary command processing
package scsi

import (
	"encoding/binary"

	"iscsitarget/pkg/logger"
)

// SPCReportLuns implements REPORT LUNS.
// Each mapped unit is reported as its index in a big-endian 64-bit
// entry after the 8 byte list header.
//
// Reference : SPC4r11
// 6.33 - REPORT LUNS
func SPCReportLuns(command *Command) SAMStat {
	log := logger.GetLogger()
	allocationLength := binary.BigEndian.Uint32(command.CDB[6:10])
	if allocationLength < 16 {
		log.Warn("Invalid allocation length, must be >= 16")
		BuildSenseData(command, IllegalRequest, AscInvalidFieldInCdb)
		return SAMStatCheckCondition
	}
	var logicalUnits []*LogicalUnit
	if command.Target != nil {
		logicalUnits = command.Target.LogicalUnits()
	}
	response := make([]byte, 8, 8+8*len(logicalUnits))
	binary.BigEndian.PutUint32(response, uint32(8*len(logicalUnits)))
	for _, logicalUnit := range logicalUnits {
		response = append(response, MarshalUint64(logicalUnit.Index)...)
	}
	command.setData(response, allocationLength)
	return SAMStatGood
}

// SPCTestUnit implements TEST UNIT READY.
//
// Reference : SPC4r11
// 6.47 - TEST UNIT READY
func SPCTestUnit(device *LogicalUnit, command *Command) SAMStat {
	if device.Attrs.Online {
		return SAMStatGood
	}
	BuildSenseData(command, NotReady, AscBecomingReady)
	return SAMStatCheckCondition
}

type modeSenseRequest struct {
	disableBlockDescriptors bool
	pageCode                byte
	pageControl             byte
	subPageCode             byte
}

func parseModeSense(cdb []byte) modeSenseRequest {
	// first six bits of the third byte
	const pageCodeBitMask = byte(0x3f)
	return modeSenseRequest{
		disableBlockDescriptors: cdb[1]&0x08 != 0,
		pageCode:                cdb[2] & pageCodeBitMask,
		pageControl:             cdb[2] >> 6,
		subPageCode:             cdb[3],
	}
}

// SPCModeSense10 implements MODE SENSE(10) over the unit's mode pages.
//
// Reference : SPC5r19
// 6.15 - MODE SENSE(10)
func SPCModeSense10(device *LogicalUnit, command *Command) SAMStat {
	log := logger.GetLogger()
	request := parseModeSense(command.CDB)
	allocationLength := uint32(binary.BigEndian.Uint16(command.CDB[7:9]))
	if request.pageControl == 3 {
		BuildSenseData(command, IllegalRequest, AscSavingParmsUnsup)
		return SAMStatCheckCondition
	}
	var blockDescriptor []byte
	if !request.disableBlockDescriptors {
		blockDescriptor = device.ModeBlockDescriptor
	}
	modeParameterListData, err := device.ModePages.toBytes(
		request.pageCode, request.subPageCode, request.pageControl)
	if err != nil {
		log.Error(err)
		BuildSenseData(command, IllegalRequest, AscInvalidFieldInCdb)
		return SAMStatCheckCondition
	}
	// MODE DATA LENGTH excludes itself
	modeDataLength := 6 + len(blockDescriptor) + len(modeParameterListData)
	responseData := []byte{
		byte(modeDataLength >> 8), byte(modeDataLength),
		// MEDIUM TYPE
		0x00,
		// DEVICE-SPECIFIC PARAMETER: DPOFUA, not write protected
		0x10,
		// Reserved
		0x00, 0x00,
		// BLOCK DESCRIPTOR LENGTH
		0x00, byte(len(blockDescriptor)),
	}
	responseData = append(responseData, blockDescriptor...)
	responseData = append(responseData, modeParameterListData...)
	command.setData(responseData, allocationLength)
	return SAMStatGood
}

// modeSense6Data is the fixed answer to MODE SENSE(6): a mode parameter
// header followed by one block descriptor with density code 2.
var modeSense6Data = []byte{
	// MODE DATA LENGTH, MEDIUM TYPE, DEVICE-SPECIFIC PARAMETER,
	// BLOCK DESCRIPTOR LENGTH
	0x0b, 0x00, 0x00, 0x08,
	// block descriptor
	0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x02, 0x00,
}

// SPCModeSense6 implements MODE SENSE(6). The answer does not depend on
// the geometry of the unit.
//
// Reference : SPC5r19
// 6.14 - MODE SENSE(6)
func SPCModeSense6(device *LogicalUnit, command *Command) SAMStat {
	if parseModeSense(command.CDB).pageControl == 3 {
		BuildSenseData(command, IllegalRequest, AscSavingParmsUnsup)
		return SAMStatCheckCondition
	}
	data := make([]byte, len(modeSense6Data))
	copy(data, modeSense6Data)
	command.setData(data, uint32(command.CDB[4]))
	return SAMStatGood
}

// SPCRequestSense implements REQUEST SENSE. Sense data is reported with
// the command status, so there is never a pending condition to return.
//
// Reference : SPC4r11
// 6.39 - REQUEST SENSE
func SPCRequestSense(command *Command) SAMStat {
	allocationLength := uint32(command.CDB[4])
	BuildSenseData(command, NoSense, NoAdditionalSense)
	data := command.Sense
	command.Sense = nil
	command.setData(data, allocationLength)
	return SAMStatGood
}
