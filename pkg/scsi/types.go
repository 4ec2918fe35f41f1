// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"errors"
	"fmt"
)

type CommandType byte

const (
	TestUnitReady       CommandType = 0x00
	RequestSense        CommandType = 0x03
	Read6               CommandType = 0x08
	Write6              CommandType = 0x0a
	Inquiry             CommandType = 0x12
	ModeSense6          CommandType = 0x1a
	StartStop           CommandType = 0x1b
	ReadCapacity10      CommandType = 0x25
	Read10              CommandType = 0x28
	Write10             CommandType = 0x2a
	Verify10            CommandType = 0x2f
	SynchronizeCache10  CommandType = 0x35
	Unmap               CommandType = 0x42
	LogSense            CommandType = 0x4d
	ModeSense10         CommandType = 0x5a
	PersistentReserveIn CommandType = 0x5e
	Read16              CommandType = 0x88
	Write16             CommandType = 0x8a
	Verify16            CommandType = 0x8f
	SynchronizeCache16  CommandType = 0x91
	WriteSame16         CommandType = 0x93
	ServiceActionIn     CommandType = 0x9e
	ReportLuns          CommandType = 0xa0
)

const ServiceActionReadCapacity16 byte = 0x10

type DataDirection int

const (
	DataNone DataDirection = iota
	DataWrite
	DataRead
	DataBidirection
)

type SCSILuPhyAttribute struct {
	VendorID           string
	ProductID          string
	ProductRev         string
	VersionDescription [16]byte
	// Peripheral device type
	DeviceType SCSIDeviceType
	// Logical Unit online
	Online                                bool
	LogicalBlocksPerPhysicalBlockExponent int // LBPPBE
	// Lowest aligned LBA
	LowestAlignedLBA int
}

const (
	SamStatGood                byte = 0x00
	SamStatCheckCondition      byte = 0x02
	SamStatBusy                byte = 0x08
	SamStatReservationConflict byte = 0x18
)

type SAMStat struct {
	Stat byte
	Err  error
}

var (
	SAMStatGood           = SAMStat{SamStatGood, nil}
	SAMStatCheckCondition = SAMStat{SamStatCheckCondition, errors.New("check condition")}
	SAMStatBusy           = SAMStat{SamStatBusy, errors.New("busy")}
)

type SCSIDeviceType byte

const (
	TypeDisk    SCSIDeviceType = 0x00
	TypeUnknown SCSIDeviceType = 0x1f
)

var operationNames = map[CommandType]string{
	TestUnitReady:       "TestUnitReady",
	RequestSense:        "RequestSense",
	Read6:               "Read6",
	Write6:              "Write6",
	Inquiry:             "Inquiry",
	ModeSense6:          "ModeSense6",
	StartStop:           "StartStop",
	ReadCapacity10:      "ReadCapacity10",
	Read10:              "Read10",
	Write10:             "Write10",
	Verify10:            "Verify10",
	SynchronizeCache10:  "SynchronizeCache10",
	Unmap:               "Unmap",
	LogSense:            "LogSense",
	ModeSense10:         "ModeSense10",
	PersistentReserveIn: "PersistentReserveIn",
	Read16:              "Read16",
	Write16:             "Write16",
	Verify16:            "Verify16",
	SynchronizeCache16:  "SynchronizeCache16",
	WriteSame16:         "WriteSame16",
	ServiceActionIn:     "ServiceActionIn",
	ReportLuns:          "ReportLuns",
}

func (commandType CommandType) String() string {
	if name, ok := operationNames[commandType]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", byte(commandType))
}
