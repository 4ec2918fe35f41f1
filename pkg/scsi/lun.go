// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"fmt"
	"sync"

	uuid "github.com/satori/go.uuid"

	"iscsitarget/pkg/logger"
	"iscsitarget/pkg/storage"
)

var ValidBlockLengths = []uint32{512, 1024, 2048, 4096}

type LogicalUnit struct {
	Index               uint64
	BlockLength         uint32
	BlockCount          uint64
	Store               BackingStore
	Attrs               SCSILuPhyAttribute
	ModePages           ModePages
	ModeBlockDescriptor []byte

	uuidOnce sync.Once
	uuid     uuid.UUID
}

type LunRepresentation struct {
	Index          uint64
	BlockLength    uint32
	BlockCount     uint64
	Backend        storage.Kind
	Path           string
	AllocatedBytes int64 `json:",omitempty"`
}

func NewLogicalUnit(index uint64, blockLength uint32, store BackingStore) (*LogicalUnit, error) {
	valid := false
	for _, length := range ValidBlockLengths {
		valid = valid || length == blockLength
	}
	if !valid {
		return nil, fmt.Errorf("unsupported block length %d", blockLength)
	}
	blockCount := uint64(store.Size()) / uint64(blockLength)
	if blockCount == 0 {
		return nil, fmt.Errorf("store %s is smaller than one block", store.Path())
	}
	logicalUnit := &LogicalUnit{
		Index:       index,
		BlockLength: blockLength,
		BlockCount:  blockCount,
		Store:       store,
	}
	logicalUnit.init()
	return logicalUnit, nil
}

func (logicalUnit *LogicalUnit) init() {
	logicalUnit.Attrs.DeviceType = TypeDisk
	logicalUnit.Attrs.Online = true
	logicalUnit.Attrs.VendorID = "NX"
	logicalUnit.Attrs.ProductID = "ISCSI-DISK"
	logicalUnit.Attrs.ProductRev = "0.1"
	logicalUnit.Attrs.VersionDescription = [16]byte{
		0x03, 0x20, // SBC-2 no version claimed
		0x09, 0x60, // iSCSI no version claimed
		0x03, 0x00, // SPC-3 no version claimed
		0x00, 0x60, // SAM-3 no version claimed
	}
	logicalUnit.ModePages = ModePages{
		// Caching: WCE set, writes are synced on FUA or SYNCHRONIZE CACHE
		{0x08, 0, []byte{0x14, 0, 0xff, 0xff, 0, 0, 0xff, 0xff, 0xff, 0xff, 0x80, 0x14, 0, 0, 0, 0, 0, 0}},
		// Control
		{0x0a, 0, []byte{2, 0x10, 0, 0, 0, 0, 0, 0, 2, 0}},
		// Informational exceptions control
		{0x1c, 0, []byte{8, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
	}
	mbd := MarshalUint32(uint32(0xffffffff))
	if logicalUnit.BlockCount>>32 == 0 {
		mbd = MarshalUint32(uint32(logicalUnit.BlockCount))
	}
	logicalUnit.ModeBlockDescriptor = append(mbd, MarshalUint32(logicalUnit.BlockLength)...)
}

func (logicalUnit *LogicalUnit) Size() uint64 {
	return logicalUnit.BlockCount * uint64(logicalUnit.BlockLength)
}

// UUID identifies the unit in VPD pages. It is created on first use.
func (logicalUnit *LogicalUnit) UUID() uuid.UUID {
	logicalUnit.uuidOnce.Do(func() {
		logicalUnit.uuid = uuid.NewV4()
	})
	return logicalUnit.uuid
}

func (logicalUnit *LogicalUnit) Representation() LunRepresentation {
	representation := LunRepresentation{
		Index:       logicalUnit.Index,
		BlockLength: logicalUnit.BlockLength,
		BlockCount:  logicalUnit.BlockCount,
		Backend:     logicalUnit.Store.Kind(),
		Path:        logicalUnit.Store.Path(),
	}
	if extent, ok := logicalUnit.Store.Device().(*storage.Extent); ok {
		allocated, err := extent.Allocated()
		if err != nil {
			logger.GetLogger().Debugf("cannot count allocated blocks of %s: %s", extent.Path(), err)
		} else {
			representation.AllocatedBytes = allocated
		}
	}
	return representation
}

func (logicalUnit *LogicalUnit) writeCacheEnabled() bool {
	if page := logicalUnit.ModePages.findPage(0x08, 0); page != nil {
		return page.Data[0]&0x04 != 0
	}
	return false
}

func (logicalUnit *LogicalUnit) PerformCommand(command *Command) (SAMStat, error) {
	switch command.OperationCode() {
	case TestUnitReady:
		return SPCTestUnit(logicalUnit, command), nil
	case RequestSense:
		return SPCRequestSense(command), nil
	case Inquiry:
		return SPCInquiry(logicalUnit, command), nil
	case ModeSense6:
		return SPCModeSense6(logicalUnit, command), nil
	case ModeSense10:
		return SPCModeSense10(logicalUnit, command), nil
	case StartStop, Verify10, Verify16, LogSense, PersistentReserveIn:
		return SAMStatGood, nil
	case ReadCapacity10:
		return SBCReadCapacity(logicalUnit, command), nil
	case ServiceActionIn:
		if command.CDB[1]&0x1f == ServiceActionReadCapacity16 {
			return SBCReadCapacity16(logicalUnit, command), nil
		}
		BuildSenseData(command, IllegalRequest, AscInvalidFieldInCdb)
		return SAMStatCheckCondition, nil
	case Read6, Read10, Read16:
		return SBCRead(logicalUnit, command)
	case Write6, Write10, Write16:
		return SBCWrite(logicalUnit, command)
	case WriteSame16:
		return SBCWriteSame16(logicalUnit, command)
	case SynchronizeCache10, SynchronizeCache16:
		return SBCSyncCache(logicalUnit, command), nil
	case Unmap:
		return SBCUnmap(logicalUnit, command)
	case ReportLuns:
		return SPCReportLuns(command), nil
	}
	logger.GetLogger().Infof("unsupported SCSI opcode %s", command.OperationCode())
	BuildSenseData(command, IllegalRequest, AscInvalidOpCode)
	return SAMStatCheckCondition, nil
}
