// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

// Task attributes carried in the low bits of byte 1.
const (
	TaskAttrUntagged     = 0
	TaskAttrSimple       = 1
	TaskAttrOrdered      = 2
	TaskAttrHeadOfQueue  = 3
	TaskAttrACA          = 4
	scsiReadFlag         = 0x40
	scsiWriteFlag        = 0x20
	scsiAttrMask         = 0x07
	scsiCommandReserved  = 0x18
	CDBLength            = 16
	scsiResponseReserved = 0x61
)

// SCSICommand is decoded without copying the CDB: CDB aliases bytes
// 32-47 of the header it was decoded from.
type SCSICommand struct {
	Immediate       bool
	Final           bool
	Read            bool
	Write           bool
	Attr            byte
	AHSLength       byte
	Length          uint32
	LUN             uint64
	Tag             uint32
	ExpectedDataLen uint32
	CmdSN           uint32
	ExpStatSN       uint32
	CDB             []byte
}

func (command *SCSICommand) Opcode() Opcode { return OpSCSICommand }

func (command *SCSICommand) Encode() []byte {
	header := newHeader(OpSCSICommand, command.Immediate)
	setFlag(header, 1, finalFlag, command.Final)
	setFlag(header, 1, scsiReadFlag, command.Read)
	setFlag(header, 1, scsiWriteFlag, command.Write)
	header[1] |= command.Attr & scsiAttrMask
	header[4] = command.AHSLength
	putUint24(header[5:8], command.Length)
	putLUN(header, command.LUN)
	putUint32(header[16:], command.Tag)
	putUint32(header[20:], command.ExpectedDataLen)
	putUint32(header[24:], command.CmdSN)
	putUint32(header[28:], command.ExpStatSN)
	copy(header[32:48], command.CDB)
	return header
}

func DecodeSCSICommand(header []byte) (*SCSICommand, error) {
	d := newDecoder("SCSI Command", header, OpSCSICommand)
	d.reservedBits(0, 0x80)
	d.reservedBits(1, scsiCommandReserved)
	d.reserved(2, 4)
	d.reserved(14, 16)
	if d.err != nil {
		return nil, d.err
	}
	return &SCSICommand{
		Immediate:       PeekImmediate(header),
		Final:           header[1]&finalFlag != 0,
		Read:            header[1]&scsiReadFlag != 0,
		Write:           header[1]&scsiWriteFlag != 0,
		Attr:            header[1] & scsiAttrMask,
		AHSLength:       header[4],
		Length:          getUint24(header[5:8]),
		LUN:             getLUN(header),
		Tag:             getUint32(header[16:]),
		ExpectedDataLen: getUint32(header[20:]),
		CmdSN:           getUint32(header[24:]),
		ExpStatSN:       getUint32(header[28:]),
		CDB:             header[32:48:48],
	}, nil
}

// SCSI Response codes
const (
	ResponseCompleted   = 0x00
	ResponseTargetFault = 0x01
)

const (
	bidiOverflowFlag  = 0x10
	bidiUnderflowFlag = 0x08
	overflowFlag      = 0x04
	underflowFlag     = 0x02
)

type SCSIResponse struct {
	BidiOverflow      bool
	BidiUnderflow     bool
	Overflow          bool
	Underflow         bool
	Response          byte
	Status            byte
	Length            uint32
	Tag               uint32
	SNACKTag          uint32
	StatSN            uint32
	ExpCmdSN          uint32
	MaxCmdSN          uint32
	ExpDataSN         uint32
	BidiResidualCount uint32
	ResidualCount     uint32
}

func (response *SCSIResponse) Opcode() Opcode { return OpSCSIResponse }

func (response *SCSIResponse) Encode() []byte {
	header := newHeader(OpSCSIResponse, false)
	header[1] = finalFlag
	setFlag(header, 1, bidiOverflowFlag, response.BidiOverflow)
	setFlag(header, 1, bidiUnderflowFlag, response.BidiUnderflow)
	setFlag(header, 1, overflowFlag, response.Overflow)
	setFlag(header, 1, underflowFlag, response.Underflow)
	header[2] = response.Response
	header[3] = response.Status
	putUint24(header[5:8], response.Length)
	putUint32(header[16:], response.Tag)
	putUint32(header[20:], response.SNACKTag)
	putUint32(header[24:], response.StatSN)
	putUint32(header[28:], response.ExpCmdSN)
	putUint32(header[32:], response.MaxCmdSN)
	putUint32(header[36:], response.ExpDataSN)
	putUint32(header[40:], response.BidiResidualCount)
	putUint32(header[44:], response.ResidualCount)
	return header
}

func DecodeSCSIResponse(header []byte) (*SCSIResponse, error) {
	d := newDecoder("SCSI Response", header, OpSCSIResponse)
	d.noImmediate()
	d.bit("final bit", 1, finalFlag)
	d.reservedBits(1, scsiResponseReserved)
	d.noAHS()
	d.reserved(8, 16)
	if d.err != nil {
		return nil, d.err
	}
	return &SCSIResponse{
		BidiOverflow:      header[1]&bidiOverflowFlag != 0,
		BidiUnderflow:     header[1]&bidiUnderflowFlag != 0,
		Overflow:          header[1]&overflowFlag != 0,
		Underflow:         header[1]&underflowFlag != 0,
		Response:          header[2],
		Status:            header[3],
		Length:            getUint24(header[5:8]),
		Tag:               getUint32(header[16:]),
		SNACKTag:          getUint32(header[20:]),
		StatSN:            getUint32(header[24:]),
		ExpCmdSN:          getUint32(header[28:]),
		MaxCmdSN:          getUint32(header[32:]),
		ExpDataSN:         getUint32(header[36:]),
		BidiResidualCount: getUint32(header[40:]),
		ResidualCount:     getUint32(header[44:]),
	}, nil
}
