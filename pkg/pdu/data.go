// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

// DataOut carries write data from the initiator.
type DataOut struct {
	Final        bool
	Length       uint32
	LUN          uint64
	Tag          uint32
	TransferTag  uint32
	ExpStatSN    uint32
	DataSN       uint32
	BufferOffset uint32
}

func (data *DataOut) Opcode() Opcode { return OpDataOut }

func (data *DataOut) Encode() []byte {
	header := newHeader(OpDataOut, false)
	setFlag(header, 1, finalFlag, data.Final)
	putUint24(header[5:8], data.Length)
	putLUN(header, data.LUN)
	putUint32(header[16:], data.Tag)
	putUint32(header[20:], data.TransferTag)
	putUint32(header[28:], data.ExpStatSN)
	putUint32(header[36:], data.DataSN)
	putUint32(header[40:], data.BufferOffset)
	return header
}

func DecodeDataOut(header []byte) (*DataOut, error) {
	d := newDecoder("SCSI Data-Out", header, OpDataOut)
	d.noImmediate()
	d.reservedBits(1, 0x7f)
	d.reserved(2, 5)
	d.reserved(14, 16)
	d.reserved(24, 28)
	d.reserved(32, 36)
	d.reserved(44, 48)
	if d.err != nil {
		return nil, d.err
	}
	return &DataOut{
		Final:        header[1]&finalFlag != 0,
		Length:       getUint24(header[5:8]),
		LUN:          getLUN(header),
		Tag:          getUint32(header[16:]),
		TransferTag:  getUint32(header[20:]),
		ExpStatSN:    getUint32(header[28:]),
		DataSN:       getUint32(header[36:]),
		BufferOffset: getUint32(header[40:]),
	}, nil
}

const (
	acknowledgeFlag = 0x40
	statusFlag      = 0x01
	dataInReserved  = 0x38
)

// DataIn carries read data to the initiator. With HasStatus set the
// PDU also completes the command (phase collapse).
type DataIn struct {
	Final         bool
	Acknowledge   bool
	Overflow      bool
	Underflow     bool
	HasStatus     bool
	Status        byte
	Length        uint32
	LUN           uint64
	Tag           uint32
	TransferTag   uint32
	StatSN        uint32
	ExpCmdSN      uint32
	MaxCmdSN      uint32
	DataSN        uint32
	BufferOffset  uint32
	ResidualCount uint32
}

func (data *DataIn) Opcode() Opcode { return OpDataIn }

func (data *DataIn) Encode() []byte {
	header := newHeader(OpDataIn, false)
	setFlag(header, 1, finalFlag, data.Final)
	setFlag(header, 1, acknowledgeFlag, data.Acknowledge)
	setFlag(header, 1, overflowFlag, data.Overflow)
	setFlag(header, 1, underflowFlag, data.Underflow)
	setFlag(header, 1, statusFlag, data.HasStatus)
	header[3] = data.Status
	putUint24(header[5:8], data.Length)
	putLUN(header, data.LUN)
	putUint32(header[16:], data.Tag)
	putUint32(header[20:], data.TransferTag)
	putUint32(header[24:], data.StatSN)
	putUint32(header[28:], data.ExpCmdSN)
	putUint32(header[32:], data.MaxCmdSN)
	putUint32(header[36:], data.DataSN)
	putUint32(header[40:], data.BufferOffset)
	putUint32(header[44:], data.ResidualCount)
	return header
}

func DecodeDataIn(header []byte) (*DataIn, error) {
	d := newDecoder("SCSI Data-In", header, OpDataIn)
	d.noImmediate()
	d.reservedBits(1, dataInReserved)
	d.reserved(2, 3)
	d.noAHS()
	d.reserved(14, 16)
	if d.err != nil {
		return nil, d.err
	}
	return &DataIn{
		Final:         header[1]&finalFlag != 0,
		Acknowledge:   header[1]&acknowledgeFlag != 0,
		Overflow:      header[1]&overflowFlag != 0,
		Underflow:     header[1]&underflowFlag != 0,
		HasStatus:     header[1]&statusFlag != 0,
		Status:        header[3],
		Length:        getUint24(header[5:8]),
		LUN:           getLUN(header),
		Tag:           getUint32(header[16:]),
		TransferTag:   getUint32(header[20:]),
		StatSN:        getUint32(header[24:]),
		ExpCmdSN:      getUint32(header[28:]),
		MaxCmdSN:      getUint32(header[32:]),
		DataSN:        getUint32(header[36:]),
		BufferOffset:  getUint32(header[40:]),
		ResidualCount: getUint32(header[44:]),
	}, nil
}

type R2T struct {
	LUN           uint64
	Tag           uint32
	TransferTag   uint32
	StatSN        uint32
	ExpCmdSN      uint32
	MaxCmdSN      uint32
	R2TSN         uint32
	BufferOffset  uint32
	DesiredLength uint32
}

func (r2t *R2T) Opcode() Opcode { return OpR2T }

func (r2t *R2T) Encode() []byte {
	header := newHeader(OpR2T, false)
	header[1] = finalFlag
	putLUN(header, r2t.LUN)
	putUint32(header[16:], r2t.Tag)
	putUint32(header[20:], r2t.TransferTag)
	putUint32(header[24:], r2t.StatSN)
	putUint32(header[28:], r2t.ExpCmdSN)
	putUint32(header[32:], r2t.MaxCmdSN)
	putUint32(header[36:], r2t.R2TSN)
	putUint32(header[40:], r2t.BufferOffset)
	putUint32(header[44:], r2t.DesiredLength)
	return header
}

func DecodeR2T(header []byte) (*R2T, error) {
	d := newDecoder("Ready To Transfer", header, OpR2T)
	d.noImmediate()
	d.bit("final bit", 1, finalFlag)
	d.reservedBits(1, 0x7f)
	d.reserved(2, 8)
	d.reserved(14, 16)
	if d.err != nil {
		return nil, d.err
	}
	return &R2T{
		LUN:           getLUN(header),
		Tag:           getUint32(header[16:]),
		TransferTag:   getUint32(header[20:]),
		StatSN:        getUint32(header[24:]),
		ExpCmdSN:      getUint32(header[28:]),
		MaxCmdSN:      getUint32(header[32:]),
		R2TSN:         getUint32(header[36:]),
		BufferOffset:  getUint32(header[40:]),
		DesiredLength: getUint32(header[44:]),
	}, nil
}
