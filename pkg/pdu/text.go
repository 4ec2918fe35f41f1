// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

type TextRequest struct {
	Immediate   bool
	Final       bool
	Continue    bool
	Length      uint32
	LUN         uint64
	Tag         uint32
	TransferTag uint32
	CmdSN       uint32
	ExpStatSN   uint32
}

func (request *TextRequest) Opcode() Opcode { return OpTextRequest }

func (request *TextRequest) Encode() []byte {
	header := newHeader(OpTextRequest, request.Immediate)
	setFlag(header, 1, finalFlag, request.Final)
	setFlag(header, 1, continueFlag, request.Continue)
	putUint24(header[5:8], request.Length)
	putLUN(header, request.LUN)
	putUint32(header[16:], request.Tag)
	putUint32(header[20:], request.TransferTag)
	putUint32(header[24:], request.CmdSN)
	putUint32(header[28:], request.ExpStatSN)
	return header
}

func DecodeTextRequest(header []byte) (*TextRequest, error) {
	d := newDecoder("Text Request", header, OpTextRequest)
	d.reservedBits(0, 0x80)
	d.reservedBits(1, 0x3f)
	d.reserved(2, 5)
	d.reserved(14, 16)
	d.reserved(32, 48)
	if d.err != nil {
		return nil, d.err
	}
	return &TextRequest{
		Immediate:   PeekImmediate(header),
		Final:       header[1]&finalFlag != 0,
		Continue:    header[1]&continueFlag != 0,
		Length:      getUint24(header[5:8]),
		LUN:         getLUN(header),
		Tag:         getUint32(header[16:]),
		TransferTag: getUint32(header[20:]),
		CmdSN:       getUint32(header[24:]),
		ExpStatSN:   getUint32(header[28:]),
	}, nil
}

type TextResponse struct {
	Final       bool
	Continue    bool
	Length      uint32
	LUN         uint64
	Tag         uint32
	TransferTag uint32
	StatSN      uint32
	ExpCmdSN    uint32
	MaxCmdSN    uint32
}

func (response *TextResponse) Opcode() Opcode { return OpTextResponse }

func (response *TextResponse) Encode() []byte {
	header := newHeader(OpTextResponse, false)
	setFlag(header, 1, finalFlag, response.Final)
	setFlag(header, 1, continueFlag, response.Continue)
	putUint24(header[5:8], response.Length)
	putLUN(header, response.LUN)
	putUint32(header[16:], response.Tag)
	putUint32(header[20:], response.TransferTag)
	putUint32(header[24:], response.StatSN)
	putUint32(header[28:], response.ExpCmdSN)
	putUint32(header[32:], response.MaxCmdSN)
	return header
}

func DecodeTextResponse(header []byte) (*TextResponse, error) {
	d := newDecoder("Text Response", header, OpTextResponse)
	d.noImmediate()
	d.reservedBits(1, 0x3f)
	d.reserved(2, 5)
	d.reserved(14, 16)
	d.reserved(36, 48)
	if d.err != nil {
		return nil, d.err
	}
	return &TextResponse{
		Final:       header[1]&finalFlag != 0,
		Continue:    header[1]&continueFlag != 0,
		Length:      getUint24(header[5:8]),
		LUN:         getLUN(header),
		Tag:         getUint32(header[16:]),
		TransferTag: getUint32(header[20:]),
		StatSN:      getUint32(header[24:]),
		ExpCmdSN:    getUint32(header[28:]),
		MaxCmdSN:    getUint32(header[32:]),
	}, nil
}
