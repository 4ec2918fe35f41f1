// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

const taskFunctionMask = 0x7f

type TaskRequest struct {
	Immediate     bool
	Function      byte
	LUN           uint64
	Tag           uint32
	ReferencedTag uint32
	CmdSN         uint32
	ExpStatSN     uint32
	RefCmdSN      uint32
	ExpDataSN     uint32
}

func (request *TaskRequest) Opcode() Opcode { return OpTaskRequest }

func (request *TaskRequest) Encode() []byte {
	header := newHeader(OpTaskRequest, request.Immediate)
	header[1] = finalFlag | request.Function&taskFunctionMask
	putLUN(header, request.LUN)
	putUint32(header[16:], request.Tag)
	putUint32(header[20:], request.ReferencedTag)
	putUint32(header[24:], request.CmdSN)
	putUint32(header[28:], request.ExpStatSN)
	putUint32(header[32:], request.RefCmdSN)
	putUint32(header[36:], request.ExpDataSN)
	return header
}

func DecodeTaskRequest(header []byte) (*TaskRequest, error) {
	d := newDecoder("Task Management Request", header, OpTaskRequest)
	d.reservedBits(0, 0x80)
	d.bit("final bit", 1, finalFlag)
	d.reserved(2, 5)
	d.noData()
	d.reserved(14, 16)
	d.reserved(40, 48)
	if d.err != nil {
		return nil, d.err
	}
	return &TaskRequest{
		Immediate:     PeekImmediate(header),
		Function:      header[1] & taskFunctionMask,
		LUN:           getLUN(header),
		Tag:           getUint32(header[16:]),
		ReferencedTag: getUint32(header[20:]),
		CmdSN:         getUint32(header[24:]),
		ExpStatSN:     getUint32(header[28:]),
		RefCmdSN:      getUint32(header[32:]),
		ExpDataSN:     getUint32(header[36:]),
	}, nil
}

type TaskResponse struct {
	Response byte
	Tag      uint32
	StatSN   uint32
	ExpCmdSN uint32
	MaxCmdSN uint32
}

func (response *TaskResponse) Opcode() Opcode { return OpTaskResponse }

func (response *TaskResponse) Encode() []byte {
	header := newHeader(OpTaskResponse, false)
	header[1] = finalFlag
	header[2] = response.Response
	putUint32(header[16:], response.Tag)
	putUint32(header[24:], response.StatSN)
	putUint32(header[28:], response.ExpCmdSN)
	putUint32(header[32:], response.MaxCmdSN)
	return header
}

func DecodeTaskResponse(header []byte) (*TaskResponse, error) {
	d := newDecoder("Task Management Response", header, OpTaskResponse)
	d.noImmediate()
	d.bit("final bit", 1, finalFlag)
	d.reservedBits(1, 0x7f)
	d.reserved(3, 16)
	d.reserved(20, 24)
	d.reserved(36, 48)
	if d.err != nil {
		return nil, d.err
	}
	return &TaskResponse{
		Response: header[2],
		Tag:      getUint32(header[16:]),
		StatSN:   getUint32(header[24:]),
		ExpCmdSN: getUint32(header[28:]),
		MaxCmdSN: getUint32(header[32:]),
	}, nil
}
