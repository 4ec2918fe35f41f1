// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

// Logout reasons
const (
	LogoutCloseSession    = 0
	LogoutCloseConnection = 1
	LogoutRemoveRecovery  = 2
)

// Logout responses
const (
	LogoutSuccess       = 0
	LogoutCIDNotFound   = 1
	LogoutNoRecovery    = 2
	LogoutCleanupFailed = 3
	logoutReasonMask    = 0x7f
)

type LogoutRequest struct {
	Immediate bool
	Reason    byte
	Tag       uint32
	CID       uint16
	CmdSN     uint32
	ExpStatSN uint32
}

func (request *LogoutRequest) Opcode() Opcode { return OpLogoutRequest }

func (request *LogoutRequest) Encode() []byte {
	header := newHeader(OpLogoutRequest, request.Immediate)
	header[1] = finalFlag | request.Reason&logoutReasonMask
	putUint32(header[16:], request.Tag)
	putUint16(header[20:], request.CID)
	putUint32(header[24:], request.CmdSN)
	putUint32(header[28:], request.ExpStatSN)
	return header
}

func DecodeLogoutRequest(header []byte) (*LogoutRequest, error) {
	d := newDecoder("Logout Request", header, OpLogoutRequest)
	d.reservedBits(0, 0x80)
	d.bit("final bit", 1, finalFlag)
	d.reserved(2, 5)
	d.noData()
	d.reserved(8, 16)
	d.reserved(22, 24)
	d.reserved(32, 48)
	if d.err != nil {
		return nil, d.err
	}
	return &LogoutRequest{
		Immediate: PeekImmediate(header),
		Reason:    header[1] & logoutReasonMask,
		Tag:       getUint32(header[16:]),
		CID:       getUint16(header[20:]),
		CmdSN:     getUint32(header[24:]),
		ExpStatSN: getUint32(header[28:]),
	}, nil
}

type LogoutResponse struct {
	Response    byte
	Tag         uint32
	StatSN      uint32
	ExpCmdSN    uint32
	MaxCmdSN    uint32
	Time2Wait   uint16
	Time2Retain uint16
}

func (response *LogoutResponse) Opcode() Opcode { return OpLogoutResponse }

func (response *LogoutResponse) Encode() []byte {
	header := newHeader(OpLogoutResponse, false)
	header[1] = finalFlag
	header[2] = response.Response
	putUint32(header[16:], response.Tag)
	putUint32(header[24:], response.StatSN)
	putUint32(header[28:], response.ExpCmdSN)
	putUint32(header[32:], response.MaxCmdSN)
	putUint16(header[40:], response.Time2Wait)
	putUint16(header[42:], response.Time2Retain)
	return header
}

func DecodeLogoutResponse(header []byte) (*LogoutResponse, error) {
	d := newDecoder("Logout Response", header, OpLogoutResponse)
	d.noImmediate()
	d.bit("final bit", 1, finalFlag)
	d.reservedBits(1, 0x7f)
	d.reserved(3, 16)
	d.reserved(20, 24)
	d.reserved(36, 40)
	d.reserved(44, 48)
	if d.err != nil {
		return nil, d.err
	}
	return &LogoutResponse{
		Response:    header[2],
		Tag:         getUint32(header[16:]),
		StatSN:      getUint32(header[24:]),
		ExpCmdSN:    getUint32(header[28:]),
		MaxCmdSN:    getUint32(header[32:]),
		Time2Wait:   getUint16(header[40:]),
		Time2Retain: getUint16(header[42:]),
	}, nil
}
