// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

type Stage byte

const (
	StageSecurityNegotiation    Stage = 0
	StageOperationalNegotiation Stage = 1
	StageFullFeature            Stage = 3
)

func (stage Stage) String() string {
	switch stage {
	case StageSecurityNegotiation:
		return "SecurityNegotiation"
	case StageOperationalNegotiation:
		return "LoginOperationalNegotiation"
	case StageFullFeature:
		return "FullFeaturePhase"
	}
	return "Unknown Stage"
}

func validStage(stage Stage) bool {
	return stage == StageSecurityNegotiation ||
		stage == StageOperationalNegotiation ||
		stage == StageFullFeature
}

const (
	transitFlag   = 0x80
	continueFlag  = 0x40
	loginReserved = 0x30
	csgMask       = 0x0c
	nsgMask       = 0x03
)

// Login status classes and details
const (
	LoginStatusSuccess     = 0x00
	LoginStatusRedirect    = 0x01
	LoginStatusInitiator   = 0x02
	LoginStatusTarget      = 0x03
	LoginDetailNone        = 0x00
	LoginDetailAuthFailure = 0x01
	LoginDetailAuthorize   = 0x02
	LoginDetailNotFound    = 0x03
	LoginDetailVersion     = 0x05
	LoginDetailMissing     = 0x07
	LoginDetailNoSession   = 0x0a
	LoginDetailInvalid     = 0x0b
	LoginDetailTargetError = 0x00
	LoginDetailNoResources = 0x02
)

type LoginRequest struct {
	Transit    bool
	Continue   bool
	CSG        Stage
	NSG        Stage
	VersionMax byte
	VersionMin byte
	Length     uint32
	ISID       uint64
	TSIH       uint16
	Tag        uint32
	CID        uint16
	CmdSN      uint32
	ExpStatSN  uint32
}

func (request *LoginRequest) Opcode() Opcode { return OpLoginRequest }

func (request *LoginRequest) Encode() []byte {
	header := newHeader(OpLoginRequest, true)
	setFlag(header, 1, transitFlag, request.Transit)
	setFlag(header, 1, continueFlag, request.Continue)
	header[1] |= byte(request.CSG)<<2&csgMask | byte(request.NSG)&nsgMask
	header[2] = request.VersionMax
	header[3] = request.VersionMin
	putUint24(header[5:8], request.Length)
	putISID(header, request.ISID)
	putUint16(header[14:], request.TSIH)
	putUint32(header[16:], request.Tag)
	putUint16(header[20:], request.CID)
	putUint32(header[24:], request.CmdSN)
	putUint32(header[28:], request.ExpStatSN)
	return header
}

// DecodeLoginRequest also enforces the stage transition rule: with
// transit set, NSG must be a legal stage beyond CSG.
func DecodeLoginRequest(header []byte) (*LoginRequest, error) {
	d := newDecoder("Login Request", header, OpLoginRequest)
	d.reservedBits(0, 0x80)
	d.reservedBits(1, loginReserved)
	d.noAHS()
	d.reserved(22, 24)
	d.reserved(32, 48)
	if d.err != nil {
		return nil, d.err
	}
	request := &LoginRequest{
		Transit:    header[1]&transitFlag != 0,
		Continue:   header[1]&continueFlag != 0,
		CSG:        Stage(header[1] & csgMask >> 2),
		NSG:        Stage(header[1] & nsgMask),
		VersionMax: header[2],
		VersionMin: header[3],
		Length:     getUint24(header[5:8]),
		ISID:       getISID(header),
		TSIH:       getUint16(header[14:]),
		Tag:        getUint32(header[16:]),
		CID:        getUint16(header[20:]),
		CmdSN:      getUint32(header[24:]),
		ExpStatSN:  getUint32(header[28:]),
	}
	if !validStage(request.CSG) {
		d.fail("current stage", uint64(request.CSG), uint64(StageOperationalNegotiation))
	}
	if request.Transit {
		if request.Continue {
			d.fail("continue bit with transit", 1, 0)
		}
		if !validStage(request.NSG) {
			d.fail("next stage", uint64(request.NSG), uint64(StageFullFeature))
		}
		if request.NSG <= request.CSG {
			d.fail("next stage", uint64(request.NSG), uint64(request.CSG)+1)
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return request, nil
}

type LoginResponse struct {
	Transit       bool
	Continue      bool
	CSG           Stage
	NSG           Stage
	VersionMax    byte
	VersionActive byte
	Length        uint32
	ISID          uint64
	TSIH          uint16
	Tag           uint32
	StatSN        uint32
	ExpCmdSN      uint32
	MaxCmdSN      uint32
	StatusClass   byte
	StatusDetail  byte
}

func (response *LoginResponse) Opcode() Opcode { return OpLoginResponse }

func (response *LoginResponse) Encode() []byte {
	header := newHeader(OpLoginResponse, false)
	setFlag(header, 1, transitFlag, response.Transit)
	setFlag(header, 1, continueFlag, response.Continue)
	header[1] |= byte(response.CSG)<<2&csgMask | byte(response.NSG)&nsgMask
	header[2] = response.VersionMax
	header[3] = response.VersionActive
	putUint24(header[5:8], response.Length)
	putISID(header, response.ISID)
	putUint16(header[14:], response.TSIH)
	putUint32(header[16:], response.Tag)
	putUint32(header[24:], response.StatSN)
	putUint32(header[28:], response.ExpCmdSN)
	putUint32(header[32:], response.MaxCmdSN)
	header[36] = response.StatusClass
	header[37] = response.StatusDetail
	return header
}

func DecodeLoginResponse(header []byte) (*LoginResponse, error) {
	d := newDecoder("Login Response", header, OpLoginResponse)
	d.noImmediate()
	d.reservedBits(1, loginReserved)
	d.noAHS()
	d.reserved(20, 24)
	d.reserved(38, 48)
	if d.err != nil {
		return nil, d.err
	}
	return &LoginResponse{
		Transit:       header[1]&transitFlag != 0,
		Continue:      header[1]&continueFlag != 0,
		CSG:           Stage(header[1] & csgMask >> 2),
		NSG:           Stage(header[1] & nsgMask),
		VersionMax:    header[2],
		VersionActive: header[3],
		Length:        getUint24(header[5:8]),
		ISID:          getISID(header),
		TSIH:          getUint16(header[14:]),
		Tag:           getUint32(header[16:]),
		StatSN:        getUint32(header[24:]),
		ExpCmdSN:      getUint32(header[28:]),
		MaxCmdSN:      getUint32(header[32:]),
		StatusClass:   header[36],
		StatusDetail:  header[37],
	}, nil
}
