// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

import (
	"bytes"
	"reflect"
	"testing"
)

const (
	maxLength = uint32(0xffffff)
	maxLUN    = uint64(0xffffffffffff)
)

type codecCase struct {
	name     string
	header   Header
	decode   func([]byte) (Header, error)
	reserved []int
}

func codecCases() []codecCase {
	cdb := make([]byte, CDBLength)
	for i := range cdb {
		cdb[i] = byte(i + 1)
	}
	return []codecCase{
		{
			name: "nop out",
			header: &NopOut{Immediate: true, Length: maxLength, LUN: maxLUN, Tag: 1,
				TransferTag: ReservedTag, CmdSN: 7, ExpStatSN: 8},
			decode:   func(b []byte) (Header, error) { return DecodeNopOut(b) },
			reserved: []int{2, 3, 4, 14, 32, 47},
		},
		{
			name: "nop in",
			header: &NopIn{Length: 12, LUN: 3, Tag: 0xdeadbeef, TransferTag: ReservedTag,
				StatSN: 1, ExpCmdSN: 2, MaxCmdSN: 3},
			decode:   func(b []byte) (Header, error) { return DecodeNopIn(b) },
			reserved: []int{2, 4, 15, 36, 47},
		},
		{
			name: "scsi command",
			header: &SCSICommand{Immediate: false, Final: true, Read: true, Attr: TaskAttrSimple,
				AHSLength: 2, Length: maxLength, LUN: maxLUN, Tag: 9, ExpectedDataLen: 4096,
				CmdSN: 10, ExpStatSN: 11, CDB: cdb},
			decode:   func(b []byte) (Header, error) { return DecodeSCSICommand(b) },
			reserved: []int{2, 3, 14, 15},
		},
		{
			name: "scsi response",
			header: &SCSIResponse{Underflow: true, Response: ResponseCompleted, Status: 2,
				Length: 20, Tag: 5, StatSN: 6, ExpCmdSN: 7, MaxCmdSN: 8, ExpDataSN: 9,
				BidiResidualCount: 10, ResidualCount: 11},
			decode:   func(b []byte) (Header, error) { return DecodeSCSIResponse(b) },
			reserved: []int{4, 8, 15},
		},
		{
			name: "task request",
			header: &TaskRequest{Immediate: true, Function: 1, LUN: 1, Tag: 2, ReferencedTag: 3,
				CmdSN: 4, ExpStatSN: 5, RefCmdSN: 6, ExpDataSN: 7},
			decode:   func(b []byte) (Header, error) { return DecodeTaskRequest(b) },
			reserved: []int{2, 3, 4, 5, 7, 40, 47},
		},
		{
			name:     "task response",
			header:   &TaskResponse{Response: 0xff, Tag: 1, StatSN: 2, ExpCmdSN: 3, MaxCmdSN: 4},
			decode:   func(b []byte) (Header, error) { return DecodeTaskResponse(b) },
			reserved: []int{3, 8, 20, 36, 47},
		},
		{
			name: "login request",
			header: &LoginRequest{Transit: true, CSG: StageSecurityNegotiation,
				NSG: StageOperationalNegotiation, Length: 300, ISID: 0x800000000001, TSIH: 0,
				Tag: 1, CID: 1, CmdSN: 1, ExpStatSN: 0},
			decode:   func(b []byte) (Header, error) { return DecodeLoginRequest(b) },
			reserved: []int{4, 22, 23, 32, 47},
		},
		{
			name: "login response",
			header: &LoginResponse{Transit: true, CSG: StageOperationalNegotiation,
				NSG: StageFullFeature, Length: 100, ISID: 0x23d000000001, TSIH: 7, Tag: 9,
				StatSN: 1, ExpCmdSN: 2, MaxCmdSN: 2, StatusClass: 2, StatusDetail: 1},
			decode:   func(b []byte) (Header, error) { return DecodeLoginResponse(b) },
			reserved: []int{4, 20, 38, 47},
		},
		{
			name: "text request",
			header: &TextRequest{Immediate: true, Final: true, Length: 16, Tag: 3,
				TransferTag: ReservedTag, CmdSN: 2, ExpStatSN: 2},
			decode:   func(b []byte) (Header, error) { return DecodeTextRequest(b) },
			reserved: []int{2, 3, 4, 32, 47},
		},
		{
			name: "text response",
			header: &TextResponse{Final: true, Length: maxLength, LUN: maxLUN, Tag: 3,
				TransferTag: ReservedTag, StatSN: 4, ExpCmdSN: 5, MaxCmdSN: 6},
			decode:   func(b []byte) (Header, error) { return DecodeTextResponse(b) },
			reserved: []int{2, 4, 36, 47},
		},
		{
			name: "logout request",
			header: &LogoutRequest{Immediate: true, Reason: LogoutCloseSession, Tag: 1, CID: 1,
				CmdSN: 10, ExpStatSN: 11},
			decode:   func(b []byte) (Header, error) { return DecodeLogoutRequest(b) },
			reserved: []int{2, 5, 8, 15, 22, 32, 47},
		},
		{
			name: "logout response",
			header: &LogoutResponse{Response: LogoutSuccess, Tag: 1, StatSN: 2, ExpCmdSN: 3,
				MaxCmdSN: 4, Time2Wait: 2, Time2Retain: 20},
			decode:   func(b []byte) (Header, error) { return DecodeLogoutResponse(b) },
			reserved: []int{3, 7, 20, 36, 44},
		},
		{
			name: "data out",
			header: &DataOut{Final: true, Length: 8192, LUN: 2, Tag: 4, TransferTag: 0x1234,
				ExpStatSN: 5, DataSN: 6, BufferOffset: 65536},
			decode:   func(b []byte) (Header, error) { return DecodeDataOut(b) },
			reserved: []int{2, 4, 24, 32, 44},
		},
		{
			name: "data in",
			header: &DataIn{Final: true, HasStatus: true, Underflow: true, Status: 0, Length: maxLength,
				LUN: maxLUN, Tag: 1, TransferTag: ReservedTag, StatSN: 2, ExpCmdSN: 3, MaxCmdSN: 4,
				DataSN: 5, BufferOffset: 6, ResidualCount: 7},
			decode:   func(b []byte) (Header, error) { return DecodeDataIn(b) },
			reserved: []int{2, 4, 14},
		},
		{
			name: "r2t",
			header: &R2T{LUN: 1, Tag: 2, TransferTag: 3, StatSN: 4, ExpCmdSN: 5, MaxCmdSN: 6,
				R2TSN: 7, BufferOffset: 8, DesiredLength: 262144},
			decode:   func(b []byte) (Header, error) { return DecodeR2T(b) },
			reserved: []int{2, 4, 5, 14},
		},
		{
			name: "reject",
			header: &Reject{Reason: RejectInvalidPDUField, Length: HeaderSize, StatSN: 1,
				ExpCmdSN: 2, MaxCmdSN: 3, DataSN: 4},
			decode:   func(b []byte) (Header, error) { return DecodeReject(b) },
			reserved: []int{3, 4, 8, 20, 40},
		},
		{
			name: "async message",
			header: &AsyncMessage{Length: 0, LUN: maxLUN, StatSN: 1, ExpCmdSN: 2, MaxCmdSN: 3,
				Event: AsyncEventLogoutRequest, Parameter3: 5},
			decode:   func(b []byte) (Header, error) { return DecodeAsyncMessage(b) },
			reserved: []int{2, 4, 20, 44},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, testCase := range codecCases() {
		encoded := testCase.header.Encode()
		if len(encoded) != HeaderSize {
			t.Fatalf("%s: encoded %d bytes", testCase.name, len(encoded))
		}
		if PeekOpcode(encoded) != testCase.header.Opcode() {
			t.Errorf("%s: opcode %v, expected %v", testCase.name, PeekOpcode(encoded), testCase.header.Opcode())
		}
		decoded, err := testCase.decode(encoded)
		if err != nil {
			t.Fatalf("%s: decode failed: %v", testCase.name, err)
		}
		if !reflect.DeepEqual(decoded, testCase.header) {
			t.Errorf("%s: round trip mismatch:\n got %+v\nwant %+v", testCase.name, decoded, testCase.header)
		}
	}
}

func TestDecodeRejectsWrongOpcode(t *testing.T) {
	cases := codecCases()
	for i, testCase := range cases {
		other := cases[(i+1)%len(cases)].header.Encode()
		_, err := testCase.decode(other)
		if err == nil {
			t.Errorf("%s: decoded a %v header", testCase.name, PeekOpcode(other))
			continue
		}
		if !IsDecodeError(err) {
			t.Errorf("%s: unexpected error type %T", testCase.name, err)
		}
	}
}

func TestDecodeRejectsReservedBytes(t *testing.T) {
	for _, testCase := range codecCases() {
		for _, index := range testCase.reserved {
			encoded := testCase.header.Encode()
			if encoded[index] != 0 {
				t.Fatalf("%s: byte %d is not reserved in the encoding", testCase.name, index)
			}
			encoded[index] = 0x01
			if _, err := testCase.decode(encoded); err == nil {
				t.Errorf("%s: non-zero reserved byte %d accepted", testCase.name, index)
			}
		}
	}
}

func TestDecodeShortHeader(t *testing.T) {
	if _, err := DecodeNopOut(make([]byte, 47)); !IsDecodeError(err) {
		t.Errorf("expected short header error, got %v", err)
	}
}

func TestLoginStageTransition(t *testing.T) {
	request := &LoginRequest{Transit: true, CSG: StageFullFeature, NSG: StageOperationalNegotiation}
	if _, err := DecodeLoginRequest(request.Encode()); err == nil {
		t.Error("transit from full feature back to operational negotiation accepted")
	}
	request = &LoginRequest{Transit: true, CSG: StageSecurityNegotiation, NSG: StageOperationalNegotiation}
	if _, err := DecodeLoginRequest(request.Encode()); err != nil {
		t.Errorf("security to operational transit rejected: %v", err)
	}
	request = &LoginRequest{Transit: true, CSG: StageSecurityNegotiation, NSG: 2}
	if _, err := DecodeLoginRequest(request.Encode()); err == nil {
		t.Error("illegal next stage 2 accepted")
	}
	request = &LoginRequest{Transit: false, CSG: StageOperationalNegotiation, NSG: StageSecurityNegotiation}
	if _, err := DecodeLoginRequest(request.Encode()); err != nil {
		t.Errorf("next stage is ignored without transit: %v", err)
	}
}

func TestLUNIsTruncatedTo48Bits(t *testing.T) {
	nop := &NopOut{LUN: 0xabcd112233445566}
	encoded := nop.Encode()
	if !bytes.Equal(encoded[8:16], []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0, 0}) {
		t.Errorf("unexpected LUN encoding %x", encoded[8:16])
	}
	decoded, err := DecodeNopOut(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.LUN != 0x112233445566 {
		t.Errorf("LUN = %x", decoded.LUN)
	}
}

func TestSCSICommandAliasesCDB(t *testing.T) {
	command := &SCSICommand{Final: true, CDB: []byte{0x28, 0, 0, 0, 0, 1, 0, 0, 8, 0}}
	encoded := command.Encode()
	decoded, err := DecodeSCSICommand(encoded)
	if err != nil {
		t.Fatal(err)
	}
	encoded[32] = 0x2a
	if decoded.CDB[0] != 0x2a {
		t.Error("CDB was copied out of the header")
	}
}

func TestPeekHelpers(t *testing.T) {
	header := (&SCSICommand{Immediate: true, AHSLength: 3, Length: 0x010203, Tag: 77}).Encode()
	if !PeekImmediate(header) {
		t.Error("immediate bit lost")
	}
	if PeekDataSegmentLength(header) != 0x010203 {
		t.Errorf("data segment length = %x", PeekDataSegmentLength(header))
	}
	if PeekTotalAHSLength(header) != 12 {
		t.Errorf("AHS length = %d", PeekTotalAHSLength(header))
	}
	if PeekTaskTag(header) != 77 {
		t.Errorf("task tag = %d", PeekTaskTag(header))
	}
	if PaddedLength(5) != 8 || PaddedLength(8) != 8 || PaddedLength(0) != 0 {
		t.Error("bad padding")
	}
}
