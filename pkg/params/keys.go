// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package params

const (
	KeyAuthMethod               = "AuthMethod"
	KeyAuthResult               = "AuthResult"
	KeyChapAlgorithm            = "CHAP_A"
	KeyChapName                 = "CHAP_N"
	KeyChapResponse             = "CHAP_R"
	KeyChapIdentifier           = "CHAP_I"
	KeyChapChallenge            = "CHAP_C"
	KeyHeaderDigest             = "HeaderDigest"
	KeyDataDigest               = "DataDigest"
	KeyMaxConnections           = "MaxConnections"
	KeySendTargets              = "SendTargets"
	KeyTargetName               = "TargetName"
	KeyInitiatorName            = "InitiatorName"
	KeyTargetAlias              = "TargetAlias"
	KeyInitiatorAlias           = "InitiatorAlias"
	KeyTargetAddress            = "TargetAddress"
	KeyTargetPortalGroupTag     = "TargetPortalGroupTag"
	KeyInitialR2T               = "InitialR2T"
	KeyImmediateData            = "ImmediateData"
	KeyMaxRecvDataSegmentLength = "MaxRecvDataSegmentLength"
	KeyMaxBurstLength           = "MaxBurstLength"
	KeyFirstBurstLength         = "FirstBurstLength"
	KeyDefaultTime2Wait         = "DefaultTime2Wait"
	KeyDefaultTime2Retain       = "DefaultTime2Retain"
	KeyMaxOutstandingR2T        = "MaxOutstandingR2T"
	KeyDataPDUInOrder           = "DataPDUInOrder"
	KeyDataSequenceInOrder      = "DataSequenceInOrder"
	KeyErrorRecoveryLevel       = "ErrorRecoveryLevel"
	KeySessionType              = "SessionType"
	KeyOFMarker                 = "OFMarker"
	KeyIFMarker                 = "IFMarker"
)

const (
	AuthMethodChap   = "CHAP"
	ChapAlgorithmMD5 = "5"
	DigestNone       = "None"
	DigestCRC32C     = "CRC32C"
	SessionNormal    = "Normal"
	SessionDiscovery = "Discovery"
	AuthResultFail   = "Fail"
)

// DefaultDefinitions is the key table a target negotiates with.
// Callers adjust Default/Valid before building a Set to enable
// digests or require CHAP.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Key: KeyAuthMethod, Type: List, Default: ValueNone, Valid: AuthMethodChap + "," + ValueNone},
		{Key: KeyChapAlgorithm, Type: List, Valid: ChapAlgorithmMD5},
		{Key: KeyChapName, Type: Declarative},
		{Key: KeyChapResponse, Type: Declarative},
		{Key: KeyChapIdentifier, Type: Declarative},
		{Key: KeyChapChallenge, Type: Declarative},
		{Key: KeyHeaderDigest, Type: List, Default: DigestNone, Valid: DigestNone},
		{Key: KeyDataDigest, Type: List, Default: DigestNone, Valid: DigestNone},
		{Key: KeyMaxConnections, Type: Numerical, Default: "1", Valid: "1"},
		{Key: KeySendTargets, Type: Declarative},
		{Key: KeyTargetName, Type: DeclareMulti},
		{Key: KeyInitiatorName, Type: Declarative},
		{Key: KeyTargetAlias, Type: Declarative},
		{Key: KeyInitiatorAlias, Type: Declarative},
		{Key: KeyTargetAddress, Type: DeclareMulti},
		{Key: KeyTargetPortalGroupTag, Type: Declarative},
		{Key: KeyInitialR2T, Type: BinaryOr, Default: ValueYes, Valid: ValueYes + "," + ValueNo},
		{Key: KeyImmediateData, Type: BinaryAnd, Default: ValueYes, Valid: ValueYes + "," + ValueNo},
		{Key: KeyMaxRecvDataSegmentLength, Type: NumericalZ, Default: "8192", Valid: "16777215"},
		{Key: KeyMaxBurstLength, Type: NumericalZ, Default: "262144", Valid: "16776192"},
		{Key: KeyFirstBurstLength, Type: NumericalZ, Default: "65536", Valid: "16776192"},
		{Key: KeyDefaultTime2Wait, Type: Numerical, Default: "2", Valid: "3600"},
		{Key: KeyDefaultTime2Retain, Type: Numerical, Default: "20", Valid: "3600"},
		{Key: KeyMaxOutstandingR2T, Type: Numerical, Default: "1", Valid: "1"},
		{Key: KeyDataPDUInOrder, Type: BinaryOr, Default: ValueYes, Valid: ValueYes},
		{Key: KeyDataSequenceInOrder, Type: BinaryOr, Default: ValueYes, Valid: ValueYes},
		{Key: KeyErrorRecoveryLevel, Type: Numerical, Default: "0", Valid: "0"},
		{Key: KeySessionType, Type: Declarative, Default: SessionNormal},
		{Key: KeyOFMarker, Type: BinaryAnd, Default: ValueNo, Valid: ValueNo},
		{Key: KeyIFMarker, Type: BinaryAnd, Default: ValueNo, Valid: ValueNo},
		{Key: KeyAuthResult, Type: List, Default: ValueNo, Valid: "Yes,No,Fail", Local: true},
	}
}
