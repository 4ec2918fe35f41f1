// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"encoding/binary"
	"fmt"
)

// ProtocolIdentifierValueIscsi is the iSCSI code of the PROTOCOL
// IDENTIFIER field.
const ProtocolIdentifierValueIscsi = byte(0x05)

const VersionWithdrawSpc3 = byte(0x05)

/*
 * Code Set
 *
 *  1 - Designator field contains binary values
 *  2 - Designator field contains ASCII printable chars
 *  3 - Designator field contains UTF-8
 */
const (
	InqCodeBin   = byte(1)
	InqCodeAscii = byte(2)
	InqCodeUtf8  = byte(3)
)

/*
 * Association field
 *
 * 00b - Associated with Logical Unit
 * 01b - Associated with target port
 * 10b - Associated with SCSI Target device
 */
const (
	AssociatedLogicalUnit = byte(0x00)
	AssociatedTgtPort     = byte(0x01)
	AssociatedTgtDevice   = byte(0x02)
)

const (
	PeripheralQualifierDeviceConnected  = byte(0x00)
	PeripheralQualifierDeviceNotConnect = byte(0x01 << 5)
)

const (
	InquiryHisup          = byte(0x10)
	InquiryStandardFormat = byte(0x02)
	InquiryCmdque         = byte(0x02)
)

/*
 * Designator type - SPC-4 Reference
 *
 * 1 - T10 vendor ID - 7.6.3.4
 * 3 - NAA - 7.6.3.6
 * 8 - SCSI name string - 7.6.3.11
 */
const (
	DesignatorTypeT10Vendor = 1
	DesignatorTypeNaa       = 3
	DesignatorTypeScsi      = 8
)

const NaaLocal = uint64(0x3)

const (
	supportedVpdPagesVpdPageCode    = byte(0x00)
	deviceIdentificationVpdPageCode = byte(0x83)
)

func allVpdPagesCommonFirstByte(device *LogicalUnit) byte {
	peripheralQualifier := PeripheralQualifierDeviceConnected
	if !device.Attrs.Online {
		peripheralQualifier = PeripheralQualifierDeviceNotConnect
	}
	return peripheralQualifier | byte(device.Attrs.DeviceType)
}

func supportedVpdPagesVpdPage(device *LogicalUnit) []byte {
	return []byte{
		allVpdPagesCommonFirstByte(device),
		supportedVpdPagesVpdPageCode,
		0x00, 0x02, // page length
		supportedVpdPagesVpdPageCode,
		deviceIdentificationVpdPageCode,
	}
}

func protocolIdentifierAndCodeSet(codeSet byte) byte {
	return (ProtocolIdentifierValueIscsi << 4) | codeSet
}

func associationAndDesignatorType(association, designatorType byte) byte {
	// PIV: the protocol identifier field is valid
	const protocolIdentifierValidBitmask = byte(0x80)
	return protocolIdentifierValidBitmask | (association << 4) | designatorType
}

func designator(codeSet, association, designatorType byte, value []byte) []byte {
	result := []byte{
		protocolIdentifierAndCodeSet(codeSet),
		associationAndDesignatorType(association, designatorType),
		0x00, byte(len(value)),
	}
	return append(result, value...)
}

// targetName is the IQN the command was addressed through.
func targetName(command *Command) string {
	if command.Target == nil {
		return ""
	}
	return command.Target.Name
}

func deviceIdentificationVpdPage(device *LogicalUnit, command *Command) []byte {
	unitID := device.UUID()
	vendorIdentifier := []byte(fmt.Sprintf("%-8s%s", device.Attrs.VendorID, unitID))
	naa := binary.BigEndian.Uint64(unitID[8:])&(1<<60-1) | NaaLocal<<60
	descriptors := designator(InqCodeAscii, AssociatedLogicalUnit, DesignatorTypeT10Vendor, vendorIdentifier)
	descriptors = append(descriptors, designator(
		InqCodeUtf8, AssociatedTgtDevice, DesignatorTypeScsi,
		StringToByte(targetName(command), 4, 252))...)
	descriptors = append(descriptors, designator(
		InqCodeUtf8, AssociatedLogicalUnit, DesignatorTypeScsi,
		StringToByte(fmt.Sprintf("%s,t,0x%04x,L,0x%016x",
			targetName(command), command.RelTargetPortID, device.Index), 4, 252))...)
	descriptors = append(descriptors, designator(
		InqCodeBin, AssociatedLogicalUnit, DesignatorTypeNaa, MarshalUint64(naa))...)
	result := []byte{
		allVpdPagesCommonFirstByte(device),
		deviceIdentificationVpdPageCode,
		byte(len(descriptors) >> 8), byte(len(descriptors)),
	}
	return append(result, descriptors...)
}

func standardInquiryData(device *LogicalUnit) []byte {
	variadicLengthInquiryData := []byte{
		// SCCS(0) ACC(0) TPGS(0) 3PC(0) PROTECT(0)
		0x00,
		// ENCSERV(0) VS(0) MULTIP(0)
		0x00,
		// CMDQUE(1)
		InquiryCmdque,
	}
	// left aligned ASCII padded with spaces
	variadicLengthInquiryData = append(variadicLengthInquiryData, []byte(fmt.Sprintf("%-8.8s", device.Attrs.VendorID))...)
	variadicLengthInquiryData = append(variadicLengthInquiryData, []byte(fmt.Sprintf("%-16.16s", device.Attrs.ProductID))...)
	variadicLengthInquiryData = append(variadicLengthInquiryData, []byte(fmt.Sprintf("%-4.4s", device.Attrs.ProductRev))...)
	variadicLengthInquiryData = append(
		variadicLengthInquiryData,
		0x00, 0x00, 0x00, 0x00, // 20 byte vendor specific
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, // reserved and obsolete
	)
	variadicLengthInquiryData = append(variadicLengthInquiryData, device.Attrs.VersionDescription[:]...)
	result := []byte{
		allVpdPagesCommonFirstByte(device),
		// RMB(0) LU_CONG(0)
		0x00,
		VersionWithdrawSpc3,
		InquiryHisup | InquiryStandardFormat,
		byte(len(variadicLengthInquiryData)),
	}
	return append(result, variadicLengthInquiryData...)
}

// SPCInquiry implements INQUIRY: the standard data or, with EVPD set,
// the supported pages and device identification VPD pages.
//
// Reference : SPC4r11
// 6.6 - INQUIRY
func SPCInquiry(device *LogicalUnit, command *Command) SAMStat {
	const enableVitalProductDataBitmask = byte(0x01)
	pageCode := command.CDB[2]
	allocationLength := uint32(binary.BigEndian.Uint16(command.CDB[3:5]))
	var data []byte
	if command.CDB[1]&enableVitalProductDataBitmask != 0 {
		switch pageCode {
		case supportedVpdPagesVpdPageCode:
			data = supportedVpdPagesVpdPage(device)
		case deviceIdentificationVpdPageCode:
			data = deviceIdentificationVpdPage(device, command)
		default:
			BuildSenseData(command, IllegalRequest, AscInvalidFieldInCdb)
			return SAMStatCheckCondition
		}
	} else {
		if pageCode != 0 {
			BuildSenseData(command, IllegalRequest, AscInvalidFieldInCdb)
			return SAMStatCheckCondition
		}
		data = standardInquiryData(device)
	}
	command.setData(data, allocationLength)
	return SAMStatGood
}
