// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"encoding/binary"
	"errors"
	"fmt"

	"iscsitarget/pkg/pdu"
	"iscsitarget/pkg/scsi"
)

// errTransfer wraps every violation of the Data-Out rules. All of them
// close the connection.
var errTransfer = errors.New("data transfer")

func transferError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errTransfer, fmt.Sprintf(format, args...))
}

// dataTransfer receives the data-out payload of one SCSI command:
// immediate data, unsolicited Data-Out and then R2T solicited bursts,
// one outstanding R2T at a time.
type dataTransfer struct {
	connection *iscsiConnection
	request    *pdu.SCSICommand
	immediate  []byte

	buffer   []byte
	received uint32
	// unsolicited counts immediate and unsolicited Data-Out bytes
	unsolicited uint32
	// the unsolicited sequence ended with an F bit
	unsolicitedDone bool
	r2tSN           uint32
	// dataSN is expected on the next Data-Out of the current sequence
	dataSN uint32
	err    error
}

func newDataTransfer(connection *iscsiConnection, request *pdu.SCSICommand, immediate []byte) *dataTransfer {
	return &dataTransfer{
		connection:      connection,
		request:         request,
		immediate:       immediate,
		unsolicited:     uint32(len(immediate)),
		unsolicitedDone: request.Final,
	}
}

// ReceiveWriteData returns every data-out byte of the command. A
// second call returns the same buffer.
func (transfer *dataTransfer) ReceiveWriteData() ([]byte, error) {
	if transfer.buffer != nil || transfer.err != nil {
		return transfer.buffer, transfer.err
	}
	if !transfer.request.Write {
		transfer.buffer = []byte{}
		return transfer.buffer, nil
	}
	transfer.buffer = make([]byte, transfer.request.ExpectedDataLen)
	if err := transfer.receive(); err != nil {
		transfer.err = err
		transfer.buffer = nil
		return nil, err
	}
	return transfer.buffer, nil
}

func (transfer *dataTransfer) parameters() SessionParameters {
	return transfer.connection.session.Parameters
}

func (transfer *dataTransfer) expected() uint32 {
	return transfer.request.ExpectedDataLen
}

func (transfer *dataTransfer) receive() error {
	copy(transfer.buffer, transfer.immediate)
	transfer.received = uint32(len(transfer.immediate))
	transfer.unsolicited = transfer.received

	for !transfer.unsolicitedDone {
		if err := transfer.receiveUnsolicited(); err != nil {
			return err
		}
	}
	for transfer.received < transfer.expected() {
		if err := transfer.solicit(); err != nil {
			return err
		}
	}
	return nil
}

// nextDataOut reads the next PDU of the transfer. Anything but a
// Data-Out is a protocol violation.
func (transfer *dataTransfer) nextDataOut() (*request, *pdu.DataOut, error) {
	received, err := transfer.connection.readPDU()
	if err != nil {
		return nil, nil, err
	}
	if received.opcode() != pdu.OpDataOut {
		return nil, nil, transferError("%s while waiting for Data-Out of task 0x%08x",
			received.opcode(), transfer.request.Tag)
	}
	dataOut, err := pdu.DecodeDataOut(received.header)
	if err != nil {
		return nil, nil, err
	}
	return received, dataOut, nil
}

// accept checks one Data-Out against the segment and transfer limits
// and scatters it into the buffer. Data PDUs arrive in order, so each
// one starts where the previous one ended.
func (transfer *dataTransfer) accept(dataOut *pdu.DataOut, data []byte) error {
	length := uint32(len(data))
	if dataOut.DataSN != transfer.dataSN {
		return transferError("Data-Out DataSN %d, expected %d", dataOut.DataSN, transfer.dataSN)
	}
	if dataOut.BufferOffset != transfer.received {
		return transferError("Data-Out at offset %d, expected %d", dataOut.BufferOffset, transfer.received)
	}
	if length > transfer.connection.maxRecvDataSegmentLength {
		return transferError("Data-Out of %d bytes exceeds MaxRecvDataSegmentLength %d",
			length, transfer.connection.maxRecvDataSegmentLength)
	}
	if transfer.received+length > transfer.expected() {
		return transferError("Data-Out overruns expected length %d: received %d, got %d more",
			transfer.expected(), transfer.received, length)
	}
	if uint64(dataOut.BufferOffset)+uint64(length) > uint64(transfer.expected()) {
		return transferError("Data-Out at offset %d of %d bytes is outside expected length %d",
			dataOut.BufferOffset, length, transfer.expected())
	}
	copy(transfer.buffer[dataOut.BufferOffset:], data)
	transfer.received += length
	transfer.dataSN++
	return nil
}

func (transfer *dataTransfer) receiveUnsolicited() error {
	received, dataOut, err := transfer.nextDataOut()
	if err != nil {
		return err
	}
	if dataOut.TransferTag != pdu.ReservedTag || dataOut.Tag != transfer.request.Tag {
		return transferError("unsolicited Data-Out with task 0x%08x, transfer tag 0x%08x",
			dataOut.Tag, dataOut.TransferTag)
	}
	if transfer.parameters().InitialR2T {
		return transferError("unsolicited Data-Out while InitialR2T=Yes")
	}
	length := uint32(len(received.data))
	if transfer.unsolicited+length > transfer.parameters().FirstBurstLength {
		return transferError("unsolicited data exceeds FirstBurstLength %d",
			transfer.parameters().FirstBurstLength)
	}
	if err := transfer.accept(dataOut, received.data); err != nil {
		return err
	}
	transfer.unsolicited += length
	transfer.unsolicitedDone = dataOut.Final
	return nil
}

// solicit sends one R2T and reads its burst. The burst must end with
// exactly its last PDU carrying the F bit.
func (transfer *dataTransfer) solicit() error {
	connection := transfer.connection
	offset := transfer.received
	desired := transfer.expected() - offset
	if desired > transfer.parameters().MaxBurstLength {
		desired = transfer.parameters().MaxBurstLength
	}
	transferTag := connection.nextTransferTag()
	r2t := &pdu.R2T{
		LUN:           transfer.request.LUN,
		Tag:           transfer.request.Tag,
		TransferTag:   transferTag,
		StatSN:        connection.statSN,
		R2TSN:         transfer.r2tSN,
		BufferOffset:  offset,
		DesiredLength: desired,
	}
	r2t.ExpCmdSN, r2t.MaxCmdSN = connection.window()
	if err := connection.send(r2t, nil); err != nil {
		return err
	}
	transfer.r2tSN++
	transfer.dataSN = 0

	burst := uint32(0)
	for {
		received, dataOut, err := transfer.nextDataOut()
		if err != nil {
			return err
		}
		if dataOut.TransferTag != transferTag || dataOut.Tag != transfer.request.Tag {
			if dataOut.Final {
				return transferError("final Data-Out for task 0x%08x transfer 0x%08x, expected 0x%08x/0x%08x",
					dataOut.Tag, dataOut.TransferTag, transfer.request.Tag, transferTag)
			}
			if err := connection.sendReject(pdu.RejectInvalidPDUField, received.header); err != nil {
				return err
			}
			continue
		}
		if err := transfer.accept(dataOut, received.data); err != nil {
			return err
		}
		burst += uint32(len(received.data))
		switch {
		case burst > desired:
			return transferError("burst of %d bytes exceeds R2T length %d", burst, desired)
		case dataOut.Final && burst < desired:
			return transferError("F bit after %d of %d solicited bytes", burst, desired)
		case dataOut.Final:
			return nil
		case burst == desired:
			return transferError("solicited burst of %d bytes ended without F bit", desired)
		}
	}
}

// drain consumes unsolicited Data-Out of a command that finished
// without taking its data.
func (transfer *dataTransfer) drain() error {
	for !transfer.unsolicitedDone {
		received, dataOut, err := transfer.nextDataOut()
		if err != nil {
			return err
		}
		if dataOut.Tag != transfer.request.Tag {
			return transferError("stray Data-Out for task 0x%08x", dataOut.Tag)
		}
		transfer.unsolicited += uint32(len(received.data))
		if transfer.unsolicited > transfer.parameters().FirstBurstLength {
			return transferError("unsolicited data exceeds FirstBurstLength %d",
				transfer.parameters().FirstBurstLength)
		}
		transfer.unsolicitedDone = dataOut.Final
	}
	return nil
}

func (transfer *dataTransfer) consumed() bool {
	return transfer.buffer != nil || transfer.err != nil
}

// handleSCSICommand executes one command to completion: data-out
// phase, emulation, data-in phase and status.
func (connection *iscsiConnection) handleSCSICommand(received *request) error {
	command, err := pdu.DecodeSCSICommand(received.header)
	if err != nil {
		return err
	}
	session := connection.session
	if session.SessionType == SessionDiscovery {
		connection.logger.Warnf("SCSI command in a discovery session")
		return connection.sendReject(pdu.RejectProtocolError, received.header)
	}
	session.advanceWindow(command.CmdSN, command.Immediate)

	immediate := received.data
	if uint32(len(immediate)) > connection.maxRecvDataSegmentLength {
		return transferError("immediate data of %d bytes exceeds MaxRecvDataSegmentLength %d",
			len(immediate), connection.maxRecvDataSegmentLength)
	}
	if uint32(len(immediate)) > command.ExpectedDataLen {
		return transferError("immediate data of %d bytes exceeds expected length %d",
			len(immediate), command.ExpectedDataLen)
	}
	if uint32(len(immediate)) > session.Parameters.FirstBurstLength {
		return transferError("immediate data of %d bytes exceeds FirstBurstLength %d",
			len(immediate), session.Parameters.FirstBurstLength)
	}
	if len(immediate) > 0 && !session.Parameters.ImmediateData {
		return transferError("immediate data while ImmediateData=No")
	}
	if len(immediate) > 0 && !command.Write {
		return transferError("data segment on a command without W bit")
	}

	transfer := newDataTransfer(connection, command, immediate)
	scsiCommand := &scsi.Command{
		CDB:               append([]byte(nil), command.CDB...),
		LUN:               command.LUN,
		ExpectedLength:    command.ExpectedDataLen,
		Transfer:          transfer,
		RelTargetPortID:   connection.driver.targetPortGroup.RelativePortID(connection.localAddress()),
		TargetPortGroupID: connection.driver.targetPortGroup.GroupTag(),
	}
	switch {
	case command.Read && command.Write:
		scsiCommand.Direction = scsi.DataBidirection
	case command.Read:
		scsiCommand.Direction = scsi.DataRead
	case command.Write:
		scsiCommand.Direction = scsi.DataWrite
	}

	if scsiCommand.Direction == scsi.DataBidirection {
		scsiCommand.Status = scsi.SamStatCheckCondition
		scsi.BuildSenseData(scsiCommand, scsi.IllegalRequest, scsi.AscInvalidFieldInCdb)
	} else if _, err := session.Target.SCSITarget.Execute(scsiCommand); err != nil {
		return err
	}
	scsiCommands.WithLabelValues(scsiCommand.OperationCode().String(), statusName(scsiCommand.Status)).Inc()

	if !transfer.consumed() {
		if err := transfer.drain(); err != nil {
			return err
		}
	}
	return connection.completeCommand(command, scsiCommand, transfer)
}

func statusName(status byte) string {
	switch status {
	case scsi.SamStatGood:
		return "good"
	case scsi.SamStatCheckCondition:
		return "check_condition"
	case scsi.SamStatBusy:
		return "busy"
	}
	return fmt.Sprintf("0x%02x", status)
}

// residual compares what the initiator expected with what the command
// moves.
func residual(expected, actual uint32) (overflow, underflow bool, count uint32) {
	switch {
	case actual > expected:
		return true, false, actual - expected
	case actual < expected:
		return false, true, expected - actual
	}
	return false, false, 0
}

// completeCommand sends the data-in phase and the status. With phase
// collapse a successful read ends with a status carrying Data-In.
func (connection *iscsiConnection) completeCommand(
	request *pdu.SCSICommand,
	command *scsi.Command,
	transfer *dataTransfer,
) error {
	transferLength := command.TransferLength
	if request.Write && transferLength == 0 && transfer.consumed() {
		transferLength = transfer.received
	}
	overflow, underflow, count := residual(request.ExpectedDataLen, transferLength)

	dataSN := uint32(0)
	sendData := request.Read && command.Status == scsi.SamStatGood && len(command.Data) > 0
	if sendData {
		length := uint32(len(command.Data))
		if length > request.ExpectedDataLen {
			length = request.ExpectedDataLen
		}
		collapse := connection.driver.config.PhaseCollapse
		sent := uint32(0)
		for sent < length {
			chunk := length - sent
			if chunk > connection.maxRecvDataSegmentLength {
				chunk = connection.maxRecvDataSegmentLength
			}
			final := sent+chunk == length
			dataIn := &pdu.DataIn{
				Final:        final,
				LUN:          request.LUN,
				Tag:          request.Tag,
				TransferTag:  pdu.ReservedTag,
				DataSN:       dataSN,
				BufferOffset: sent,
			}
			if final && collapse {
				dataIn.HasStatus = true
				dataIn.Status = command.Status
				dataIn.Overflow = overflow
				dataIn.Underflow = underflow
				dataIn.ResidualCount = count
				dataIn.StatSN = connection.nextStatSN()
			} else {
				dataIn.StatSN = connection.statSN
			}
			dataIn.ExpCmdSN, dataIn.MaxCmdSN = connection.window()
			if err := connection.send(dataIn, command.Data[sent:sent+chunk]); err != nil {
				return err
			}
			sent += chunk
			dataSN++
		}
		if sent != length {
			return fmt.Errorf("sent %d bytes of %d for task 0x%08x", sent, length, request.Tag)
		}
		if collapse {
			return nil
		}
	}

	response := &pdu.SCSIResponse{
		Overflow:      overflow,
		Underflow:     underflow,
		ResidualCount: count,
		Response:      pdu.ResponseCompleted,
		Status:        command.Status,
		Tag:           request.Tag,
		StatSN:        connection.nextStatSN(),
		ExpDataSN:     dataSN,
	}
	response.ExpCmdSN, response.MaxCmdSN = connection.window()
	var data []byte
	if command.Status != scsi.SamStatGood && len(command.Sense) > 0 {
		data = make([]byte, 2+len(command.Sense))
		binary.BigEndian.PutUint16(data, uint16(len(command.Sense)))
		copy(data[2:], command.Sense)
	}
	return connection.send(response, data)
}
