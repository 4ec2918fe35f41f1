// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"iscsitarget/pkg/params"
	"iscsitarget/pkg/pdu"
)

const sendTargetsAll = "All"

func (connection *iscsiConnection) handleText(received *request) error {
	textRequest, err := pdu.DecodeTextRequest(received.header)
	if err != nil {
		return err
	}
	connection.session.advanceWindow(textRequest.CmdSN, textRequest.Immediate)

	if textRequest.TransferTag != pdu.ReservedTag {
		switch {
		case textRequest.TransferTag != connection.textOutTag:
			return connection.sendReject(pdu.RejectInvalidPDUField, received.header)
		case connection.textOut != nil:
			return connection.sendTextChunk(textRequest)
		case connection.textIn == nil:
			return connection.sendReject(pdu.RejectInvalidPDUField, received.header)
		}
	} else {
		// a fresh exchange drops whatever was pending
		connection.textIn = nil
		connection.textOut = nil
	}

	data := append(connection.textIn, received.data...)
	if textRequest.Continue {
		connection.textIn = data
		connection.textOutTag = connection.nextTransferTag()
		connection.textOut = nil
		return connection.sendTextResponse(textRequest, nil, false, connection.textOutTag)
	}
	connection.textIn = nil

	response := params.NewKeyValueList()
	if err := connection.negotiator.Parse(data, false, response); err != nil {
		return err
	}
	if value, ok := sendTargetsValue(data); ok {
		connection.negotiator.Set().Clear(params.KeySendTargets)
		connection.sendTargets(value, response)
	}
	connection.textOut = response.Bytes()
	return connection.sendTextChunk(textRequest)
}

// sendTargetsValue finds the SendTargets key of a text request. An
// empty value is a request too: it names the session's own target.
func sendTargetsValue(data []byte) (string, bool) {
	pairs, err := params.ParseKeyValues(data)
	if err != nil {
		return "", false
	}
	value, found := "", false
	for _, pair := range pairs {
		if pair.Key == params.KeySendTargets {
			value, found = pair.Value, true
		}
	}
	return value, found
}

// sendTargets lists the targets visible to this initiator: all of them
// in a discovery session, only the logged in one otherwise. Each answer
// replaces the TargetName and TargetAddress values of the previous one.
func (connection *iscsiConnection) sendTargets(value string, response *params.KeyValueList) {
	session := connection.session
	if session.SessionType != SessionDiscovery && value == sendTargetsAll {
		response.Add(params.KeySendTargets, params.ValueReject)
		return
	}
	if value == "" && session.Target != nil {
		value = session.Target.Name
	}
	negotiator := connection.negotiator
	set := negotiator.Set()
	set.MarkReset(params.KeyTargetName)
	set.MarkReset(params.KeyTargetAddress)
	listed := false
	tpg := connection.driver.targetPortGroup
	for _, target := range connection.driver.targets() {
		if value != sendTargetsAll && value != target.Name {
			continue
		}
		if session.SessionType != SessionDiscovery && target != session.Target {
			continue
		}
		if !target.Allows(connection.networkConnection.RemoteAddr()) {
			continue
		}
		negotiator.Add(response, params.KeyTargetName, target.Name)
		for _, port := range tpg.TargetPorts() {
			negotiator.Add(response, params.KeyTargetAddress, tpg.TargetAddress(port))
		}
		listed = true
	}
	if !listed && session.SessionType == SessionDiscovery {
		set.Clear(params.KeyTargetName)
		set.Clear(params.KeyTargetAddress)
	}
}

// sendTextChunk sends the next MaxRecvDataSegmentLength bytes of the
// pending answer and keeps the rest for the initiator's next request.
func (connection *iscsiConnection) sendTextChunk(textRequest *pdu.TextRequest) error {
	chunk := connection.textOut
	final := true
	transferTag := pdu.ReservedTag
	if uint32(len(chunk)) > connection.maxRecvDataSegmentLength {
		chunk = chunk[:connection.maxRecvDataSegmentLength]
		final = false
		connection.textOutTag = connection.nextTransferTag()
		transferTag = connection.textOutTag
	}
	connection.textOut = connection.textOut[len(chunk):]
	if final {
		connection.textOut = nil
	}
	return connection.sendTextResponse(textRequest, chunk, final, transferTag)
}

func (connection *iscsiConnection) sendTextResponse(
	textRequest *pdu.TextRequest,
	data []byte,
	final bool,
	transferTag uint32,
) error {
	response := &pdu.TextResponse{
		Final:       final,
		Continue:    !final && len(data) > 0,
		LUN:         textRequest.LUN,
		Tag:         textRequest.Tag,
		TransferTag: transferTag,
		StatSN:      connection.nextStatSN(),
	}
	response.ExpCmdSN, response.MaxCmdSN = connection.window()
	return connection.send(response, data)
}
