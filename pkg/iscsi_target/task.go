// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
// iSCSI task management
package iscsi_target

import (
	"iscsitarget/pkg/pdu"
)

const (
	// Function values
	// aborts the task identified by the Referenced Task Tag field
	IscsiTmFuncAbortTask = 1
	// aborts all Tasks issued via this session on the logical unit
	IscsiTmFuncAbortTaskSet = 2
	// clears the Auto Contingent Allegiance condition
	IscsiTmFuncClearAca = 3
	// aborts all Tasks in the appropriate task set as defined by the TST field in the Control mode page
	IscsiTmFuncClearTaskSet     = 4
	IscsiTmFuncLogicalUnitReset = 5
	IscsiTmFuncTargetWarmReset  = 6
	IscsiTmFuncTargetColdReset  = 7
	// reassigns connection allegiance for the task identified by the Referenced Task Tag field to this connection, thus resuming the iSCSI exchanges for the task
	IscsiTmFuncTaskReassign = 8

	// Response values
	// Function complete
	IscsiTmfRspComplete = 0x00
	// Function rejected
	IscsiTmfRspRejected = 0xff
)

var taskFunctionNames = map[byte]string{
	IscsiTmFuncAbortTask:        "ABORT TASK",
	IscsiTmFuncAbortTaskSet:     "ABORT TASK SET",
	IscsiTmFuncClearAca:         "CLEAR ACA",
	IscsiTmFuncClearTaskSet:     "CLEAR TASK SET",
	IscsiTmFuncLogicalUnitReset: "LOGICAL UNIT RESET",
	IscsiTmFuncTargetWarmReset:  "TARGET WARM RESET",
	IscsiTmFuncTargetColdReset:  "TARGET COLD RESET",
	IscsiTmFuncTaskReassign:     "TASK REASSIGN",
}

// handleTaskManagement only records the request. Commands run to
// completion before the next PDU is read, so there is never an
// outstanding task to act on.
func (connection *iscsiConnection) handleTaskManagement(received *request) error {
	taskRequest, err := pdu.DecodeTaskRequest(received.header)
	if err != nil {
		return err
	}
	connection.session.advanceWindow(taskRequest.CmdSN, taskRequest.Immediate)
	result := byte(IscsiTmfRspComplete)
	name, ok := taskFunctionNames[taskRequest.Function]
	if ok {
		connection.logger.Infof("Task management %s, LUN: %d, referenced tag: 0x%08x",
			name, taskRequest.LUN, taskRequest.ReferencedTag)
	} else {
		connection.logger.Warnf("Unknown task management function %d", taskRequest.Function)
		result = IscsiTmfRspRejected
	}
	response := &pdu.TaskResponse{
		Response: result,
		Tag:      taskRequest.Tag,
		StatSN:   connection.nextStatSN(),
	}
	response.ExpCmdSN, response.MaxCmdSN = connection.window()
	return connection.send(response, nil)
}
