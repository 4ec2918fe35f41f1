// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"fmt"

	"iscsitarget/pkg/pdu"
)

// handleLogout answers a Logout. Unlike every other command its
// sequence numbers must match exactly.
func (connection *iscsiConnection) handleLogout(received *request) error {
	logoutRequest, err := pdu.DecodeLogoutRequest(received.header)
	if err != nil {
		return err
	}
	connection.logger.Infof("Logout request received from initiator: %v, reason %d",
		connection.remoteAddress(), logoutRequest.Reason)
	expCmdSN, _ := connection.window()
	if logoutRequest.CmdSN != expCmdSN {
		return fmt.Errorf("logout CmdSN %d, expected %d", logoutRequest.CmdSN, expCmdSN)
	}
	if logoutRequest.ExpStatSN != connection.statSN {
		return fmt.Errorf("logout ExpStatSN %d, expected %d", logoutRequest.ExpStatSN, connection.statSN)
	}
	if session := connection.session; session != nil && !logoutRequest.Immediate {
		session.ExpCmdSN++
		session.MaxCmdSN = session.ExpCmdSN + session.MaxQueueCommand
	}

	response := &pdu.LogoutResponse{
		Response: pdu.LogoutSuccess,
		Tag:      logoutRequest.Tag,
	}
	switch logoutRequest.Reason {
	case pdu.LogoutCloseSession:
	case pdu.LogoutCloseConnection:
		if logoutRequest.CID != connection.cid {
			response.Response = pdu.LogoutCIDNotFound
		}
	case pdu.LogoutRemoveRecovery:
		response.Response = pdu.LogoutNoRecovery
	default:
		return fmt.Errorf("unknown logout reason %d", logoutRequest.Reason)
	}
	response.StatSN = connection.nextStatSN()
	response.ExpCmdSN, response.MaxCmdSN = connection.window()
	if err := connection.send(response, nil); err != nil {
		return err
	}
	if response.Response == pdu.LogoutSuccess || connection.state != ConnectionStateFullFeature {
		connection.state = ConnectionStateLogout
	}
	return nil
}
