// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"errors"
	"fmt"
	"strconv"

	"iscsitarget/pkg/params"
	"iscsitarget/pkg/pdu"
)

// loginError carries the status a failed login is answered with
// before the connection is closed.
type loginError struct {
	class  byte
	detail byte
	err    error
}

func (err *loginError) Error() string {
	return fmt.Sprintf("login failed with status 0x%02x%02x: %v", err.class, err.detail, err.err)
}

func (err *loginError) Unwrap() error {
	return err.err
}

func initiatorError(detail byte, format string, args ...interface{}) *loginError {
	return &loginError{class: pdu.LoginStatusInitiator, detail: detail, err: fmt.Errorf(format, args...)}
}

func targetError(detail byte, err error) *loginError {
	return &loginError{class: pdu.LoginStatusTarget, detail: detail, err: err}
}

func (connection *iscsiConnection) handleLogin(received *request) error {
	loginRequest, err := pdu.DecodeLoginRequest(received.header)
	if err != nil {
		return err
	}
	if connection.state == ConnectionStatePreLogin {
		connection.statSN = loginRequest.ExpStatSN
		connection.isid = loginRequest.ISID
		connection.cid = loginRequest.CID
		connection.tpgt = connection.driver.targetPortGroup.GroupTag()
		connection.state = ConnectionStateLoginOperational
		if loginRequest.CSG == pdu.StageSecurityNegotiation {
			connection.state = ConnectionStateLoginSecurity
		}
		connection.logger.Infof("Login started, ISID: 0x%012x, CID: %d", loginRequest.ISID, loginRequest.CID)
	}
	connection.loginCmdSN = loginRequest.CmdSN

	if loginErr := connection.login(loginRequest, received.data); loginErr != nil {
		var failure *loginError
		if !errors.As(loginErr, &failure) {
			failure = initiatorError(pdu.LoginDetailNone, "%v", loginErr)
		}
		result := "failure"
		if failure.class == pdu.LoginStatusInitiator && failure.detail == pdu.LoginDetailAuthFailure {
			result = "auth_failure"
		}
		loginsTotal.WithLabelValues(result).Inc()
		connection.logger.Warningf("Login of %s rejected: %v",
			connection.negotiator.Set().Value(params.KeyInitiatorName), failure.err)
		if err := connection.sendLoginResponse(loginRequest, false, nil, failure.class, failure.detail); err != nil {
			connection.logger.Error(err)
		}
		return failure
	}
	return nil
}

// login runs one login round. The response is sent here; the returned
// error aborts the login with its status.
func (connection *iscsiConnection) login(loginRequest *pdu.LoginRequest, data []byte) error {
	if loginRequest.VersionMin > 0 {
		return initiatorError(pdu.LoginDetailVersion,
			"unsupported version range %d-%d", loginRequest.VersionMin, loginRequest.VersionMax)
	}
	if loginRequest.TSIH != IscsiUnspecifiedTargetSessionIdentifierHandler {
		return initiatorError(pdu.LoginDetailNoSession,
			"adding a connection to session 0x%04x is not supported", loginRequest.TSIH)
	}
	if loginRequest.ISID != connection.isid {
		return initiatorError(pdu.LoginDetailInvalid, "ISID changed during login")
	}
	switch {
	case loginRequest.CSG == pdu.StageSecurityNegotiation && connection.state != ConnectionStateLoginSecurity:
		return initiatorError(pdu.LoginDetailInvalid, "security negotiation is already over")
	case loginRequest.CSG == pdu.StageOperationalNegotiation && connection.driver.config.RequireCHAP &&
		!connection.negotiator.Set().Equal(params.KeyAuthResult, params.ValueYes):
		return &loginError{
			class:  pdu.LoginStatusInitiator,
			detail: pdu.LoginDetailAuthFailure,
			err:    errors.New("operational negotiation without authentication"),
		}
	case loginRequest.CSG == pdu.StageOperationalNegotiation:
		connection.state = ConnectionStateLoginOperational
	}

	if loginRequest.Continue {
		connection.loginText = append(connection.loginText, data...)
		return connection.sendLoginResponse(loginRequest, false, nil, pdu.LoginStatusSuccess, pdu.LoginDetailNone)
	}
	text := append(connection.loginText, data...)
	connection.loginText = nil

	response := params.NewKeyValueList()
	if err := connection.negotiator.Parse(text, false, response); err != nil {
		if errors.Is(err, params.ErrAuthentication) {
			return &loginError{class: pdu.LoginStatusInitiator, detail: pdu.LoginDetailAuthFailure, err: err}
		}
		return initiatorError(pdu.LoginDetailNone, "negotiation failed: %v", err)
	}
	if !connection.portalGroupDeclared {
		connection.negotiator.Add(response, params.KeyTargetPortalGroupTag, strconv.Itoa(int(connection.tpgt)))
		connection.portalGroupDeclared = true
	}
	set := connection.negotiator.Set()
	if name := set.Value(params.KeyTargetName); name != "" && connection.target == nil {
		target, err := connection.resolveTarget(name)
		if err != nil {
			return err
		}
		connection.target = target
	}

	transit := loginRequest.Transit
	if transit && loginRequest.CSG == pdu.StageSecurityNegotiation {
		switch set.Value(params.KeyAuthResult) {
		case params.AuthResultFail:
			return &loginError{
				class:  pdu.LoginStatusInitiator,
				detail: pdu.LoginDetailAuthFailure,
				err:    errors.New("authentication failed"),
			}
		case params.ValueNo:
			// CHAP is still running
			transit = false
		case "":
			if connection.driver.config.RequireCHAP {
				return &loginError{
					class:  pdu.LoginStatusInitiator,
					detail: pdu.LoginDetailAuthFailure,
					err:    errors.New("initiator skipped authentication"),
				}
			}
		}
	}
	var finished *ISCSISession
	if transit {
		switch loginRequest.NSG {
		case pdu.StageOperationalNegotiation:
			connection.state = ConnectionStateLoginOperational
		case pdu.StageFullFeature:
			session, err := connection.completeLogin()
			if err != nil {
				return err
			}
			finished = session
		}
	}
	if err := connection.sendLoginResponse(
		loginRequest, transit, response.Bytes(), pdu.LoginStatusSuccess, pdu.LoginDetailNone); err != nil {
		return err
	}
	if finished != nil {
		connection.enterFullFeature(finished)
	}
	return nil
}

func (connection *iscsiConnection) resolveTarget(name string) (*ISCSITarget, error) {
	target, ok := connection.driver.target(name)
	if !ok {
		return nil, initiatorError(pdu.LoginDetailNotFound, "target %s not found", name)
	}
	if !target.Allows(connection.networkConnection.RemoteAddr()) {
		return nil, initiatorError(pdu.LoginDetailAuthorize,
			"initiator %s is not allowed to access %s", connection.remoteAddress(), name)
	}
	return target, nil
}

// completeLogin checks what full feature phase needs and binds the
// session. The response is not sent yet.
func (connection *iscsiConnection) completeLogin() (*ISCSISession, error) {
	set := connection.negotiator.Set()
	if set.Value(params.KeyInitiatorName) == "" {
		return nil, initiatorError(pdu.LoginDetailMissing, "missing %s", params.KeyInitiatorName)
	}
	var sessionType SessionType
	switch set.Value(params.KeySessionType) {
	case params.SessionNormal:
		sessionType = SessionNormal
	case params.SessionDiscovery:
		sessionType = SessionDiscovery
	case "":
		return nil, initiatorError(pdu.LoginDetailMissing, "missing %s", params.KeySessionType)
	default:
		return nil, initiatorError(pdu.LoginDetailInvalid,
			"unknown session type %s", set.Value(params.KeySessionType))
	}
	target := connection.target
	if sessionType == SessionNormal && target == nil {
		return nil, initiatorError(pdu.LoginDetailMissing, "missing %s", params.KeyTargetName)
	}
	if sessionType == SessionDiscovery {
		target = nil
	}
	parameters, err := deriveSessionParameters(set)
	if err != nil {
		return nil, targetError(pdu.LoginDetailTargetError, err)
	}
	session, err := connection.driver.BindISCSISession(connection, target, sessionType, parameters)
	if err != nil {
		return nil, targetError(pdu.LoginDetailNoResources, err)
	}
	connection.session = session
	return session, nil
}

// enterFullFeature switches the connection to the negotiated session
// parameters. Digests start with the first PDU after the final login
// response.
func (connection *iscsiConnection) enterFullFeature(session *ISCSISession) {
	connection.state = ConnectionStateFullFeature
	connection.published.Store(session)
	connection.headerDigest = session.Parameters.HeaderDigest
	connection.dataDigest = session.Parameters.DataDigest
	connection.maxRecvDataSegmentLength = session.Parameters.MaxRecvDataSegmentLength
	connection.noOperationCounterMutex.Lock()
	connection.noOperationCounters.state = waitingForRequest
	connection.noOperationCounters.lastReceivedRequestTime = session.Established
	connection.noOperationCounterMutex.Unlock()
	activeSessions.WithLabelValues(session.SessionType.String()).Inc()
	loginsTotal.WithLabelValues("success").Inc()
	targetName := ""
	if session.Target != nil {
		targetName = session.Target.Name
	}
	connection.logger.Infof("Login complete, initiator: %s, session type: %s, target: %s, TSIH: %d",
		session.Initiator, session.SessionType, targetName, session.TSIH)
}

func (connection *iscsiConnection) sendLoginResponse(
	loginRequest *pdu.LoginRequest,
	transit bool,
	data []byte,
	statusClass, statusDetail byte,
) error {
	response := &pdu.LoginResponse{
		Transit:      transit,
		CSG:          loginRequest.CSG,
		ISID:         loginRequest.ISID,
		TSIH:         loginRequest.TSIH,
		Tag:          loginRequest.Tag,
		StatSN:       connection.nextStatSN(),
		StatusClass:  statusClass,
		StatusDetail: statusDetail,
	}
	if transit {
		response.NSG = loginRequest.NSG
	}
	if connection.session != nil {
		response.TSIH = connection.session.TSIH
	}
	response.ExpCmdSN, response.MaxCmdSN = connection.window()
	if statusClass != pdu.LoginStatusSuccess {
		data = nil
	}
	return connection.send(response, data)
}
