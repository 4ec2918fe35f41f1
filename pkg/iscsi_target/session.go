// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"fmt"
	"sync"
	"time"

	"iscsitarget/pkg/params"
	"iscsitarget/pkg/scsi"
)

const (
	IscsiMaxTargetSessionIdentifierHandler         = uint16(0xffff)
	IscsiUnspecifiedTargetSessionIdentifierHandler = uint16(0)
)

// MaxQueueCmdDef is the CmdSN window granted to every session.
const MaxQueueCmdDef = 128

type SessionType int

const (
	SessionNormal SessionType = iota
	SessionDiscovery
)

func (sessionType SessionType) String() string {
	if sessionType == SessionDiscovery {
		return params.SessionDiscovery
	}
	return params.SessionNormal
}

// SessionParameters are derived once from the final negotiated set.
type SessionParameters struct {
	HeaderDigest             bool
	DataDigest               bool
	InitialR2T               bool
	ImmediateData            bool
	MaxRecvDataSegmentLength uint32
	MaxBurstLength           uint32
	FirstBurstLength         uint32
	DefaultTime2Wait         uint16
	DefaultTime2Retain       uint16
}

func deriveSessionParameters(set *params.Set) (SessionParameters, error) {
	result := SessionParameters{
		HeaderDigest:  set.Equal(params.KeyHeaderDigest, params.DigestCRC32C),
		DataDigest:    set.Equal(params.KeyDataDigest, params.DigestCRC32C),
		InitialR2T:    set.Bool(params.KeyInitialR2T),
		ImmediateData: set.Bool(params.KeyImmediateData),
	}
	if set.Value(params.KeyMaxRecvDataSegmentLength) == "0" {
		return result, fmt.Errorf("%s=0 is not supported", params.KeyMaxRecvDataSegmentLength)
	}
	numbers := []struct {
		key   string
		value *uint32
	}{
		{params.KeyMaxRecvDataSegmentLength, &result.MaxRecvDataSegmentLength},
		{params.KeyMaxBurstLength, &result.MaxBurstLength},
		{params.KeyFirstBurstLength, &result.FirstBurstLength},
	}
	for _, number := range numbers {
		value, err := set.Number(number.key)
		if err != nil {
			return result, fmt.Errorf("bad %s: %w", number.key, err)
		}
		*number.value = value
	}
	// zero means unbounded for the burst keys
	if result.MaxBurstLength == 0 {
		result.MaxBurstLength = 1<<24 - 1
	}
	if result.FirstBurstLength == 0 || result.FirstBurstLength > result.MaxBurstLength {
		result.FirstBurstLength = result.MaxBurstLength
	}
	if wait, err := set.Number(params.KeyDefaultTime2Wait); err == nil {
		result.DefaultTime2Wait = uint16(wait)
	}
	if retain, err := set.Number(params.KeyDefaultTime2Retain); err == nil {
		result.DefaultTime2Retain = uint16(retain)
	}
	return result, nil
}

// ISCSISession is the full feature state of one login. There is a
// single connection per session.
type ISCSISession struct {
	TSIH           uint16
	ISID           uint64
	CID            uint16
	TPGT           uint16
	Initiator      string
	InitiatorAlias string
	SessionType    SessionType
	Target         *ISCSITarget
	ITNexus        *scsi.ITNexus
	Parameters     SessionParameters
	Established    time.Time

	// Touched only by the connection worker.
	ExpCmdSN        uint32
	MaxCmdSN        uint32
	MaxQueueCommand uint32

	connection *iscsiConnection
	unbind     sync.Once
}

// SessionRepresentation is the listing form of a session.
type SessionRepresentation struct {
	TSIH        uint16    `json:"tsih"`
	ISID        string    `json:"isid"`
	Initiator   string    `json:"initiator"`
	Target      string    `json:"target,omitempty"`
	SessionType string    `json:"session_type"`
	Remote      string    `json:"remote"`
	Established time.Time `json:"established"`
}

func (session *ISCSISession) Representation() SessionRepresentation {
	representation := SessionRepresentation{
		TSIH:        session.TSIH,
		ISID:        fmt.Sprintf("0x%012x", session.ISID),
		Initiator:   session.Initiator,
		SessionType: session.SessionType.String(),
		Established: session.Established,
	}
	if session.Target != nil {
		representation.Target = session.Target.Name
	}
	if session.connection != nil {
		representation.Remote = session.connection.remoteAddress()
	}
	return representation
}

// advanceWindow applies the CmdSN rule of every full feature command
// except Logout: a gap is logged and resynchronised, never rejected.
func (session *ISCSISession) advanceWindow(cmdSN uint32, immediate bool) {
	if cmdSN != session.ExpCmdSN {
		session.connection.logger.Warnf(
			"CmdSN %d does not match ExpCmdSN %d, resynchronising", cmdSN, session.ExpCmdSN)
		session.ExpCmdSN = cmdSN
	}
	if !immediate {
		session.ExpCmdSN++
	}
	session.MaxCmdSN = session.ExpCmdSN + session.MaxQueueCommand
}

func (targetDriver *ISCSITargetDriver) AllocTSIH() uint16 {
	targetDriver.TargetSessionIdentifierHandlePoolMutex.Lock()
	defer targetDriver.TargetSessionIdentifierHandlePoolMutex.Unlock()
	for i := uint16(1); i < IscsiMaxTargetSessionIdentifierHandler; i++ {
		if !targetDriver.TargetSessionIdentifierHandlePool[i] {
			targetDriver.TargetSessionIdentifierHandlePool[i] = true
			return i
		}
	}
	return IscsiUnspecifiedTargetSessionIdentifierHandler
}

func (targetDriver *ISCSITargetDriver) ReleaseTSIH(tsih uint16) {
	if tsih == IscsiUnspecifiedTargetSessionIdentifierHandler {
		return
	}
	targetDriver.TargetSessionIdentifierHandlePoolMutex.Lock()
	delete(targetDriver.TargetSessionIdentifierHandlePool, tsih)
	targetDriver.TargetSessionIdentifierHandlePoolMutex.Unlock()
}

// BindISCSISession turns a finished login into a session: it takes a
// TSIH, registers the I_T nexus and replaces an older session of the
// same initiator port.
func (targetDriver *ISCSITargetDriver) BindISCSISession(
	connection *iscsiConnection,
	target *ISCSITarget,
	sessionType SessionType,
	parameters SessionParameters,
) (*ISCSISession, error) {
	tsih := targetDriver.AllocTSIH()
	if tsih == IscsiUnspecifiedTargetSessionIdentifierHandler {
		return nil, fmt.Errorf("TSIH pool exhausted")
	}
	set := connection.negotiator.Set()
	session := &ISCSISession{
		TSIH:            tsih,
		ISID:            connection.isid,
		CID:             connection.cid,
		TPGT:            connection.tpgt,
		Initiator:       set.Value(params.KeyInitiatorName),
		InitiatorAlias:  set.Value(params.KeyInitiatorAlias),
		SessionType:     sessionType,
		Target:          target,
		Parameters:      parameters,
		Established:     time.Now(),
		ExpCmdSN:        connection.loginCmdSN,
		MaxQueueCommand: MaxQueueCmdDef,
		connection:      connection,
	}
	session.MaxCmdSN = session.ExpCmdSN + session.MaxQueueCommand
	if target == nil {
		return session, nil
	}
	if existing := target.lookupSession(session.Initiator, session.ISID); existing != nil {
		connection.logger.Infof("Session reinstatement initiator: %s, target: %s, ISID: 0x%x",
			session.Initiator, target.Name, session.ISID)
		targetDriver.UnBindISCSISession(existing)
		existing.connection.close()
	}
	session.ITNexus = scsi.NewITNexus(GenerateIscsiItNexusID(session))
	target.SCSITarget.AddITNexus(session.ITNexus)
	target.SessionsRWMutex.Lock()
	target.Sessions[tsih] = session
	target.SessionsRWMutex.Unlock()
	return session, nil
}

// UnBindISCSISession may run twice for a reinstated session, from the
// new login and from the old worker.
func (targetDriver *ISCSITargetDriver) UnBindISCSISession(session *ISCSISession) {
	session.unbind.Do(func() { targetDriver.unbind(session) })
}

func (targetDriver *ISCSITargetDriver) unbind(session *ISCSISession) {
	targetDriver.ReleaseTSIH(session.TSIH)
	target := session.Target
	if target == nil {
		return
	}
	target.SessionsRWMutex.Lock()
	if target.Sessions[session.TSIH] == session {
		delete(target.Sessions, session.TSIH)
	}
	target.SessionsRWMutex.Unlock()
	if session.ITNexus != nil {
		target.SCSITarget.RemoveITNexus(session.ITNexus)
	}
}

// GenerateIscsiItNexusID is (initiator name + ",i," + ISID, target name + ",t," + TPGT).
func GenerateIscsiItNexusID(session *ISCSISession) string {
	return fmt.Sprintf("%s,i,0x%012x,%s,t,0x%04x",
		session.Initiator, session.ISID,
		session.Target.Name,
		session.TPGT)
}
