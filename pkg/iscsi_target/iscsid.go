// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"

	"iscsitarget/pkg/logger"
	"iscsitarget/pkg/pdu"
	"iscsitarget/pkg/scsi"
	"iscsitarget/pkg/storage"
)

const defaultTargetPortGroupTag = 1

var ErrTargetNotFound = errors.New("target does not exist")

type ISCSITargetDriver struct {
	SCSI                                   *scsi.TargetService
	config                                 Config
	iSCSITargets                           map[string]*ISCSITarget
	iSCSITargetsMutex                      sync.RWMutex
	targetPortGroup                        *TargetPortGroup
	pool                                   *SessionPool
	TargetSessionIdentifierHandlePool      map[uint16]bool
	TargetSessionIdentifierHandlePoolMutex sync.Mutex

	serversMutex sync.Mutex
	servers      []*tcpServer
	workers      sync.WaitGroup
	// stopping is set once shutdown begins; guarded by workersMutex
	workersMutex sync.Mutex
	stopping     bool
}

func NewISCSITargetDriver(config Config, base *scsi.TargetService) (*ISCSITargetDriver, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	targetPortGroup, err := newTargetPortGroup(defaultTargetPortGroupTag, config.Portals)
	if err != nil {
		return nil, err
	}
	driver := &ISCSITargetDriver{
		SCSI:                              base,
		config:                            config,
		iSCSITargets:                      map[string]*ISCSITarget{},
		targetPortGroup:                   targetPortGroup,
		pool:                              NewSessionPool(config.MaxSessions),
		TargetSessionIdentifierHandlePool: map[uint16]bool{0: true, 65535: true},
	}
	return driver, nil
}

func (targetDriver *ISCSITargetDriver) target(name string) (*ISCSITarget, bool) {
	targetDriver.iSCSITargetsMutex.RLock()
	defer targetDriver.iSCSITargetsMutex.RUnlock()
	target, ok := targetDriver.iSCSITargets[name]
	return target, ok
}

// targets are sorted by name so SendTargets answers are stable.
func (targetDriver *ISCSITargetDriver) targets() []*ISCSITarget {
	targetDriver.iSCSITargetsMutex.RLock()
	defer targetDriver.iSCSITargetsMutex.RUnlock()
	result := make([]*ISCSITarget, 0, len(targetDriver.iSCSITargets))
	for _, target := range targetDriver.iSCSITargets {
		result = append(result, target)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (targetDriver *ISCSITargetDriver) lookupTarget(targetName string) (*ISCSITarget, error) {
	target, ok := targetDriver.target(targetName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, targetName)
	}
	return target, nil
}

func (targetDriver *ISCSITargetDriver) NewTarget(targetName string) error {
	targetDriver.iSCSITargetsMutex.Lock()
	defer targetDriver.iSCSITargetsMutex.Unlock()
	if _, ok := targetDriver.iSCSITargets[targetName]; ok {
		return fmt.Errorf("target %s already exists", targetName)
	}
	scsiTarget, err := targetDriver.SCSI.NewSCSITarget(targetName)
	if err != nil {
		return err
	}
	targetDriver.iSCSITargets[targetName] = newISCSITarget(scsiTarget, targetDriver.targetPortGroup)
	logger.GetLogger().Infof("Target %s created", targetName)
	return nil
}

func (targetDriver *ISCSITargetDriver) DeleteTarget(targetName string) error {
	targetDriver.iSCSITargetsMutex.Lock()
	defer targetDriver.iSCSITargetsMutex.Unlock()
	if _, ok := targetDriver.iSCSITargets[targetName]; !ok {
		return fmt.Errorf("%w: %s", ErrTargetNotFound, targetName)
	}
	if err := targetDriver.SCSI.DeleteSCSITarget(targetName); err != nil {
		return err
	}
	delete(targetDriver.iSCSITargets, targetName)
	logger.GetLogger().Infof("Target %s deleted", targetName)
	return nil
}

func (targetDriver *ISCSITargetDriver) CheckTargetExists(targetName string) error {
	_, err := targetDriver.lookupTarget(targetName)
	return err
}

// AddLun opens the device tree of spec and exports it under the lowest
// free LUN of the target.
func (targetDriver *ISCSITargetDriver) AddLun(targetName string, spec storage.Spec, blockLength uint32) (uint64, error) {
	target, err := targetDriver.lookupTarget(targetName)
	if err != nil {
		return 0, err
	}
	store, err := scsi.OpenBackingStore(spec)
	if err != nil {
		return 0, err
	}
	logicalUnit, err := target.SCSITarget.AddLogicalUnit(store, blockLength)
	if err != nil {
		store.Close()
		return 0, err
	}
	logger.GetLogger().Infof("LUN %d of %s backed by %s", logicalUnit.Index, targetName, spec)
	return logicalUnit.Index, nil
}

func (targetDriver *ISCSITargetDriver) RemoveLun(targetName string, logicalUnitId uint64) (string, error) {
	target, err := targetDriver.lookupTarget(targetName)
	if err != nil {
		return "", err
	}
	return target.SCSITarget.DetachLogicalUnit(logicalUnitId)
}

func (targetDriver *ISCSITargetDriver) Clear(targetName string) ([]string, error) {
	target, err := targetDriver.lookupTarget(targetName)
	if err != nil {
		return nil, err
	}
	return target.SCSITarget.Clear()
}

func (targetDriver *ISCSITargetDriver) SetAllowedInitiators(targetName string, networks []*net.IPNet) error {
	target, err := targetDriver.lookupTarget(targetName)
	if err != nil {
		return err
	}
	target.SetAllowedInitiators(networks)
	return nil
}

func (targetDriver *ISCSITargetDriver) AllowedInitiators(targetName string) ([]string, error) {
	target, err := targetDriver.lookupTarget(targetName)
	if err != nil {
		return nil, err
	}
	return target.AllowedInitiators(), nil
}

func (targetDriver *ISCSITargetDriver) List() map[string]scsi.TargetRepresentation {
	result := make(map[string]scsi.TargetRepresentation)
	for _, target := range targetDriver.targets() {
		result[target.Name] = target.Representation()
	}
	return result
}

// Sessions lists logged in sessions, discovery ones included.
func (targetDriver *ISCSITargetDriver) Sessions() []SessionRepresentation {
	result := []SessionRepresentation{}
	for _, connection := range targetDriver.pool.connections() {
		if session := connection.currentSession(); session != nil {
			result = append(result, session.Representation())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TSIH < result[j].TSIH })
	return result
}

// Run listens on every configured portal and serves until ctx ends.
func (targetDriver *ISCSITargetDriver) Run(ctx context.Context) error {
	if err := targetDriver.Listen(); err != nil {
		return err
	}
	return targetDriver.Serve(ctx)
}

func (targetDriver *ISCSITargetDriver) Listen() error {
	targetDriver.serversMutex.Lock()
	defer targetDriver.serversMutex.Unlock()
	for _, portal := range targetDriver.config.Portals {
		server, err := listenTcp(portal, &targetDriver.config, targetDriver.admit, targetDriver.serveAdmitted)
		if err != nil {
			for _, started := range targetDriver.servers {
				started.listener.Close()
			}
			targetDriver.servers = nil
			return err
		}
		targetDriver.servers = append(targetDriver.servers, server)
	}
	return nil
}

// Addresses are the bound listen addresses, valid after Listen.
func (targetDriver *ISCSITargetDriver) Addresses() []net.Addr {
	targetDriver.serversMutex.Lock()
	defer targetDriver.serversMutex.Unlock()
	result := make([]net.Addr, 0, len(targetDriver.servers))
	for _, server := range targetDriver.servers {
		result = append(result, server.Addr())
	}
	return result
}

func (targetDriver *ISCSITargetDriver) Serve(ctx context.Context) error {
	targetDriver.serversMutex.Lock()
	servers := append([]*tcpServer(nil), targetDriver.servers...)
	targetDriver.serversMutex.Unlock()
	if len(servers) == 0 {
		return fmt.Errorf("no portal is listening")
	}
	errs := make(chan error, len(servers))
	for _, server := range servers {
		go func(server *tcpServer) {
			errs <- server.serve(ctx)
		}(server)
	}
	var first error
	for range servers {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	targetDriver.shutdownConnections()
	targetDriver.workers.Wait()
	return first
}

// admit counts a new connection worker. It fails once shutdown has
// begun, so workers.Add never races with workers.Wait.
func (targetDriver *ISCSITargetDriver) admit() bool {
	targetDriver.workersMutex.Lock()
	defer targetDriver.workersMutex.Unlock()
	if targetDriver.stopping {
		return false
	}
	targetDriver.workers.Add(1)
	return true
}

func (targetDriver *ISCSITargetDriver) isStopping() bool {
	targetDriver.workersMutex.Lock()
	defer targetDriver.workersMutex.Unlock()
	return targetDriver.stopping
}

func (targetDriver *ISCSITargetDriver) shutdownConnections() {
	targetDriver.workersMutex.Lock()
	targetDriver.stopping = true
	targetDriver.workersMutex.Unlock()
	for _, connection := range targetDriver.pool.connections() {
		connection.shutdownRead()
	}
}

// Close stops the connection workers and releases every backing store.
func (targetDriver *ISCSITargetDriver) Close() error {
	targetDriver.shutdownConnections()
	targetDriver.workers.Wait()
	return targetDriver.SCSI.Close()
}

// ServeConnection runs one connection to completion. A full session
// pool or a driver shutting down closes this connection only.
func (targetDriver *ISCSITargetDriver) ServeConnection(networkConnection net.Conn) {
	if !targetDriver.admit() {
		connectionsRefused.Inc()
		logger.GetLogger().Warningf("Connection from %s refused: shutting down", remoteAddress(networkConnection))
		if err := networkConnection.Close(); err != nil {
			logger.GetLogger().Error(err)
		}
		return
	}
	targetDriver.serveAdmitted(networkConnection)
}

// serveAdmitted runs a connection already counted by admit.
func (targetDriver *ISCSITargetDriver) serveAdmitted(networkConnection net.Conn) {
	defer targetDriver.workers.Done()
	connection := newConnection(targetDriver, networkConnection)
	handle, err := targetDriver.pool.Acquire(connection)
	if err != nil {
		connectionsRefused.Inc()
		connection.logger.Warningf("Connection refused: %v", err)
		connection.close()
		return
	}
	connection.handle = handle
	// the shutdown sweep may have run before the slot was taken
	if targetDriver.isStopping() {
		connectionsRefused.Inc()
		connection.logger.Warning("Connection refused: shutting down")
		targetDriver.release(connection)
		return
	}

	if targetDriver.config.NopInterval > 0 {
		go targetDriver.startNopPingWorker(connection)
	}
	if err := targetDriver.receiveLoop(connection); err != nil {
		connection.logger.Warningf("Connection closed: %v", err)
	} else {
		connection.logger.Info("Connection closed")
	}
	targetDriver.release(connection)
}

func (targetDriver *ISCSITargetDriver) release(connection *iscsiConnection) {
	if session := connection.published.Swap(nil); session != nil {
		activeSessions.WithLabelValues(session.SessionType.String()).Dec()
	}
	if connection.session != nil {
		targetDriver.UnBindISCSISession(connection.session)
	}
	connection.close()
	targetDriver.pool.Release(connection.handle)
	connection.handle = noSessionHandle
}

func (targetDriver *ISCSITargetDriver) startNopPingWorker(connection *iscsiConnection) {
	err := connection.probeInitiatorWithPings(targetDriver.config.NopInterval, targetDriver.config.NopTimeout)
	if err != nil {
		connection.logger.Warningf("Initiator stopped answering: %v", err)
		connection.shutdownRead()
	}
}

// receiveLoop reads and dispatches PDUs until logout, an error or the
// initiator going away. A nil result is a clean end.
func (targetDriver *ISCSITargetDriver) receiveLoop(connection *iscsiConnection) error {
	for connection.state != ConnectionStateLogout {
		received, err := connection.readPDU()
		if errors.Is(err, errDataDigest) && connection.state == ConnectionStateFullFeature {
			connection.logger.Warning(err)
			if err := connection.sendReject(pdu.RejectDataDigest, received.header); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || connection.isClosed() {
				return nil
			}
			return err
		}
		if err := targetDriver.dispatch(connection, received); err != nil {
			return err
		}
	}
	return nil
}

func (targetDriver *ISCSITargetDriver) dispatch(connection *iscsiConnection, received *request) error {
	opcode := received.opcode()
	connection.logger.Debugf("%s in state %s", opcode, connection.state)
	switch connection.state {
	case ConnectionStatePreLogin:
		if opcode != pdu.OpLoginRequest {
			return fmt.Errorf("%s before login", opcode)
		}
		return connection.handleLogin(received)
	case ConnectionStateLoginSecurity, ConnectionStateLoginOperational:
		switch opcode {
		case pdu.OpLoginRequest:
			return connection.handleLogin(received)
		case pdu.OpLogoutRequest:
			return connection.handleLogout(received)
		}
		return connection.rejectDuringLogin(received)
	}
	switch opcode {
	case pdu.OpNopOut:
		return connection.handleNopOut(received)
	case pdu.OpSCSICommand:
		return connection.handleSCSICommand(received)
	case pdu.OpTaskRequest:
		return connection.handleTaskManagement(received)
	case pdu.OpTextRequest:
		return connection.handleText(received)
	case pdu.OpLogoutRequest:
		return connection.handleLogout(received)
	}
	// Data-Out outside of a transfer, SNACK and unknown opcodes
	return connection.sendReject(pdu.RejectProtocolError, received.header)
}

// rejectDuringLogin answers a non-login PDU before full feature phase
// and ends the connection.
func (connection *iscsiConnection) rejectDuringLogin(received *request) error {
	loginsTotal.WithLabelValues("failure").Inc()
	response := &pdu.LoginResponse{
		ISID:         connection.isid,
		Tag:          pdu.PeekTaskTag(received.header),
		StatSN:       connection.nextStatSN(),
		StatusClass:  pdu.LoginStatusInitiator,
		StatusDetail: pdu.LoginDetailInvalid,
	}
	response.ExpCmdSN, response.MaxCmdSN = connection.window()
	if err := connection.send(response, nil); err != nil {
		connection.logger.Error(err)
	}
	return fmt.Errorf("%s during login", received.opcode())
}

// handleNopOut echoes ping data back. A reserved tag asks for no
// answer, which is how initiators reply to our own NOP-In.
func (connection *iscsiConnection) handleNopOut(received *request) error {
	nopOut, err := pdu.DecodeNopOut(received.header)
	if err != nil {
		return err
	}
	if nopOut.Tag == pdu.ReservedTag {
		return nil
	}
	connection.session.advanceWindow(nopOut.CmdSN, nopOut.Immediate)
	nopIn := &pdu.NopIn{
		LUN:         nopOut.LUN,
		Tag:         nopOut.Tag,
		TransferTag: pdu.ReservedTag,
		StatSN:      connection.nextStatSN(),
	}
	nopIn.ExpCmdSN, nopIn.MaxCmdSN = connection.window()
	return connection.send(nopIn, received.data)
}
