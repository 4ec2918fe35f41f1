// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"iscsitarget/pkg/logger"
	"iscsitarget/pkg/params"
	"iscsitarget/pkg/pdu"
)

type connectionState int

const (
	ConnectionStatePreLogin connectionState = iota
	ConnectionStateLoginSecurity
	ConnectionStateLoginOperational
	ConnectionStateFullFeature
	ConnectionStateLogout
	ConnectionStateClosed
)

func (state connectionState) String() string {
	switch state {
	case ConnectionStatePreLogin:
		return "pre login"
	case ConnectionStateLoginSecurity:
		return "security negotiation"
	case ConnectionStateLoginOperational:
		return "operational negotiation"
	case ConnectionStateFullFeature:
		return "full feature"
	case ConnectionStateLogout:
		return "logout"
	case ConnectionStateClosed:
		return "closed"
	}
	return "unknown"
}

// login text and data segments before negotiation
const defaultMaxRecvDataSegmentLength = 8192

const digestSize = 4

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// errDataDigest marks a CRC mismatch. A bad data digest outside a data
// transfer only rejects the PDU, a bad header digest closes the
// connection.
var errDataDigest = errors.New("digest mismatch")

type nopThreadState byte

const (
	noRequestReceived = nopThreadState(iota)
	waitingForRequest
	waitingForPingResponse
)

type NoOperationCounters struct {
	statusSequenceNumber,
	expectedCommandSequenceNumber,
	maxCommandSequenceNumber,
	targetTransferTag uint32
	lastReceivedRequestTime time.Time
	pingSentTime            time.Time
	state                   nopThreadState
}

// request is one PDU as read off the wire.
type request struct {
	header []byte
	data   []byte
}

func (request *request) opcode() pdu.Opcode {
	return pdu.PeekOpcode(request.header)
}

type iscsiConnection struct {
	driver            *ISCSITargetDriver
	networkConnection net.Conn
	reader            *bufio.Reader
	logger            *logger.Logger
	handle            SessionHandle

	state      connectionState
	negotiator *params.Negotiator
	session    *ISCSISession
	target     *ISCSITarget
	// session once in full feature phase, for readers off the worker
	published atomic.Pointer[ISCSISession]

	cid        uint16
	isid       uint64
	tpgt       uint16
	loginCmdSN uint32
	// StatSN of the next response
	statSN uint32
	// declared once, in the first login response
	portalGroupDeclared bool
	loginText           []byte

	// text request continuation
	textIn       []byte
	textOut      []byte
	textOutTag   uint32
	transferTags uint32

	headerDigest bool
	dataDigest   bool
	// negotiated segment limit, both directions
	maxRecvDataSegmentLength uint32

	writeLock sync.Mutex
	// Set of counters for ping request
	noOperationCounters     NoOperationCounters
	noOperationCounterMutex sync.Mutex
	closed                  bool
	done                    chan struct{}
}

func newConnection(driver *ISCSITargetDriver, networkConnection net.Conn) *iscsiConnection {
	set := params.NewSet(driver.config.definitions())
	// empty until AuthMethod is negotiated
	set.Clear(params.KeyAuthResult)
	if driver.config.EnableDigests {
		// undefined until negotiated, the RFC default is None
		set.Clear(params.KeyHeaderDigest)
		set.Clear(params.KeyDataDigest)
	}
	connection := &iscsiConnection{
		driver:                   driver,
		networkConnection:        networkConnection,
		reader:                   bufio.NewReaderSize(networkConnection, 64*1024),
		logger:                   logger.GetLogger().WithField("remote", remoteAddress(networkConnection)),
		handle:                   noSessionHandle,
		negotiator:               params.NewNegotiator(set, driver.config.Credentials, driver.config.Mutual),
		maxRecvDataSegmentLength: defaultMaxRecvDataSegmentLength,
		done:                     make(chan struct{}),
	}
	return connection
}

func remoteAddress(networkConnection net.Conn) string {
	if address := networkConnection.RemoteAddr(); address != nil {
		return address.String()
	}
	return ""
}

func (connection *iscsiConnection) remoteAddress() string {
	return remoteAddress(connection.networkConnection)
}

func (connection *iscsiConnection) localAddress() string {
	if address := connection.networkConnection.LocalAddr(); address != nil {
		return address.String()
	}
	return ""
}

func (connection *iscsiConnection) currentSession() *ISCSISession {
	return connection.published.Load()
}

func (connection *iscsiConnection) nextStatSN() uint32 {
	statSN := connection.statSN
	connection.statSN++
	return statSN
}

// window returns ExpCmdSN and MaxCmdSN for a response.
func (connection *iscsiConnection) window() (uint32, uint32) {
	if connection.session == nil {
		return connection.loginCmdSN, connection.loginCmdSN
	}
	return connection.session.ExpCmdSN, connection.session.MaxCmdSN
}

func (connection *iscsiConnection) nextTransferTag() uint32 {
	connection.transferTags++
	if connection.transferTags == pdu.ReservedTag {
		connection.transferTags = 1
	}
	return connection.transferTags
}

func (connection *iscsiConnection) readFull(buffer []byte) error {
	_, err := io.ReadFull(connection.reader, buffer)
	return err
}

func (connection *iscsiConnection) readDigest(name string, parts ...[]byte) error {
	buffer := make([]byte, digestSize)
	if err := connection.readFull(buffer); err != nil {
		return err
	}
	expected := binary.LittleEndian.Uint32(buffer)
	if actual := checksum(parts...); actual != expected {
		return fmt.Errorf("%w: %s digest 0x%08x, computed 0x%08x", errDataDigest, name, expected, actual)
	}
	return nil
}

func checksum(parts ...[]byte) uint32 {
	var sum uint32
	for _, part := range parts {
		sum = crc32.Update(sum, crc32cTable, part)
	}
	return sum
}

func digestBytes(parts ...[]byte) []byte {
	result := make([]byte, digestSize)
	binary.LittleEndian.PutUint32(result, checksum(parts...))
	return result
}

// readPDU reads header, AHS, digests and the padded data segment.
func (connection *iscsiConnection) readPDU() (*request, error) {
	header := make([]byte, pdu.HeaderSize)
	if err := connection.readFull(header); err != nil {
		return nil, err
	}
	var ahs []byte
	if length := pdu.PeekTotalAHSLength(header); length > 0 {
		ahs = make([]byte, length)
		if err := connection.readFull(ahs); err != nil {
			return nil, err
		}
	}
	if connection.headerDigest {
		if err := connection.readDigest("header", header, ahs); err != nil {
			return nil, err
		}
	}
	length := pdu.PeekDataSegmentLength(header)
	var data []byte
	var digestErr error
	if length > 0 {
		padded := make([]byte, pdu.PaddedLength(length))
		if err := connection.readFull(padded); err != nil {
			return nil, err
		}
		if connection.dataDigest {
			if err := connection.readDigest("data", padded); err != nil {
				if !errors.Is(err, errDataDigest) {
					return nil, err
				}
				digestErr = err
			}
		}
		data = padded[:length]
	}
	connection.onReceivedHeader()
	received := &request{header: header, data: data}
	pduReceived.WithLabelValues(received.opcode().String()).Inc()
	bytesReceived.Add(float64(pdu.HeaderSize + len(data)))
	return received, digestErr
}

// send writes one PDU with a single vectored write. The data segment
// length of the encoded header is taken from data.
func (connection *iscsiConnection) send(header pdu.Header, data []byte) error {
	raw := header.Encode()
	length := len(data)
	raw[5], raw[6], raw[7] = byte(length>>16), byte(length>>8), byte(length)
	buffers := net.Buffers{raw}
	if connection.headerDigest {
		buffers = append(buffers, digestBytes(raw))
	}
	if length > 0 {
		padded := data
		if padding := int(pdu.PaddedLength(uint32(length))) - length; padding > 0 {
			padded = make([]byte, length+padding)
			copy(padded, data)
		}
		buffers = append(buffers, padded)
		if connection.dataDigest {
			buffers = append(buffers, digestBytes(padded))
		}
	}
	connection.writeLock.Lock()
	defer connection.writeLock.Unlock()
	if connection.closed {
		return fmt.Errorf("connection already closed")
	}
	if _, err := buffers.WriteTo(connection.networkConnection); err != nil {
		return err
	}
	pduSent.WithLabelValues(header.Opcode().String()).Inc()
	bytesSent.Add(float64(pdu.HeaderSize + length))
	connection.updateNoOperationCounters()
	return nil
}

func (connection *iscsiConnection) sendReject(reason byte, rejected []byte) error {
	connection.logger.Warnf("Reject %s, reason 0x%02x", pdu.PeekOpcode(rejected), reason)
	expCmdSN, maxCmdSN := connection.window()
	reject := &pdu.Reject{
		Reason:   reason,
		StatSN:   connection.nextStatSN(),
		ExpCmdSN: expCmdSN,
		MaxCmdSN: maxCmdSN,
	}
	return connection.send(reject, rejected)
}

func (connection *iscsiConnection) close() {
	connection.writeLock.Lock()
	defer connection.writeLock.Unlock()
	if !connection.closed {
		connection.closed = true
		connection.networkConnection.Close()
		close(connection.done)
	}
}

// shutdownRead unblocks a worker waiting for the next PDU without
// tearing down a response in flight.
func (connection *iscsiConnection) shutdownRead() {
	if tcp, ok := connection.networkConnection.(*net.TCPConn); ok {
		if err := tcp.CloseRead(); err == nil {
			return
		}
	}
	connection.close()
}

func (connection *iscsiConnection) isClosed() bool {
	connection.writeLock.Lock()
	defer connection.writeLock.Unlock()
	return connection.closed
}

// updateNoOperationCounters snapshots the sequence numbers a ping
// must carry. Called with writeLock held.
func (connection *iscsiConnection) updateNoOperationCounters() {
	connection.noOperationCounterMutex.Lock()
	defer connection.noOperationCounterMutex.Unlock()
	expCmdSN, maxCmdSN := connection.window()
	connection.noOperationCounters.statusSequenceNumber = connection.statSN
	connection.noOperationCounters.expectedCommandSequenceNumber = expCmdSN
	connection.noOperationCounters.maxCommandSequenceNumber = maxCmdSN
}

func (connection *iscsiConnection) onReceivedHeader() {
	connection.noOperationCounterMutex.Lock()
	defer connection.noOperationCounterMutex.Unlock()
	connection.noOperationCounters.lastReceivedRequestTime = time.Now()
	if connection.state == ConnectionStateFullFeature {
		connection.noOperationCounters.state = waitingForRequest
	}
}

func (connection *iscsiConnection) sendNoOperationPing() error {
	connection.writeLock.Lock()
	defer connection.writeLock.Unlock()
	connection.noOperationCounterMutex.Lock()
	defer connection.noOperationCounterMutex.Unlock()
	if connection.closed {
		return fmt.Errorf("connection already closed")
	}
	counters := &connection.noOperationCounters
	counters.targetTransferTag++
	if counters.targetTransferTag == pdu.ReservedTag {
		counters.targetTransferTag = 1
	}
	ping := &pdu.NopIn{
		Tag:         pdu.ReservedTag,
		TransferTag: counters.targetTransferTag,
		StatSN:      counters.statusSequenceNumber,
		ExpCmdSN:    counters.expectedCommandSequenceNumber,
		MaxCmdSN:    counters.maxCommandSequenceNumber,
	}
	raw := ping.Encode()
	buffers := net.Buffers{raw}
	if connection.headerDigest {
		buffers = append(buffers, digestBytes(raw))
	}
	if _, err := buffers.WriteTo(connection.networkConnection); err != nil {
		return err
	}
	pduSent.WithLabelValues(ping.Opcode().String()).Inc()
	counters.state = waitingForPingResponse
	counters.pingSentTime = time.Now()
	return nil
}

type ErrInitiatorConnectionTimeout struct{}

func (err ErrInitiatorConnectionTimeout) Error() string {
	return "no heartbeat received"
}

func computeSleepDuration(timeout, sleepDuration time.Duration, since time.Time) time.Duration {
	elapsedTime := time.Since(since)
	if actualSleepDuration := timeout - elapsedTime; actualSleepDuration < sleepDuration {
		return actualSleepDuration
	}
	return sleepDuration
}

// probeInitiatorWithPings sends a NOP-In after nopInterval of silence
// and gives up when the initiator stays silent for nopTimeout more.
func (connection *iscsiConnection) probeInitiatorWithPings(nopInterval, nopTimeout time.Duration) error {
	sleepDuration := time.Millisecond * 50
	for {
		select {
		case <-connection.done:
			return nil
		default:
		}
		connection.noOperationCounterMutex.Lock()
		state := connection.noOperationCounters.state
		lastReceived := connection.noOperationCounters.lastReceivedRequestTime
		pingSent := connection.noOperationCounters.pingSentTime
		connection.noOperationCounterMutex.Unlock()
		switch state {
		case noRequestReceived:
			time.Sleep(sleepDuration)
		case waitingForRequest:
			if time.Since(lastReceived) < nopInterval {
				time.Sleep(computeSleepDuration(nopInterval, sleepDuration, lastReceived))
				continue
			}
			if err := connection.sendNoOperationPing(); err != nil {
				return err
			}
		case waitingForPingResponse:
			if time.Since(pingSent) < nopTimeout {
				time.Sleep(computeSleepDuration(nopTimeout, sleepDuration, pingSent))
				continue
			}
			return &ErrInitiatorConnectionTimeout{}
		}
	}
}
