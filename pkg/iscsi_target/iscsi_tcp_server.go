// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"iscsitarget/pkg/logger"
)

func setKeepaliveParameters(
	connection *net.TCPConn,
	keepAlivePeriod int,
	keepAliveInterval int,
	keepAliveCount int,
) error {
	// keepAlivePeriod - delay between the last received TCP packet and
	// sending ping to the client
	// keepAliveInterval - interval after sending tcp keepalive before connection closes
	// keepAliveCount - count of retry of the tcp keepalive
	err := connection.SetKeepAlive(true)
	if err != nil {
		return err
	}
	err = connection.SetKeepAlivePeriod(time.Second * time.Duration(keepAlivePeriod))
	if err != nil {
		return err
	}
	rawConn, err := connection.SyscallConn()
	if err != nil {
		return err
	}
	var connectionErr error
	err = rawConn.Control(
		func(fdPtr uintptr) {
			fd := int(fdPtr)
			//Number of probes.
			connectionErr = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, keepAliveCount)
			if connectionErr != nil {
				return
			}
			//Wait time after an unsuccessful probe.
			connectionErr = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, keepAliveInterval)
		})
	if err != nil {
		return err
	}
	return connectionErr
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// nextAcceptDelay doubles the pause after a failed accept up to maxAcceptDelay.
func nextAcceptDelay(delay time.Duration) time.Duration {
	if delay == 0 {
		return minAcceptDelay
	}
	delay *= 2
	if delay > maxAcceptDelay {
		return maxAcceptDelay
	}
	return delay
}

// tcpServer accepts connections on one portal until its context ends.
// admit is called on the accept goroutine; a connection it refuses is
// closed without reaching handler.
type tcpServer struct {
	listener *net.TCPListener
	config   *Config
	admit    func() bool
	handler  func(connection net.Conn)
}

func listenTcp(
	address string,
	config *Config,
	admit func() bool,
	handler func(connection net.Conn),
) (*tcpServer, error) {
	tcpAddress, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, err
	}
	listener, err := net.ListenTCP("tcp", tcpAddress)
	if err != nil {
		return nil, err
	}
	return &tcpServer{listener: listener, config: config, admit: admit, handler: handler}, nil
}

func (server *tcpServer) Addr() net.Addr {
	return server.listener.Addr()
}

func (server *tcpServer) serve(ctx context.Context) error {
	log := logger.GetLogger()
	log.Infof("iSCSI service listening on: %v", server.listener.Addr())
	go func() {
		<-ctx.Done()
		server.listener.Close()
	}()
	var delay time.Duration
	for {
		connection, err := server.listener.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// EMFILE and friends persist; do not spin on them
			delay = nextAcceptDelay(delay)
			log.Errorf("Accept failed, retrying in %v: %v", delay, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		err = setKeepaliveParameters(
			connection,
			server.config.KeepAlivePeriod,
			server.config.KeepAliveInterval,
			server.config.KeepAliveCount,
		)
		if err == nil {
			err = connection.SetNoDelay(true)
		}
		if err != nil {
			log.Error(err)
			if err := connection.Close(); err != nil {
				log.Error(err)
			}
			continue
		}
		if !server.admit() {
			log.Warningf("Connection from %s refused: shutting down", connection.RemoteAddr())
			if err := connection.Close(); err != nil {
				log.Error(err)
			}
			continue
		}
		log.Info("connection establishing at: ", connection.LocalAddr().String())
		go server.handler(connection)
	}
}
