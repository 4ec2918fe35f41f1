// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"iscsitarget/pkg/scsi"
)

// ISCSITarget is a SCSI target exported under an IQN.
type ISCSITarget struct {
	*scsi.SCSITarget
	TPGT *TargetPortGroup
	// TSIH is the key
	Sessions        map[uint16]*ISCSISession
	SessionsRWMutex sync.RWMutex

	allowedMutex sync.RWMutex
	// empty means every initiator
	allowed []*net.IPNet
}

func newISCSITarget(target *scsi.SCSITarget, tpg *TargetPortGroup) *ISCSITarget {
	return &ISCSITarget{
		SCSITarget: target,
		TPGT:       tpg,
		Sessions:   make(map[uint16]*ISCSISession),
	}
}

// ParseInitiatorAddress accepts a CIDR or a bare IP address.
func ParseInitiatorAddress(value string) (*net.IPNet, error) {
	if !strings.Contains(value, "/") {
		ip := net.ParseIP(value)
		if ip == nil {
			return nil, fmt.Errorf("bad initiator address %q", value)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		} else {
			ip = ip.To4()
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
	}
	_, network, err := net.ParseCIDR(value)
	if err != nil {
		return nil, err
	}
	return network, nil
}

func (target *ISCSITarget) SetAllowedInitiators(networks []*net.IPNet) {
	target.allowedMutex.Lock()
	defer target.allowedMutex.Unlock()
	target.allowed = append([]*net.IPNet(nil), networks...)
}

func (target *ISCSITarget) AllowedInitiators() []string {
	target.allowedMutex.RLock()
	defer target.allowedMutex.RUnlock()
	result := make([]string, 0, len(target.allowed))
	for _, network := range target.allowed {
		result = append(result, network.String())
	}
	return result
}

// Allows reports whether an initiator at address may see and log into
// the target.
func (target *ISCSITarget) Allows(address net.Addr) bool {
	target.allowedMutex.RLock()
	defer target.allowedMutex.RUnlock()
	if len(target.allowed) == 0 {
		return true
	}
	ip := addressIP(address)
	if ip == nil {
		return false
	}
	for _, network := range target.allowed {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func addressIP(address net.Addr) net.IP {
	switch typed := address.(type) {
	case *net.TCPAddr:
		return typed.IP
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(address.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func (target *ISCSITarget) lookupSession(initiator string, isid uint64) *ISCSISession {
	target.SessionsRWMutex.RLock()
	defer target.SessionsRWMutex.RUnlock()
	for _, session := range target.Sessions {
		if session.Initiator == initiator && session.ISID == isid {
			return session
		}
	}
	return nil
}
