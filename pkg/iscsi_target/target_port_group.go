// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"fmt"
	"net"
)

// TargetPort is one portal of the group. RelativeTargetPortID is what
// the device identification VPD page reports.
type TargetPort struct {
	RelativeTargetPortID uint16
	TargetPortName       string
}

// TargetPortGroup holds every portal the driver listens on. All
// targets share it.
type TargetPortGroup struct {
	groupTag          uint16
	nextId            uint16
	targetPorts       []TargetPort
	targetPortsByName map[string]int
	targetPortsById   map[uint16]int
}

func (tpg *TargetPortGroup) AddTargetPort(targetPortName string) {
	if _, ok := tpg.targetPortsByName[targetPortName]; ok {
		return
	}
	targetPort := TargetPort{
		RelativeTargetPortID: tpg.nextId,
		TargetPortName:       targetPortName,
	}
	index := len(tpg.targetPorts)
	tpg.targetPorts = append(tpg.targetPorts, targetPort)
	tpg.targetPortsByName[targetPortName] = index
	tpg.targetPortsById[tpg.nextId] = index
	tpg.nextId += 1
}

// expandWildcard turns an unspecified listen address into one portal
// per local IPv4 address. It may only appear alone.
func expandWildcard(portals []string) ([]string, error) {
	wildcardPort := ""
	for _, portal := range portals {
		host, port, err := net.SplitHostPort(portal)
		if err != nil {
			return nil, fmt.Errorf("bad portal %q: %w", portal, err)
		}
		if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
			wildcardPort = port
		}
	}
	if wildcardPort == "" {
		return portals, nil
	}
	if len(portals) != 1 {
		return nil, fmt.Errorf(
			"if one of ip addresses is 0.0.0.0 - other ips must not be present")
	}
	addresses, err := localAddresses()
	if err != nil {
		return nil, err
	}
	result := make([]string, len(addresses))
	for index, address := range addresses {
		result[index] = net.JoinHostPort(address, wildcardPort)
	}
	return result, nil
}

func localAddresses() ([]string, error) {
	result := make([]string, 0, 10)
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, netInterface := range interfaces {
		addresses, err := netInterface.Addrs()
		if err != nil {
			continue
		}
		for _, address := range addresses {
			if ipAddress, ok := address.(*net.IPNet); ok {
				if ip := ipAddress.IP.To4(); ip != nil {
					result = append(result, ip.String())
				}
			}
		}
	}
	return result, nil
}

func (tpg *TargetPortGroup) AddTargetPorts(targetPortNames []string) error {
	expanded, err := expandWildcard(targetPortNames)
	if err != nil {
		return err
	}
	for _, portName := range expanded {
		tpg.AddTargetPort(portName)
	}
	return nil
}

func (tpg *TargetPortGroup) GetTargetPort(portal string) (*TargetPort, error) {
	if id, ok := tpg.targetPortsByName[portal]; ok {
		return &tpg.targetPorts[id], nil
	}
	return nil, fmt.Errorf("no target port found with address %s", portal)
}

// RelativePortID falls back to the first port for connections arriving
// on an address that is not a configured portal (loopback, pipes).
func (tpg *TargetPortGroup) RelativePortID(portal string) uint16 {
	if port, err := tpg.GetTargetPort(portal); err == nil {
		return port.RelativeTargetPortID
	}
	if len(tpg.targetPorts) > 0 {
		return tpg.targetPorts[0].RelativeTargetPortID
	}
	return 0
}

func (tpg *TargetPortGroup) GroupTag() uint16 {
	return tpg.groupTag
}

func (tpg *TargetPortGroup) TargetPorts() []TargetPort {
	return append([]TargetPort(nil), tpg.targetPorts...)
}

// TargetAddress renders a SendTargets TargetAddress value.
func (tpg *TargetPortGroup) TargetAddress(port TargetPort) string {
	return fmt.Sprintf("%s,%d", port.TargetPortName, tpg.groupTag)
}

func newTargetPortGroup(groupTag uint16, ports []string) (*TargetPortGroup, error) {
	tpg := &TargetPortGroup{
		groupTag:          groupTag,
		nextId:            1,
		targetPorts:       make([]TargetPort, 0, 10),
		targetPortsByName: make(map[string]int),
		targetPortsById:   make(map[uint16]int),
	}
	if err := tpg.AddTargetPorts(ports); err != nil {
		return nil, err
	}
	return tpg, nil
}
