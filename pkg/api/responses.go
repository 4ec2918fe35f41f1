// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"fmt"
	"sort"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type AttachResponse struct {
	LogicalUnitId uint64 `json:"lun_id"`
}

func (response AttachResponse) ToCmdlineOutput() string {
	return fmt.Sprintf("Successfully attached device at lun %d", response.LogicalUnitId)
}

type DetachLunResponse struct {
	Device string `json:"device"`
}

func (response DetachLunResponse) ToCmdlineOutput() string {
	return fmt.Sprintf("After detaching the logical unit, freed device '%s'", response.Device)
}

type ClearTargetResponse struct {
	FreedDevices []string `json:"freed_devices"`
}

func (response ClearTargetResponse) ToCmdlineOutput() string {
	paths := make([]string, len(response.FreedDevices))
	for index, value := range response.FreedDevices {
		paths[index] = fmt.Sprintf("\t* %s", value)
	}
	return fmt.Sprintf(
		"While clearing target, freed devices:\n%s", strings.Join(paths, "\n"),
	)
}

type LunRepresentation struct {
	LogicalUnitId  uint64 `json:"logical_unit_id"`
	Backend        string `json:"backend"`
	Device         string `json:"device"`
	BlockLength    uint32 `json:"block_length"`
	Size           uint64 `json:"size"`
	AllocatedBytes int64  `json:"allocated_bytes,omitempty"`
}

type TargetRepresentation struct {
	LogicalUnits      []LunRepresentation `json:"logical_units"`
	HasConnections    bool                `json:"has_connections"`
	ITNexus           []string            `json:"it_nexuses"`
	AllowedInitiators []string            `json:"allowed_initiators,omitempty"`
}

type ListResponse map[string]TargetRepresentation

func (response ListResponse) ToCmdlineOutput() string {
	names := make([]string, 0, len(response))
	for name := range response {
		names = append(names, name)
	}
	sort.Strings(names)
	result := "Listed targets: \n"
	for _, targetName := range names {
		targetRepresentation := response[targetName]
		result += fmt.Sprintf("  Target: %s\n", targetName)
		result += fmt.Sprintf("  Has connections: %t\n", targetRepresentation.HasConnections)
		if len(targetRepresentation.AllowedInitiators) > 0 {
			result += fmt.Sprintf("  Allowed initiators: %s\n",
				strings.Join(targetRepresentation.AllowedInitiators, ", "))
		}
		result += "  Luns: \n"
		for _, lu := range targetRepresentation.LogicalUnits {
			result += fmt.Sprintf("    - Lun ID: %d\n", lu.LogicalUnitId)
			result += fmt.Sprintf("      Device: %s\n", lu.Device)
			result += fmt.Sprintf("      Size: %s, block %d\n",
				units.BytesSize(float64(lu.Size)), lu.BlockLength)
		}
		result += "  IT Nexuses: \n"
		for _, nexus := range targetRepresentation.ITNexus {
			result += fmt.Sprintf("    - IT Nexus: %s\n", nexus)
		}
	}
	return result
}

type SessionRepresentation struct {
	TSIH        uint16    `json:"tsih"`
	ISID        string    `json:"isid"`
	Initiator   string    `json:"initiator"`
	Target      string    `json:"target,omitempty"`
	SessionType string    `json:"session_type"`
	Remote      string    `json:"remote"`
	Established time.Time `json:"established"`
}

type SessionsResponse []SessionRepresentation

func (response SessionsResponse) ToCmdlineOutput() string {
	if len(response) == 0 {
		return "No sessions\n"
	}
	result := "Sessions: \n"
	for _, session := range response {
		result += fmt.Sprintf("  - TSIH %d %s session of %s from %s\n",
			session.TSIH, session.SessionType, session.Initiator, session.Remote)
		if session.Target != "" {
			result += fmt.Sprintf("    Target: %s\n", session.Target)
		}
		result += fmt.Sprintf("    ISID: %s, since %s\n",
			session.ISID, session.Established.Format(time.RFC3339))
	}
	return result
}
