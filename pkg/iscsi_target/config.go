// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"fmt"
	"strconv"
	"time"

	"iscsitarget/pkg/auth"
	"iscsitarget/pkg/params"
)

const (
	DefaultPort        = 3260
	DefaultMaxSessions = 64

	// Seconds, as the initiators configure them.
	defaultKeepAlivePeriod   = 60
	defaultKeepAliveInterval = 5
	defaultKeepAliveCount    = 2

	defaultNopInterval = 5 * time.Second
	defaultNopTimeout  = time.Second
)

// Config is read once before the driver starts accepting connections.
type Config struct {
	// Portals are "ip:port" listen addresses. 0.0.0.0 expands to every
	// local IPv4 address in SendTargets answers.
	Portals     []string
	MaxSessions int
	// PhaseCollapse folds the status of a read into its last Data-In.
	PhaseCollapse bool

	// Zero disables the NOP-In ping worker.
	NopInterval time.Duration
	NopTimeout  time.Duration

	KeepAlivePeriod   int
	KeepAliveInterval int
	KeepAliveCount    int

	Credentials auth.Store
	// Mutual is the target's own secret for bidirectional CHAP.
	Mutual      *auth.Credential
	RequireCHAP bool
	// EnableDigests lets initiators negotiate CRC32C header and data
	// digests.
	EnableDigests bool

	MaxRecvDataSegmentLength uint32
	MaxBurstLength           uint32
	FirstBurstLength         uint32

	// InitialR2T forbids unsolicited Data-Out.
	InitialR2T    bool
	ImmediateData bool
}

func DefaultConfig() Config {
	return Config{
		Portals:           []string{fmt.Sprintf("0.0.0.0:%d", DefaultPort)},
		MaxSessions:       DefaultMaxSessions,
		PhaseCollapse:     true,
		NopInterval:       defaultNopInterval,
		NopTimeout:        defaultNopTimeout,
		KeepAlivePeriod:   defaultKeepAlivePeriod,
		KeepAliveInterval: defaultKeepAliveInterval,
		KeepAliveCount:    defaultKeepAliveCount,
		ImmediateData:     true,
	}
}

func (config *Config) validate() error {
	if config.MaxSessions <= 0 {
		return fmt.Errorf("max sessions must be positive, got %d", config.MaxSessions)
	}
	if len(config.Portals) == 0 {
		return fmt.Errorf("no portals configured")
	}
	if config.RequireCHAP && config.Credentials == nil {
		return fmt.Errorf("CHAP is required but no credentials are configured")
	}
	if config.Mutual != nil && len(config.Mutual.Secret) < auth.MinSecretLength {
		return fmt.Errorf("target secret must be at least %d characters", auth.MinSecretLength)
	}
	return nil
}

// definitions is the key table one connection negotiates with.
func (config *Config) definitions() []params.Definition {
	definitions := params.DefaultDefinitions()
	for index := range definitions {
		definition := &definitions[index]
		switch definition.Key {
		case params.KeyAuthMethod:
			if config.RequireCHAP {
				definition.Default = params.AuthMethodChap
				definition.Valid = params.AuthMethodChap
			}
		case params.KeyHeaderDigest, params.KeyDataDigest:
			if config.EnableDigests {
				definition.Default = params.DigestCRC32C
				definition.Valid = params.DigestCRC32C + "," + params.DigestNone
			}
		case params.KeyMaxRecvDataSegmentLength:
			setLimit(definition, config.MaxRecvDataSegmentLength)
		case params.KeyMaxBurstLength:
			setLimit(definition, config.MaxBurstLength)
		case params.KeyFirstBurstLength:
			setLimit(definition, config.FirstBurstLength)
		case params.KeyInitialR2T:
			if config.InitialR2T {
				definition.Valid = params.ValueYes
			}
		case params.KeyImmediateData:
			if !config.ImmediateData {
				definition.Default = params.ValueNo
				definition.Valid = params.ValueNo
			}
		}
	}
	return definitions
}

func setLimit(definition *params.Definition, limit uint32) {
	if limit != 0 {
		definition.Valid = strconv.FormatUint(uint64(limit), 10)
	}
}
