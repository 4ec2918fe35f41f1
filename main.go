// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"iscsitarget/pkg/api"
	"iscsitarget/pkg/auth"
	"iscsitarget/pkg/iscsi_target"
	"iscsitarget/pkg/logger"
	"iscsitarget/pkg/scsi"
	"iscsitarget/pkg/storage"
)

const defaultBlockLength = 512

func ServeCmd() cli.Command {
	defaults := iscsi_target.DefaultConfig()
	return cli.Command{
		Name:      "serve",
		Usage:     "run the iSCSI target",
		UsageText: "iscsitarget serve [options]",
		Flags: []cli.Flag{
			cli.StringSliceFlag{
				Name:  "portal",
				Usage: "ip:port to listen on, repeatable (default 0.0.0.0:3260)",
			},
			cli.IntFlag{
				Name:  "max-sessions",
				Value: defaults.MaxSessions,
			},
			cli.StringFlag{
				Name:  "target",
				Usage: "IQN of a target to create on start",
			},
			cli.StringSliceFlag{
				Name:  "lun",
				Usage: "device spec exported by --target, repeatable: ram:64MiB, file:/srv/disk.img:1GiB, mmap:PATH, mirror:A,B, stripe:A,B",
			},
			cli.IntFlag{
				Name:  "block-length",
				Value: defaultBlockLength,
			},
			cli.StringSliceFlag{
				Name:  "allow",
				Usage: "initiator IP or CIDR allowed to see --target, repeatable",
			},
			cli.StringSliceFlag{
				Name:  "chap",
				Usage: "initiator credential user:secret, repeatable",
			},
			cli.StringFlag{
				Name:  "mutual-chap",
				Usage: "target credential user:secret for bidirectional CHAP",
			},
			cli.BoolFlag{
				Name:  "require-chap",
				Usage: "refuse logins without CHAP",
			},
			cli.BoolFlag{
				Name:  "digests",
				Usage: "allow CRC32C header and data digests",
			},
			cli.BoolTFlag{
				Name:  "phase-collapse",
				Usage: "send read status with the last Data-In",
			},
			cli.BoolFlag{
				Name:  "initial-r2t",
				Usage: "forbid unsolicited Data-Out",
			},
			cli.BoolTFlag{
				Name: "immediate-data",
			},
			cli.DurationFlag{
				Name:  "nop-interval",
				Value: defaults.NopInterval,
				Usage: "idle time before a NOP-In ping, 0 disables pings",
			},
			cli.DurationFlag{
				Name:  "nop-timeout",
				Value: defaults.NopTimeout,
			},
			cli.StringFlag{
				Name:  "api",
				Value: api.DefaultAddress,
				Usage: "management API address, unix:/path or host:port, empty disables it",
			},
			cli.StringFlag{
				Name:  "log-level",
				Value: "info",
			},
			cli.StringFlag{
				Name:  "log-file",
				Usage: "also log to this size-rotated file",
			},
			cli.IntFlag{
				Name:  "log-max-size",
				Value: 100,
				Usage: "megabytes before the log file is rotated",
			},
			cli.IntFlag{
				Name:  "log-max-age",
				Value: 7,
				Usage: "days to keep rotated log files",
			},
			cli.IntFlag{
				Name:  "log-max-backups",
				Value: 5,
			},
		},
		Action: func(c *cli.Context) error {
			if err := startTarget(c); err != nil {
				return cli.NewExitError(err, 1)
			}
			return nil
		},
	}
}

func configureLogging(c *cli.Context) error {
	level, ok := logger.ParseLogLevel(c.String("log-level"))
	if !ok {
		return fmt.Errorf("unknown log level %q", c.String("log-level"))
	}
	logger.SetLoggingConfig(level)
	if file := c.String("log-file"); file != "" {
		logger.StartLoggingToFile(file, c.Int("log-max-size"), c.Int("log-max-age"), c.Int("log-max-backups"))
	}
	return nil
}

func targetConfig(c *cli.Context) (iscsi_target.Config, error) {
	config := iscsi_target.DefaultConfig()
	if portals := c.StringSlice("portal"); len(portals) > 0 {
		config.Portals = portals
	}
	config.MaxSessions = c.Int("max-sessions")
	config.PhaseCollapse = c.BoolT("phase-collapse")
	config.InitialR2T = c.Bool("initial-r2t")
	config.ImmediateData = c.BoolT("immediate-data")
	config.EnableDigests = c.Bool("digests")
	config.RequireCHAP = c.Bool("require-chap")
	config.NopInterval = c.Duration("nop-interval")
	config.NopTimeout = c.Duration("nop-timeout")
	if credentials := c.StringSlice("chap"); len(credentials) > 0 {
		store := auth.NewStaticStore()
		for _, text := range credentials {
			credential, err := auth.ParseCredential(text)
			if err != nil {
				return config, err
			}
			if len(credential.Secret) < auth.MinSecretLength {
				logger.GetLogger().Warnf("CHAP secret of %s is shorter than %d characters",
					credential.User, auth.MinSecretLength)
			}
			store.Add(credential)
		}
		config.Credentials = store
	}
	if text := c.String("mutual-chap"); text != "" {
		credential, err := auth.ParseCredential(text)
		if err != nil {
			return config, err
		}
		config.Mutual = &credential
	}
	return config, nil
}

func createTarget(c *cli.Context, driver *iscsi_target.ISCSITargetDriver) error {
	targetName := c.String("target")
	if targetName == "" {
		if len(c.StringSlice("lun")) > 0 || len(c.StringSlice("allow")) > 0 {
			return fmt.Errorf("--lun and --allow need --target")
		}
		return nil
	}
	if err := driver.NewTarget(targetName); err != nil {
		return err
	}
	for _, text := range c.StringSlice("lun") {
		spec, err := storage.ParseSpec(text)
		if err != nil {
			return err
		}
		if _, err := driver.AddLun(targetName, spec, uint32(c.Int("block-length"))); err != nil {
			return err
		}
	}
	if allowed := c.StringSlice("allow"); len(allowed) > 0 {
		networks, err := parseInitiators(allowed)
		if err != nil {
			return err
		}
		return driver.SetAllowedInitiators(targetName, networks)
	}
	return nil
}

func parseInitiators(values []string) ([]*net.IPNet, error) {
	networks := make([]*net.IPNet, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			network, err := iscsi_target.ParseInitiatorAddress(strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			networks = append(networks, network)
		}
	}
	return networks, nil
}

func startTarget(c *cli.Context) error {
	if err := configureLogging(c); err != nil {
		return err
	}
	defer logger.StopLoggingToFile()
	log := logger.GetLogger()

	config, err := targetConfig(c)
	if err != nil {
		return err
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	if err := iscsi_target.RegisterMetrics(registry); err != nil {
		return err
	}
	scsiTargetService := scsi.NewSCSITargetService()
	targetDriver, err := iscsi_target.NewISCSITargetDriver(config, scsiTargetService)
	if err != nil {
		return err
	}
	defer func() {
		if err := targetDriver.Close(); err != nil {
			log.Error(err)
		}
	}()
	if err := createTarget(c, targetDriver); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if address := c.String("api"); address != "" {
		apiServer := api.NewApiServer(targetDriver, uint32(c.Int("block-length")), address, registry)
		go func() {
			if err := apiServer.Run(ctx); err != nil {
				log.Errorf("API server stopped: %v", err)
			}
		}()
	}
	err = targetDriver.Run(ctx)
	log.Info("iSCSI target stopped")
	return err
}

func main() {
	app := cli.NewApp()
	app.Name = "iscsitarget"
	app.Usage = "iSCSI target exporting RAM and file backed disks"
	app.Commands = append([]cli.Command{ServeCmd()}, AdminCmds()...)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
