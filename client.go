// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package main

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli"

	"iscsitarget/pkg/api"
)

type cmdlineOutput interface {
	ToCmdlineOutput() string
}

var apiFlag = cli.StringFlag{
	Name:  "api",
	Value: api.DefaultAddress,
	Usage: "management API address of the running target",
}

var targetFlag = cli.StringFlag{
	Name:  "target, t",
	Usage: "iSCSI target name",
}

func requester(c *cli.Context) api.ClientRequester {
	return api.NewApiRequester(c.String("api"))
}

func requiredTarget(c *cli.Context) (string, error) {
	targetName := c.String("target")
	if targetName == "" {
		return "", fmt.Errorf("missing parameter --target")
	}
	return targetName, nil
}

// adminAction prints the result of a successful request.
func adminAction(perform func(c *cli.Context) (cmdlineOutput, error)) func(c *cli.Context) error {
	return func(c *cli.Context) error {
		result, err := perform(c)
		if err != nil {
			return cli.NewExitError(err, 1)
		}
		if result != nil {
			fmt.Println(result.ToCmdlineOutput())
		}
		return nil
	}
}

func AdminCmds() []cli.Command {
	return []cli.Command{
		{
			Name:  "addtarget",
			Usage: "create new target if not exists, if exists fails",
			Flags: []cli.Flag{apiFlag, targetFlag},
			Action: adminAction(func(c *cli.Context) (cmdlineOutput, error) {
				targetName, err := requiredTarget(c)
				if err != nil {
					return nil, err
				}
				return nil, requester(c).PerformAddTarget(targetName)
			}),
		},
		{
			Name:  "deletetarget",
			Usage: "delete target, doesn't work if target has LUNs or connected IT nexuses",
			Flags: []cli.Flag{apiFlag, targetFlag},
			Action: adminAction(func(c *cli.Context) (cmdlineOutput, error) {
				targetName, err := requiredTarget(c)
				if err != nil {
					return nil, err
				}
				return nil, requester(c).PerformDeleteTarget(targetName)
			}),
		},
		{
			Name:  "attach",
			Usage: "open a device and attach it to the target as the lowest free LUN",
			Flags: []cli.Flag{
				apiFlag,
				targetFlag,
				cli.StringFlag{
					Name:  "device, d",
					Usage: "device spec, e.g. ram:64MiB or file:/srv/disk.img:1GiB",
				},
				cli.IntFlag{
					Name:  "block-length",
					Usage: "logical block length, the server default when omitted",
				},
			},
			Action: adminAction(func(c *cli.Context) (cmdlineOutput, error) {
				targetName, err := requiredTarget(c)
				if err != nil {
					return nil, err
				}
				if c.String("device") == "" {
					return nil, fmt.Errorf("missing parameter --device")
				}
				return requester(c).PerformAttach(targetName, c.String("device"), uint32(c.Int("block-length")))
			}),
		},
		{
			Name:      "detachlun",
			Usage:     "detach logical unit from target by id",
			ArgsUsage: "LUN",
			Flags:     []cli.Flag{apiFlag, targetFlag},
			Action: adminAction(func(c *cli.Context) (cmdlineOutput, error) {
				targetName, err := requiredTarget(c)
				if err != nil {
					return nil, err
				}
				if c.NArg() != 1 {
					return nil, fmt.Errorf("logical unit id is required")
				}
				lunId, err := strconv.ParseUint(c.Args().First(), 10, 64)
				if err != nil {
					return nil, fmt.Errorf("logical unit id must be int, '%s' received", c.Args().First())
				}
				return requester(c).PerformDetachLun(targetName, lunId)
			}),
		},
		{
			Name:  "cleartarget",
			Usage: "detach all logical units from target",
			Flags: []cli.Flag{apiFlag, targetFlag},
			Action: adminAction(func(c *cli.Context) (cmdlineOutput, error) {
				targetName, err := requiredTarget(c)
				if err != nil {
					return nil, err
				}
				return requester(c).PerformClearTarget(targetName)
			}),
		},
		{
			Name:      "allow",
			Usage:     "limit the initiators that see the target, no arguments allows everybody",
			ArgsUsage: "[IP|CIDR...]",
			Flags:     []cli.Flag{apiFlag, targetFlag},
			Action: adminAction(func(c *cli.Context) (cmdlineOutput, error) {
				targetName, err := requiredTarget(c)
				if err != nil {
					return nil, err
				}
				return nil, requester(c).PerformSetAllowedInitiators(targetName, c.Args())
			}),
		},
		{
			Name:  "list",
			Usage: "list all targets with logical units",
			Flags: []cli.Flag{apiFlag},
			Action: adminAction(func(c *cli.Context) (cmdlineOutput, error) {
				return requester(c).PerformList()
			}),
		},
		{
			Name:  "sessions",
			Usage: "list logged in sessions",
			Flags: []cli.Flag{apiFlag},
			Action: adminAction(func(c *cli.Context) (cmdlineOutput, error) {
				return requester(c).PerformListSessions()
			}),
		},
	}
}
