// Package main runs a proof-of-stake network of in-process validators and
// inspects the databases it leaves behind.
package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	_ "go.uber.org/automaxprocs"

	"github.com/blockberries/stakeberry/params"
)

var globalFlags = []cli.Flag{
	VerbosityFlag,
	LogFormatFlag,
	ConfigFileFlag,
	MinimalConfigFlag,
}

func main() {
	app := cli.App{}
	app.Name = "stakeberry-sim"
	app.Usage = "simulates a proof-of-stake network with VRF sortition, slashing and checkpoint finality"
	app.Flags = globalFlags
	app.Before = setupLogging
	app.Commands = []*cli.Command{
		runCommand,
		inspectCommand,
		configCommand,
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) error {
	level, err := logrus.ParseLevel(ctx.String(VerbosityFlag.Name))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	switch format := ctx.String(LogFormatFlag.Name); format {
	case "text":
		formatter := new(prefixed.TextFormatter)
		formatter.TimestampFormat = "2006-01-02 15:04:05"
		formatter.FullTimestamp = true
		logrus.SetFormatter(formatter)
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %s", format)
	}
	return nil
}

// protocolConfig returns the parameters selected by the global flags.
func protocolConfig(ctx *cli.Context) (*params.Config, error) {
	base := params.DefaultConfig()
	if ctx.Bool(MinimalConfigFlag.Name) {
		base = params.MinimalConfig()
	}
	path := ctx.String(ConfigFileFlag.Name)
	if path == "" {
		return base, nil
	}
	return params.LoadConfigFile(path, base)
}
