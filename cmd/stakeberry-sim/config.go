package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "prints the effective protocol parameters as YAML",
	Action: func(ctx *cli.Context) error {
		p, err := protocolConfig(ctx)
		if err != nil {
			return err
		}
		out, err := p.Marshal()
		if err != nil {
			return err
		}
		fmt.Fprint(ctx.App.Writer, string(out))
		return nil
	},
}
