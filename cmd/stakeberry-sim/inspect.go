package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/blockberries/stakeberry/storage"
	"github.com/blockberries/stakeberry/types"
)

var inspectCommand = &cli.Command{
	Name:  "inspect",
	Usage: "prints the finalized checkpoint, validator sets, evidence and slashings of a data directory",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     DataDirFlag.Name,
			Usage:    DataDirFlag.Usage,
			Required: true,
		},
		BlockFlag,
	},
	Action: inspect,
}

func inspect(ctx *cli.Context) error {
	db, err := storage.OpenLevelDB(ctx.String(DataDirFlag.Name))
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Error("Failed to close database")
		}
	}()
	w := ctx.App.Writer

	finalized, err := db.LoadFinalized()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fmt.Fprintln(w, "finalized: none")
	case err != nil:
		return err
	default:
		fmt.Fprintf(w, "finalized: %s\n", finalized)
	}

	epochs := []types.Epoch{0}
	if finalized.Epoch > 0 {
		epochs = append(epochs, finalized.Epoch)
	}
	for _, epoch := range epochs {
		vals, err := db.LoadValidatorSet(epoch)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\nvalidators at epoch %d:\n", epoch)
		printValidators(w, epoch, vals)
	}

	slashings, err := db.Slashings()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nslashings: %d\n", len(slashings))
	for _, c := range slashings {
		fmt.Fprintf(w, "  %s\n", c)
	}

	records, err := db.Evidence()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nevidence: %d\n", len(records))
	for _, rec := range records {
		fmt.Fprintf(w, "  %s validator=%s slot=%d\n", rec.Offense, rec.Validator, rec.Slot)
	}

	if s := ctx.String(BlockFlag.Name); s != "" {
		hash, err := types.HashFromHex(s)
		if err != nil {
			return err
		}
		b, err := db.LoadBlock(hash)
		if err != nil {
			return errors.Wrapf(err, "block %s", hash.Short())
		}
		fmt.Fprintf(w, "\nblock %s:\n  slot:     %d\n  parent:   %s\n  proposer: %s\n  state:    %s\n",
			hash, b.Slot, b.ParentHash, b.Proposer, b.StateRoot)
	}
	return nil
}

func printValidators(w io.Writer, epoch types.Epoch, vals []*types.Validator) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tSTAKE\tSTATUS")
	for _, v := range vals {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", v.ID, v.Stake.Dec(), v.Status(epoch))
	}
	_ = tw.Flush()
}
