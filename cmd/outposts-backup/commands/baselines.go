package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/savaki/outposts-backup/internal/dao/baselinedao"
	"github.com/savaki/outposts-backup/internal/di"
	"github.com/urfave/cli/v2"
)

// BaselinesCommand returns the baselines command for inspecting the baseline ledger
func BaselinesCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:    "baselines",
		Aliases: []string{"b"},
		Usage:   "Inspect baseline volumes provisioned by the automation",
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"l", "ls"},
				Usage:   "List baseline volumes of an instance, newest first",
				Description: `Lists the baseline volumes recorded for an instance.

Examples:
  outposts-backup baselines list --env prd --instance-id i-0123456789abcdef0

  # Only the most recent baseline, as JSON
  outposts-backup baselines list --env prd --instance-id i-0123456789abcdef0 --latest --json`,
				Flags: []cli.Flag{
					envFlag,
					regionFlag,
					&cli.StringFlag{
						Name:     "instance-id",
						Aliases:  []string{"i"},
						Usage:    "Instance being backed up",
						EnvVars:  []string{"INSTANCE_ID"},
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "latest",
						Usage: "Show only the most recent baseline",
					},
					&cli.BoolFlag{
						Name:    "json",
						Aliases: []string{"j"},
						Usage:   "Output as JSON",
					},
				},
				Action: func(c *cli.Context) error {
					return listBaselinesAction(c, logger)
				},
			},
			{
				Name:  "get",
				Usage: "Show a single baseline by id",
				Description: `Shows the baseline with the given id, as printed by list.

Examples:
  outposts-backup baselines get --env prd --id i-0123456789abcdef0:2HFj3kLmNoPqRsTuVwXy`,
				Flags: []cli.Flag{
					envFlag,
					regionFlag,
					&cli.StringFlag{
						Name:     "id",
						Usage:    "Baseline id ({instance-id}:{ksuid})",
						Required: true,
					},
					&cli.BoolFlag{
						Name:    "json",
						Aliases: []string{"j"},
						Usage:   "Output as JSON",
					},
				},
				Action: func(c *cli.Context) error {
					return getBaselineAction(c, logger)
				},
			},
		},
	}
}

func baselineDAO(ctx context.Context, c *cli.Context) (*baselinedao.DAO, error) {
	container, err := newContainer(ctx, c)
	if err != nil {
		return nil, err
	}
	dao, err := di.Get[*baselinedao.DAO](container)
	if err != nil {
		return nil, fmt.Errorf("failed to create baseline DAO: %w", err)
	}
	if dao == nil {
		return nil, fmt.Errorf("no baseline table configured for env %s", c.String("env"))
	}
	return dao, nil
}

func listBaselinesAction(c *cli.Context, logger *zerolog.Logger) error {
	ctx := logger.WithContext(c.Context)
	instanceID := c.String("instance-id")

	dao, err := baselineDAO(ctx, c)
	if err != nil {
		return err
	}

	var records []baselinedao.Record
	if c.Bool("latest") {
		latest, err := dao.FindLatest(ctx, instanceID)
		if err != nil {
			return err
		}
		if latest != nil {
			records = append(records, *latest)
		}
	} else {
		records, err = dao.Query(ctx, instanceID)
		if err != nil {
			return err
		}
	}

	logger.Info().
		Str("instance_id", instanceID).
		Int("count", len(records)).
		Msg("Retrieved baseline volumes")

	if c.Bool("json") {
		return writeJSON(os.Stdout, records)
	}

	if len(records) == 0 {
		fmt.Printf("No baseline volumes recorded for %s\n", instanceID)
		return nil
	}
	return writeBaselines(os.Stdout, records)
}

func getBaselineAction(c *cli.Context, logger *zerolog.Logger) error {
	ctx := logger.WithContext(c.Context)

	dao, err := baselineDAO(ctx, c)
	if err != nil {
		return err
	}

	record, err := dao.Find(ctx, baselinedao.ID(c.String("id")))
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return writeJSON(os.Stdout, record)
	}
	return writeBaselines(os.Stdout, []baselinedao.Record{record})
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func writeBaselines(out io.Writer, records []baselinedao.Record) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVOLUME\tAMI\tSOURCE\tSIZE\tEXECUTION\tCREATED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.GetID(),
			r.VolumeID,
			r.AmiID,
			r.Source,
			humanize.IBytes(uint64(r.VolumeSizeGiB)<<30),
			r.ExecutionID,
			humanize.Time(time.Unix(r.CreatedAt, 0)),
		)
	}
	return w.Flush()
}
