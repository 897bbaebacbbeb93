package operations

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/evergreen-ci/postbatch/runner"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

// Submit provisions the pool and job, runs one task per item plus the join
// task and waits for them, tearing down whatever the settings ask for
// before it returns.
func Submit() cli.Command {
	return cli.Command{
		Name:   "submit",
		Usage:  "run the items in the settings file as a batch job",
		Flags:  itemsFlag(settingsFlags()...),
		Before: mergeBeforeFuncs(requireFileExists(confFlagName), requireItemsPositive),
		Action: func(c *cli.Context) error {
			settings, err := loadSettings(c)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			r, closer, err := runner.NewFromSettings(*settings)
			if err != nil {
				return errors.Wrap(err, "setting up run")
			}
			defer closer()

			err = r.Run(ctx)
			fmt.Fprintf(c.App.Writer, "outcome: %s\n", r.Outcome())
			return errors.Wrapf(err, "run %s", r.Outcome())
		},
	}
}

// CheckConfig validates a settings file without contacting any service.
func CheckConfig() cli.Command {
	return cli.Command{
		Name:   "check-config",
		Usage:  "validate a settings file",
		Flags:  itemsFlag(settingsFlags()...),
		Before: mergeBeforeFuncs(requireFileExists(confFlagName), requireItemsPositive),
		Action: func(c *cli.Context) error {
			settings, err := loadSettings(c)
			if err != nil {
				return err
			}

			grip.Info(message.Fields{
				"message":     "settings are valid",
				"items":       len(settings.Items),
				"pool":        settings.Batch.PoolID,
				"job":         settings.Batch.JobID,
				"container":   settings.Storage.ContainerName,
				"image":       settings.Registry.ImageName(),
				"delete_job":  settings.DeleteJob,
				"delete_pool": settings.DeletePool,
			})
			fmt.Fprintf(c.App.Writer, "%s is valid: %d items, pool '%s', job '%s'\n",
				c.String(confFlagName), len(settings.Items), settings.Batch.PoolID, settings.Batch.JobID)
			return nil
		},
	}
}
