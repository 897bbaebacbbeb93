package operations

import (
	"context"
	"fmt"
	"strconv"

	"github.com/evergreen-ci/postbatch"
	"github.com/evergreen-ci/postbatch/agent"
	"github.com/evergreen-ci/postbatch/util"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/logging"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

// Worker is the program tasks run on the compute nodes.
func Worker() cli.Command {
	return cli.Command{
		Name:  "worker",
		Usage: "process work on a compute node",
		Subcommands: []cli.Command{
			workerProcessItem(),
			workerAggregate(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return errors.Errorf("worker mode must be one of '%s' or '%s'",
					postbatch.WorkerModeProcessItem, postbatch.WorkerModeAggregate)
			}
			return errors.Errorf("unrecognized worker mode '%s'", c.Args().First())
		},
	}
}

func workerProcessItem() cli.Command {
	return cli.Command{
		Name:      postbatch.WorkerModeProcessItem,
		Usage:     "fetch one post into the working directory",
		ArgsUsage: "<id> <dir>",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  postsURLFlagName,
				Usage: "base URL posts are fetched from",
				Value: postbatch.DefaultPostsURL,
			},
		},
		Before: requireArgCount(2, "<id> <dir>"),
		Action: func(c *cli.Context) error {
			id, err := strconv.Atoi(c.Args().Get(0))
			if err != nil {
				return errors.Wrapf(err, "parsing item id '%s'", c.Args().Get(0))
			}
			if id <= 0 {
				return errors.Errorf("item id %d must be positive", id)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			client := util.GetHTTPClient()
			defer util.PutHTTPClient(client)

			fn, err := agent.FetchPost(ctx, client, c.String(postsURLFlagName), id, c.Args().Get(1), workerLogger())
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, fn)
			return nil
		},
	}
}

func workerAggregate() cli.Command {
	return cli.Command{
		Name:      postbatch.WorkerModeAggregate,
		Usage:     "merge every post in the working directory",
		ArgsUsage: "<dir>",
		Before:    requireArgCount(1, "<dir>"),
		Action: func(c *cli.Context) error {
			res, err := agent.MergePosts(c.Args().Get(0), workerLogger())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "merged %d posts into %s\n", res.Merged, res.Path)
			return nil
		},
	}
}

func workerLogger() grip.Journaler {
	return logging.MakeGrip(grip.GetSender())
}
