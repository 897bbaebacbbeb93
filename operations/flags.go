package operations

import (
	"os"

	"github.com/evergreen-ci/postbatch"
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

const (
	confFlagName     = "conf"
	itemsFlagName    = "item"
	postsURLFlagName = "posts-url"
)

func settingsFlags(flags ...cli.Flag) []cli.Flag {
	return append(flags, cli.StringFlag{
		Name:  joinFlagNames(confFlagName, "config", "c"),
		Usage: "path to the run settings file",
		Value: postbatch.DefaultSettingsFileName,
	})
}

func itemsFlag(flags ...cli.Flag) []cli.Flag {
	return append(flags, cli.IntSliceFlag{
		Name:  joinFlagNames(itemsFlagName, "i"),
		Usage: "id of an item to process, replacing the items in the settings file; may be specified more than once",
	})
}

func joinFlagNames(ids ...string) string {
	out := ids[0]
	for _, id := range ids[1:] {
		out += ", " + id
	}
	return out
}

func requireFileExists(name string) cli.BeforeFunc {
	return func(c *cli.Context) error {
		path := c.String(name)
		if path == "" {
			return errors.Errorf("flag '--%s' was not specified", name)
		}
		if _, err := os.Stat(path); err != nil {
			return errors.Wrapf(err, "checking file '%s'", path)
		}
		return nil
	}
}

func requireArgCount(n int, usage string) cli.BeforeFunc {
	return func(c *cli.Context) error {
		if c.NArg() != n {
			return errors.Errorf("expected %d arguments (%s) but got %d", n, usage, c.NArg())
		}
		return nil
	}
}

func requireItemsPositive(c *cli.Context) error {
	catcher := grip.NewBasicCatcher()
	for _, id := range c.IntSlice(itemsFlagName) {
		catcher.ErrorfWhen(id <= 0, "item id %d must be positive", id)
	}
	return catcher.Resolve()
}

func mergeBeforeFuncs(ops ...cli.BeforeFunc) cli.BeforeFunc {
	return func(c *cli.Context) error {
		catcher := grip.NewBasicCatcher()
		for _, op := range ops {
			catcher.Add(op(c))
		}
		return catcher.Resolve()
	}
}

// loadSettings reads the settings named by the conf flag, replacing the
// item list when items were given on the command line.
func loadSettings(c *cli.Context) (*postbatch.Settings, error) {
	settings, err := postbatch.LoadSettings(c.String(confFlagName))
	if err != nil {
		return nil, err
	}
	if items := c.IntSlice(itemsFlagName); len(items) > 0 {
		settings.Items = items
		if err := settings.ValidateAndDefault(); err != nil {
			return nil, errors.Wrap(err, "validating command line items")
		}
	}
	return settings, nil
}
