package cli

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/lydakis/workerbus/internal/config"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "manage the configuration file",
		Subcommands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "write the default configuration",
				Flags:  []cli.Flag{&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"}},
				Action: configInit,
			},
			{
				Name:  "show",
				Usage: "print the effective configuration with placeholders unexpanded",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Value: "toml", Usage: "output format: toml or yaml"},
				},
				Action: configShow,
			},
			{
				Name:  "path",
				Usage: "print the configuration file path",
				Action: func(c *cli.Context) error {
					fmt.Fprintln(rootStdout, c.String("config"))
					return nil
				},
			},
		},
	}
}

func configInit(c *cli.Context) error {
	path := c.String("config")
	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		return usageErrorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.SaveTo(path, config.Default()); err != nil {
		return err
	}
	fmt.Fprintf(rootStdout, "wrote %s\n", path)
	return nil
}

func configShow(c *cli.Context) error {
	format := c.String("format")
	if format != "toml" && format != "yaml" {
		return usageErrorf("config show: unknown format %q (want toml or yaml)", format)
	}
	cfg, err := config.LoadForEditFrom(c.String("config"))
	if err != nil {
		return err
	}
	if err := config.ValidateForCurrentEnv(cfg); err != nil {
		fmt.Fprintf(rootStderr, "workerbus: warning: invalid config: %v\n", err)
	}
	if format == "yaml" {
		enc := yaml.NewEncoder(rootStdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	}
	return toml.NewEncoder(rootStdout).Encode(cfg)
}
