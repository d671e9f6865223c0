package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hvcorn/hvcorn/go/cmd"
	"github.com/hvcorn/hvcorn/go/models"
)

func init() {
	c := &cobra.Command{
		Use:   "config",
		Short: "Print the effective config as yaml",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg := models.DefaultConfig()
			if path := cmd.ConfigPath(); path != "" {
				var err error
				if cfg, err = models.LoadConfig(path); err != nil {
					return err
				}
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return errors.WithStack(err)
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
	c.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the config file given with --config",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			path := cmd.ConfigPath()
			if path == "" {
				return errors.New("no --config given")
			}
			cfg, err := models.LoadConfig(path)
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok (%d cpus, %d tracer presets)\n", path, len(cfg.Target.CPUs), len(cfg.Tracers))
			return nil
		},
	})
	cmd.Register(c)
}
