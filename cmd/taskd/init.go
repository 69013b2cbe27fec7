package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/taskd/internal/model"
)

var flagForce bool

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "init writes the default configuration file",
	Long:  "init writes the default configuration to path, or to taskd.yaml in the user config directory. Use - for stdout.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doInit,
}

func init() {
	initCmd.Flags().BoolVar(&flagForce, "force", false, "overwrite an existing file")
}

func doInit(cmd *cobra.Command, args []string) error {
	path := filepath.Join(userConfigPath, configName)
	if len(args) == 1 {
		path = args[0]
	}
	if path == "-" {
		return writeConfig(cmd.OutOrStdout(), model.DefaultConfig())
	}

	if exists(path) && !flagForce {
		return fmt.Errorf("%s already exists, use --force to overwrite it", path)
	}
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := writeConfig(f, model.DefaultConfig()); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", path)
	return nil
}

func writeConfig(w io.Writer, cfg model.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}
