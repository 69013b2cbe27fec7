package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CZERTAINLY/taskd/internal/log"
	"github.com/CZERTAINLY/taskd/internal/model"
)

const configName = "taskd.yaml"

var (
	userConfigPath string // /default/config/path/taskd on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagServer         string // value of --server flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "taskd")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is taskd.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "taskd server url for client commands - default is http:// + listen from the config")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = initTaskd

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(cancelCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("taskd failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "taskd",
	Short:        "Service executing privileged system maintenance tasks",
	SilenceUsage: true,
}

func initTaskd(cmd *cobra.Command, _ []string) error {
	configPath = findConfig(flagConfigFilePath)

	var err error
	config, err = loadConfig(configPath)
	if err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}
	slog.SetDefault(log.New(os.Stderr, config.Verbose))

	slog.Debug("taskd", "cmd", cmd.Name(), "configPath", configPath)
	slog.Debug("taskd", "config", config)
	return nil
}

// findConfig returns the config file to load: $TASKDCONFIG, then --config,
// then taskd.yaml in the user config directory or the current one. An empty
// result means defaults only.
func findConfig(flagPath string) string {
	if envConfig, ok := os.LookupEnv("TASKDCONFIG"); ok {
		return envConfig
	}
	if flagPath != "" {
		return flagPath
	}
	for _, d := range []string{userConfigPath, "."} {
		path := filepath.Join(d, configName)
		if exists(path) {
			return path
		}
	}
	return ""
}

// loadConfig reads path over the defaults and applies TASKD_* environment
// variables, e.g. TASKD_RUNNER_GRACE=5s.
func loadConfig(path string) (model.Config, error) {
	v := viper.New()
	model.SetDefaults(v)
	v.SetEnvPrefix("TASKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// keys without a default are unknown to AutomaticEnv
	for _, key := range []string{"catalog", "history.sqlite", "history.redis_addr", "tracing.endpoint"} {
		if err := v.BindEnv(key); err != nil {
			return model.Config{}, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return model.Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	cfg, err := model.LoadConfig(v)
	if err != nil {
		return model.Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func serverURL() string {
	if flagServer != "" {
		return flagServer
	}
	return "http://" + config.Listen
}

func exists(path string) bool {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) || info == nil {
		return false
	}
	return err == nil && info.Mode().IsRegular()
}
