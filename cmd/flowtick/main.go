package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/djlord-it/flowtick/internal/config"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func runtimeErr(err error) error { return &exitError{code: exitRuntimeError, err: err} }
func configErr(err error) error  { return &exitError{code: exitInvalidConfig, err: err} }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and maps the outcome to an exit code.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return exitSuccess
	}
	fmt.Fprintf(stderr, "flowtick: %v\n", err)

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitRuntimeError
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "flowtick",
		Short: "flowtick - scheduled workflow execution core",
		Long: `flowtick finds due workflow schedules, triggers them on the workflow engine,
records each execution, and reconciles execution status from engine callbacks.

Configuration is read from environment variables (DATABASE_URL, ENGINE_BASE_URL,
ENGINE_API_KEY, SCHEDULER_CADENCE, ...), optionally layered over a config file.
Run "flowtick config" to print the effective configuration.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "optional config file (yaml, json, or toml)")

	load := func() (config.Config, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return config.Config{}, configErr(err)
		}
		return cfg, nil
	}

	root.AddCommand(
		newServeCmd(load),
		newTickCmd(load),
		newMigrateCmd(load),
		newValidateCmd(load),
		newConfigCmd(load),
		newVersionCmd(),
	)
	return root
}

type loadFunc func() (config.Config, error)

// loadValid loads the configuration and rejects it unless it validates.
func loadValid(load loadFunc) (config.Config, error) {
	cfg, err := load()
	if err != nil {
		return cfg, err
	}
	if err := config.Validate(cfg); err != nil {
		return cfg, configErr(errors.Wrap(err, "configuration error"))
	}
	return cfg, nil
}

func newValidateCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration (no connections made)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadValid(load); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
			return nil
		},
	}
}

func newConfigCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print effective configuration as JSON (secrets masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			data, err := cfg.MaskedJSON()
			if err != nil {
				return runtimeErr(errors.Wrap(err, "marshal config"))
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "flowtick version %s (commit: %s)\n", version, commit)
		},
	}
}
