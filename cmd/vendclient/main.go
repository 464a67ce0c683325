package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	var (
		configPath string
		debug      bool
	)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	root := &cobra.Command{
		Use:           "vendclient",
		Short:         "Lock, pay for and dispense from SmartVend machines",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "Path to the YAML config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	opts := &rootOptions{configPath: &configPath, debug: &debug}
	root.AddCommand(machinesCmd(opts))
	root.AddCommand(buyCmd(opts))
	root.AddCommand(serveCmd(opts))
	root.AddCommand(releaseCmd(opts))
	root.AddCommand(historyCmd(opts))
	root.AddCommand(restockCmd(opts))
	root.AddCommand(feedbackCmd(opts))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath *string
	debug      *bool
}

// configureLogging applies the level and output format from the config.
// --debug wins over the configured level.
func configureLogging(level string, pretty, debug bool) {
	if !pretty {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		log.Warn().Str("level", level).Msg("unknown log level; using info")
		lvl = zerolog.InfoLevel
	}
	if debug {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
