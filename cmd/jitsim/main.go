// jitsim runs a generated guest program on the tiered JIT runtime and
// reports how the code cache, hotness profile and compile service behave.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/tierjit/log"
	"github.com/colorfulnotion/tierjit/sim"
)

var (
	Version = "dev"
	Commit  = "none"
)

type globalOptions struct {
	logLevel   string
	debug      string
	syslogAddr string
	configPath string
}

func (o *globalOptions) initLogging() error {
	lvl, err := log.ParseLevel(o.logLevel)
	if err != nil {
		return err
	}
	h := log.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)
	if o.syslogAddr != "" {
		log.SetDefault(log.NewSyslogLogger(h, o.syslogAddr, "jitsim"))
	} else {
		log.SetDefault(log.NewLogger(h))
	}
	log.EnableModules(o.debug)
	if mods := log.EnabledModules(); len(mods) > 0 {
		log.Info(log.SimMonitoring, "debug logging enabled", "level", log.LevelString(lvl), "modules", strings.Join(mods, ","))
	}
	return nil
}

func (o *globalOptions) loadConfig() (sim.Config, error) {
	if o.configPath == "" {
		return sim.DefaultConfig(), nil
	}
	return sim.LoadConfig(o.configPath)
}

func main() {
	var rootCmd = &cobra.Command{
		Use:           "jitsim",
		Short:         "Tiered JIT runtime simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	opts := &globalOptions{}
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.debug, "debug", "", "comma separated log modules to enable, or all")
	rootCmd.PersistentFlags().StringVar(&opts.syslogAddr, "syslog", "", "also forward logs to a syslog collector at host:port")
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "yaml simulation config")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return opts.initLogging()
	}

	rootCmd.AddCommand(
		newRunCmd(opts),
		newReplCmd(opts),
		newDisasmCmd(opts),
		newTelemetryCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("jitsim %s (%s)\n", Version, Commit)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
