package main

import (
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newConfigCmd())
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `The config command prints the settings binderctl runs with after
reading the environment.

Example:
  BINDER_BUFFER_SIZE=65536 binderctl config
  binderctl config --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOut {
				return printJSON(cfg)
			}
			printHeader("Configuration")
			metrics := cfg.Metrics.Addr
			if metrics == "" {
				metrics = render(mutedStyle, "disabled")
			}
			rows := [][]string{
				{"BINDER_BUFFER_SIZE", printer.Sprintf("%d", cfg.Buffer.Size)},
				{"BINDER_PAGE_SIZE", strconv.Itoa(cfg.Buffer.PageSize)},
				{"BINDER_SPAM_MAX_BUFFERS", strconv.Itoa(cfg.Spam.MaxBuffers)},
				{"BINDER_SPAM_BYTES_DIVISOR", strconv.Itoa(cfg.Spam.BytesDivisor)},
				{"BINDER_SPAM_LOW_SPACE_DIVISOR", strconv.Itoa(cfg.Spam.LowSpaceDivisor)},
				{"BINDER_FREEZE_TIMEOUT", cfg.Freeze.Timeout.String()},
				{"LOG_LEVEL", cfg.Logging.Level},
				{"LOG_DEV", strconv.FormatBool(cfg.Logging.Development)},
				{"METRICS_ADDR", metrics},
			}
			printInfo("%s", table([]string{"SETTING", "VALUE"}, rows))
			return nil
		},
	}
}
