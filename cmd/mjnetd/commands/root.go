package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logLevel string

func Execute() error {
	root := &cobra.Command{
		Use:   "mjnetd",
		Short: "Companion network node daemon",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd(), keygenCmd())
	return root.Execute()
}
