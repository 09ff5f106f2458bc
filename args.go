package main

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Version and GitCommit are set at build time with -ldflags.
var (
	Version   string
	GitCommit string
)

// buildVersion is the version we report, with a short commit if we have one.
func buildVersion() string {
	v := Version
	if v == "" {
		v = "v0.1.0"
	}
	if GitCommit == "" {
		return v
	}
	commit := GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return v + "-" + commit
}

// Args are command line arguments.
type Args struct {
	ConfigFile string
}

// newRootCommand builds the command line. run is called with the parsed
// arguments.
func newRootCommand(run func(Args) error) *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "meshcat",
		Short:         "A meshed IRC server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile == "" {
				return errors.New("you must provide a configuration file")
			}
			configPath, err := filepath.Abs(configFile)
			if err != nil {
				return errors.Wrapf(err, "unable to determine absolute path to config file: %s",
					configFile)
			}
			return run(Args{ConfigFile: configPath})
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "Configuration file.")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("meshcat version %s\n", buildVersion())
		},
	})

	return cmd
}
