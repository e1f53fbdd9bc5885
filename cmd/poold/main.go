// Command poold runs one pool node from the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/opd-ai/poolmesh/config"
	"github.com/spf13/cobra"
)

// Version is the poold release.
const Version = "0.3.0"

var (
	configPath string
	poolName   string
	relayURL   string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "poold",
	Short: "Join a peer-to-peer pool and share files with it",
	Long: `poold joins a pool through a signaling relay, opens WebRTC links to
its neighbors in the pool tree and relays messages and file chunks.

Lines typed on stdin are broadcast as text. Commands start with a slash:
  /share PATH      offer a local file
  /offers          list files offered by other members
  /get FILE_ID     download an offered file into the download directory
  /play FILE_ID N  download a media file starting at chunk N
  /stats           print relay counters
  /quit            leave the pool`,
	SilenceUsage: true,
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a pool and read commands from stdin",
	RunE:  runJoin,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as TOML",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		return toml.NewEncoder(cmd.OutOrStdout()).Encode(opts)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display the version of poold",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "poold version %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "poold.toml", "Path to the TOML configuration file")
	rootCmd.PersistentFlags().StringVarP(&poolName, "pool", "p", "", "Pool to join (overrides the configuration)")
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay", "", "Signaling relay URL (overrides the configuration)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides the configuration)")

	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadOptions reads the configuration file and applies flag overrides.
func loadOptions() (*config.Options, error) {
	opts, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if poolName != "" {
		opts.Pool.Name = poolName
	}
	if relayURL != "" {
		opts.Signaling.URL = relayURL
	}
	if logLevel != "" {
		opts.Log.Level = logLevel
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
