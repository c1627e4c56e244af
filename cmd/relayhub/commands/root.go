// Copyright © 2025 RelayHub authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"fmt"
	"os"
	"path"

	"github.com/fsnotify/fsnotify"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgDir string
	log    *logrus.Logger
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "relayhub",
	Short: "Channel relay hub",
	Long: `RelayHub relays correlated request/response messages between clients
rendezvousing on named channels.

The start command runs the broker other clients connect to; the relay command
runs the client side, exposing a remote peer on a channel as a request/response
API.`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "config directory (default is $HOME/.config/relayhub)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	log = logrus.New()
	log.Out = os.Stderr
	log.Formatter = new(logrus.TextFormatter)
	log.Level = logrus.DebugLevel

	if cfgDir == "" {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search for config in $HOME/.config/relayhub
		cfgDir = path.Join(home, ".config", "relayhub")
	}

	viper.AddConfigPath(cfgDir)
	viper.SetConfigName("relayhub")
	viper.SetEnvPrefix("relayhub")
	viper.BindEnv("server.authToken", "RELAYHUB_AUTH_TOKEN")
	viper.BindEnv("relay.authToken", "RELAYHUB_AUTH_TOKEN")

	// The config file is optional; flags and env cover everything.
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			fmt.Fprintf(os.Stderr, "Error loading config file: %s\n", err)
			os.Exit(1)
		}
		return
	}

	viper.OnConfigChange(func(e fsnotify.Event) {
		log.WithField("file", e.Name).Info("Config file changed; new values apply on restart")
	})
	viper.WatchConfig()
}
