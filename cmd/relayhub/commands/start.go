// Copyright © 2025 RelayHub authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"fmt"
	"time"

	"github.com/howeyc/gopass"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relayhub/relayhub/pkg/server"
)

var (
	disableTLS      bool
	promptAuthToken bool
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the relay hub broker",
	RunE:  runServer,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().StringP("bind", "b", "127.0.0.1:3055", "Bind the broker to host:port. Leave host empty to bind to all interfaces.")
	viper.BindPFlag("server.bind", startCmd.Flags().Lookup("bind"))
	startCmd.Flags().StringSliceP("allowed-origins", "o", []string{"*"}, "Origins allowed to connect; \"*\" allows all")
	viper.BindPFlag("server.allowedOrigins", startCmd.Flags().Lookup("allowed-origins"))
	startCmd.Flags().StringP("auth-token", "a", "", "Shared bearer token clients must present (empty disables auth)")
	viper.BindPFlag("server.authToken", startCmd.Flags().Lookup("auth-token"))
	startCmd.Flags().IntP("time-between-pings", "t", 30, "How often pings should be sent in seconds (0 disables)")
	viper.BindPFlag("server.timeBetweenPings", startCmd.Flags().Lookup("time-between-pings"))
	startCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "Overrides config option to enable TLS")
	startCmd.Flags().BoolVarP(&promptAuthToken, "prompt-auth-token", "p", false, "Read the shared bearer token from the terminal instead of flags or config")

	viper.SetDefault("tls.useTls", false)
}

func runServer(cmd *cobra.Command, args []string) error {
	authToken := viper.GetString("server.authToken")
	if promptAuthToken {
		fmt.Printf("Auth token: ")
		token, err := gopass.GetPasswd()
		if err != nil {
			return err
		}
		authToken = string(token)
	}

	srv := &server.Server{
		AllowedOrigins:   viper.GetStringSlice("server.allowedOrigins"),
		AuthToken:        authToken,
		TimeBetweenPings: viper.GetDuration("server.timeBetweenPings") * time.Second,
		Log:              log,
	}

	bindAddr := viper.GetString("server.bind")
	certFile := viper.GetString("tls.certFile")
	keyFile := viper.GetString("tls.keyFile")
	useTLS := viper.GetBool("tls.useTls")

	log.Info("Starting RelayHub broker")
	if useTLS && !disableTLS {
		return srv.ListenAndServeTLS(bindAddr, certFile, keyFile)
	}
	return srv.ListenAndServe(bindAddr)
}
