// Copyright © 2025 RelayHub authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relayhub/relayhub/pkg/relay"
	"github.com/relayhub/relayhub/pkg/rest"
)

// relayCmd represents the relay command
var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Runs the relay client and its REST API",
	Long: `relay connects to a relay hub broker, joins the configured channel, and
serves a REST API for forwarding commands to the peer on that channel.`,
	RunE: runRelay,
}

func init() {
	RootCmd.AddCommand(relayCmd)

	relayCmd.Flags().StringP("url", "u", "ws://127.0.0.1:3055", "URL of the relay hub broker")
	viper.BindPFlag("relay.url", relayCmd.Flags().Lookup("url"))
	relayCmd.Flags().StringP("channel", "c", "", "Channel to join on connect")
	viper.BindPFlag("relay.channel", relayCmd.Flags().Lookup("channel"))
	relayCmd.Flags().StringP("auth-token", "a", "", "Shared bearer token presented to the broker")
	viper.BindPFlag("relay.authToken", relayCmd.Flags().Lookup("auth-token"))
	relayCmd.Flags().String("rest-bind", "127.0.0.1:3056", "Bind the REST API to host:port")
	viper.BindPFlag("rest.bind", relayCmd.Flags().Lookup("rest-bind"))
	relayCmd.Flags().StringSlice("rest-allowed-origins", []string{"*"}, "Origins allowed to call the REST API")
	viper.BindPFlag("rest.allowedOrigins", relayCmd.Flags().Lookup("rest-allowed-origins"))
}

func runRelay(cmd *cobra.Command, args []string) error {
	client := relay.New(relay.Config{
		URL:       viper.GetString("relay.url"),
		AuthToken: viper.GetString("relay.authToken"),
		Channel:   viper.GetString("relay.channel"),
	}, log)
	client.Start()
	defer client.Close()

	gin.SetMode(gin.ReleaseMode)
	router := rest.NewRouter(rest.Config{
		AuthToken:      viper.GetString("relay.authToken"),
		AllowedOrigins: viper.GetStringSlice("rest.allowedOrigins"),
	}, client, log)

	bindAddr := viper.GetString("rest.bind")
	log.WithField("addr", bindAddr).Info("Serving REST API")
	return errors.Wrap(http.ListenAndServe(bindAddr, router), "Serve REST API")
}
