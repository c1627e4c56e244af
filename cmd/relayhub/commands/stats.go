// Copyright © 2025 RelayHub authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/howeyc/gopass"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relayhub/relayhub/pkg/broker"
)

var (
	skipTLSVerification bool
	statsAuthToken      string
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [url]",
	Short: "Print stats from a relay hub broker",
	Long: `stats queries a broker for running stats.

If the url is omitted, the local broker from the configuration is queried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		url := "http://" + viper.GetString("server.bind")
		if len(args) > 0 {
			url = args[0]
			if skipTLSVerification {
				fmt.Fprintln(os.Stderr, "Warning: skipping TLS verification is insecure.")
			}
		} else {
			statsAuthToken = viper.GetString("server.authToken")
		}
		return getStats(url)
	},
}

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().BoolVarP(&skipTLSVerification, "no-tls-verify", "n", false, "skip TLS verification\n    This is insecure, an attacker can get your token, and you should only use this for testing")
	statsCmd.Flags().BoolVarP(&promptAuthToken, "prompt-auth-token", "p", false, "prompt for the broker's auth token\n    If unset, the token is the same as the local broker's.")
}

func getStats(url string) error {
	if promptAuthToken {
		fmt.Printf("Auth token: ")
		token, err := gopass.GetPasswd()
		if err != nil {
			return err
		}
		statsAuthToken = string(token)
	}

	if statsAuthToken == "" {
		statsAuthToken = os.Getenv("RELAYHUB_AUTH_TOKEN")
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	if skipTLSVerification {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	req, err := http.NewRequest(http.MethodGet, url+"/stats", nil)
	if err != nil {
		return errors.Wrap(err, "Request stats")
	}
	if statsAuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+statsAuthToken)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "Connect to relay hub broker")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("Broker returned an error: %s", resp.Status)
	}

	var stats broker.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return errors.Wrap(err, "Get stats response from broker")
	}

	fmt.Printf(`Stats for %s:
Uptime: %s
Number of channels: %d
Number of members: %d
Max channels: %d on %s
`, url, stats.Uptime,
		stats.NumChannels, stats.NumMembers,
		stats.MaxChannels, stats.MaxChannelsTime)
	return nil
}
