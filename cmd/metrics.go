package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var metricsAddr string

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Fetch pipeline counters from a running server",
	Long: `metrics queries the /v1/metrics endpoint of a running decision
server and prints the snapshot.`,
	RunE: runMetrics,
}

func init() {
	metricsCmd.Flags().StringVar(&metricsAddr, "addr", "", "server base URL (defaults to http://localhost:<server.port>)")
	rootCmd.AddCommand(metricsCmd)
}

func runMetrics(cmd *cobra.Command, args []string) error {
	addr := metricsAddr
	if addr == "" {
		addr = "http://localhost:" + strconv.Itoa(cfg.Server.Port)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, addr+"/v1/metrics", nil)
	if err != nil {
		return eris.Wrap(err, "metrics: build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return eris.Wrap(err, "metrics: query server")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("metrics: server returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return eris.Wrap(err, "metrics: read response")
	}

	var pretty json.RawMessage = body
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return eris.Wrap(err, "metrics: format response")
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
