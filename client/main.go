package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var serverURL string

var drenderCmd = &cobra.Command{
	Use:   "drender",
	Short: "dRender is a distributed rendering orchestrator.",

	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	drenderCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:7680", "address of the driver API")
	drenderCmd.Version = fmt.Sprintf("%s (%s)", version, commit)

	if err := drenderCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("✗"), err)
		os.Exit(1)
	}
}

type apiError struct {
	Error string `json:"error"`
}

func postJSON(path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := http.Post(serverURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to reach driver at %s: %w", serverURL, err)
	}
	return decodeResponse(resp, out)
}

func getJSON(path string, out any) error {
	resp, err := http.Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("failed to reach driver at %s: %w", serverURL, err)
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("driver refused the request: %s", apiErr.Error)
		}
		return fmt.Errorf("driver answered %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
