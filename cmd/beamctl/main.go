// Package main implements the beamctl CLI for manual operations against
// the beamd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the beamd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "beamctl",
	Short: "CLI for beamd HTTP server operations",
	Long: `beamctl is a command-line interface for interacting with the beamd
orchestration daemon. It provides commands for opening sessions, running
scatters and fusions, convening councils, and checking server health.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9480", "beamd server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(terminateCmd)
	rootCmd.AddCommand(councilCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check beamd server health",
	Long: `Check the health status of the beamd HTTP server.

Examples:
  # Check health
  beamctl health

  # Check health on a different server
  beamctl health --server http://localhost:8080`,
	RunE: runHealth,
}

// statusCmd prints the current session state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current orchestration session",
	RunE:  runStatus,
}

// askCmd opens a session over a single question and starts every ray
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Open a session for a question and scatter it across all rays",
	Long: `Open an orchestration session with the question as the sole user turn,
then start every ray.

Examples:
  # Scatter a question
  beamctl ask "Which database should I use?"

  # Read the question from stdin
  echo "Which database should I use?" | beamctl ask -`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

// terminateCmd closes the session keeping settings
var terminateCmd = &cobra.Command{
	Use:   "terminate",
	Short: "Stop all in-flight work and close the session",
	RunE:  runTerminate,
}

// councilCmd convenes the council over the completed rays
var councilCmd = &cobra.Command{
	Use:   "council",
	Short: "Convene the council over the completed ray answers",
	RunE:  runCouncil,
}

// HealthResponse matches internal/server HealthResponse
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	body, err := get("/health")
	if err != nil {
		return err
	}
	var resp HealthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	fmt.Printf("Status:  %s\nService: %s\n", resp.Status, resp.Service)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	body, err := get("/v1/session")
	if err != nil {
		return err
	}
	return printJSON(body)
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := args[0]
	if question == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		question = strings.TrimSpace(string(data))
	}
	if question == "" {
		return fmt.Errorf("question must not be empty")
	}

	open := map[string]any{
		"history": []map[string]string{{"role": "user", "text": question}},
	}
	body, err := post("/v1/session/open", open)
	if err != nil {
		return err
	}

	var state struct {
		Scatter struct {
			Rays []struct {
				ID string `json:"id"`
			} `json:"rays"`
		} `json:"scatter"`
	}
	if err := json.Unmarshal(body, &state); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	for _, ray := range state.Scatter.Rays {
		if _, err := post("/v1/rays/"+ray.ID+"/start", nil); err != nil {
			return err
		}
	}
	fmt.Printf("Scattering across %d rays. Watch with: beamctl status\n", len(state.Scatter.Rays))
	return nil
}

func runTerminate(cmd *cobra.Command, args []string) error {
	if _, err := post("/v1/session/terminate", nil); err != nil {
		return err
	}
	fmt.Println("Session terminated.")
	return nil
}

func runCouncil(cmd *cobra.Command, args []string) error {
	if _, err := post("/v1/council/start", nil); err != nil {
		return err
	}
	fmt.Println("Council convened. Watch with: beamctl status")
	return nil
}

func get(path string) ([]byte, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(serverURL + path)
	if err != nil {
		return nil, fmt.Errorf("failed to reach beamd: %w", err)
	}
	defer resp.Body.Close()
	return readResponse(resp)
}

func post(path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(serverURL+path, "application/json", body)
	if err != nil {
		return nil, fmt.Errorf("failed to reach beamd: %w", err)
	}
	defer resp.Body.Close()
	return readResponse(resp)
}

func readResponse(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("beamd: %s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("beamd returned HTTP %d", resp.StatusCode)
	}
	return data, nil
}

func printJSON(body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
