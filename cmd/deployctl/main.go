package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	serverURL    string
	outputFormat string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "deployctl",
		Short: "DeployBot CLI - interact with your DeployBot controller",
		Long: `deployctl is a command-line interface for interacting with DeployBot controllers.
All output is structured JSON by default (pipe through jq for human-readable formatting).`,
		Version: version,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", getDefaultServer(), "DeployBot controller URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json", "Output format: json, table")

	// Add subcommands
	rootCmd.AddCommand(newJobCommand())
	rootCmd.AddCommand(newHostCommand())
	rootCmd.AddCommand(newAgentCommand())
	rootCmd.AddCommand(newLogCommand())
	rootCmd.AddCommand(newWebhookCommand())
	rootCmd.AddCommand(newStatusCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getDefaultServer() string {
	if server := os.Getenv("DEPLOYBOT_SERVER"); server != "" {
		return server
	}
	return "http://localhost:8080"
}

// --- HTTP client ---

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func newClient() *Client {
	return &Client{
		BaseURL: serverURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, params url.Values, data interface{}) ([]byte, error) {
	u := fmt.Sprintf("%s%s", c.BaseURL, path)
	if params != nil {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		body = strings.NewReader(string(jsonData))
	}

	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

func (c *Client) get(path string, params url.Values) ([]byte, error) {
	return c.do("GET", path, params, nil)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	return c.do("POST", path, nil, data)
}

func (c *Client) delete(path string, params url.Values) ([]byte, error) {
	return c.do("DELETE", path, params, nil)
}

// postRaw sends a preassembled body verbatim. Signed payloads must not be
// re-marshaled or the signature no longer matches.
func (c *Client) postRaw(path string, body []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequest("POST", fmt.Sprintf("%s%s", c.BaseURL, path), strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// streamSSE reads an SSE stream and prints each event's data field as JSON.
func (c *Client) streamSSE(path string, params url.Values) error {
	u := fmt.Sprintf("%s%s", c.BaseURL, path)
	if params != nil {
		u += "?" + params.Encode()
	}
	// Streaming has no sensible overall timeout.
	client := &http.Client{}
	resp, err := client.Get(u)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			fmt.Println(line[6:])
		}
	}
	return scanner.Err()
}

// outputJSON prints raw JSON data. All commands use this as the primary output path.
func outputJSON(data []byte) {
	// Pretty-print the JSON
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		// Not valid JSON, print raw
		fmt.Println(string(data))
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// --- Status command ---

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show controller status overview",
		Long:  "Aggregates health, hosts, and job counts into one JSON object",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result := map[string]interface{}{}

			// Health
			if data, err := client.get("/health", nil); err == nil {
				var v interface{}
				if json.Unmarshal(data, &v) == nil {
					result["health"] = v
				}
			}

			// Hosts
			if data, err := client.get("/v1/hosts", nil); err == nil {
				var resp struct {
					Hosts []map[string]interface{} `json:"hosts"`
				}
				if json.Unmarshal(data, &resp) == nil {
					byStatus := map[string]int{}
					for _, h := range resp.Hosts {
						s, _ := h["agent_status"].(string)
						byStatus[s]++
					}
					result["hosts"] = map[string]interface{}{
						"total":     len(resp.Hosts),
						"by_status": byStatus,
						"list":      resp.Hosts,
					}
				}
			}

			// Jobs
			if data, err := client.get("/v1/jobs", nil); err == nil {
				var resp struct {
					Jobs []map[string]interface{} `json:"jobs"`
				}
				if json.Unmarshal(data, &resp) == nil {
					counts := map[string]int{}
					for _, j := range resp.Jobs {
						s, _ := j["status"].(string)
						counts[s]++
					}
					result["jobs"] = map[string]interface{}{
						"total":     len(resp.Jobs),
						"by_status": counts,
					}
				}
			}

			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}
