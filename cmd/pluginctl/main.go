// Command pluginctl is the operator CLI for the plugind HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/forgeplatform/plugind/pkg/api"
)

var (
	serverURL  string
	jsonOutput bool
)

func main() {
	root := &cobra.Command{
		Use:           "pluginctl",
		Short:         "Control a plugind server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "plugind server base URL")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON responses")

	root.AddCommand(
		listCmd(), getCmd(), installCmd(), startCmd(), stopCmd(), restartCmd(),
		uninstallCmd(), updateCmd(), rollbackCmd(), logsCmd(), eventsCmd(),
		marketplaceCmd(), sourcesCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// ============================================================================
// HTTP client
// ============================================================================

var httpClient = &http.Client{Timeout: 60 * time.Second}

func call(method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope api.Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if !envelope.Success {
		if envelope.Error != nil {
			return nil, fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return envelope.Data, nil
}

func printData(data json.RawMessage) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

// ============================================================================
// Plugin commands
// ============================================================================

func listCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/plugins"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			data, err := call(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printData(data)
			}
			var list api.PluginList
			if err := json.Unmarshal(data, &list); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tID\tVERSION\tSTATUS\tHEALTH\tPORT")
			for _, p := range list.Plugins {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
					p.PluginKey, p.ManifestID, p.Version, p.Status, p.HealthState, p.HostPort)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <plugin-key>",
		Short: "Show one plugin in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(http.MethodGet, "/api/v1/plugins/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			return printData(data)
		},
	}
}

func installCmd() *cobra.Command {
	var manifestPath, manifestURL string
	var noStart bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install a plugin from a manifest file or URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.InstallRequest{ManifestURL: manifestURL}
			if manifestPath != "" {
				data, err := os.ReadFile(manifestPath)
				if err != nil {
					return err
				}
				req.Manifest = data
			}
			if req.Manifest == nil && req.ManifestURL == "" {
				return fmt.Errorf("one of --manifest or --url is required")
			}
			if noStart {
				f := false
				req.AutoStart = &f
			}
			data, err := call(http.MethodPost, "/api/v1/plugins/install", req)
			if err != nil {
				return err
			}
			return printData(data)
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "path to a manifest JSON file")
	cmd.Flags().StringVar(&manifestURL, "url", "", "manifest URL")
	cmd.Flags().BoolVar(&noStart, "no-start", false, "install without starting")
	return cmd
}

func simpleOp(use, short, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <plugin-key>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(http.MethodPost,
				"/api/v1/plugins/"+url.PathEscape(args[0])+"/"+verb, nil)
			if err != nil {
				return err
			}
			return printData(data)
		},
	}
}

func startCmd() *cobra.Command   { return simpleOp("start", "Start a plugin", "start") }
func stopCmd() *cobra.Command    { return simpleOp("stop", "Stop a plugin", "stop") }
func restartCmd() *cobra.Command { return simpleOp("restart", "Restart a plugin", "restart") }

func rollbackCmd() *cobra.Command {
	return simpleOp("rollback", "Roll a plugin back to its previous version", "rollback")
}

func uninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <plugin-key>",
		Short: "Uninstall a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(http.MethodDelete, "/api/v1/plugins/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			return printData(data)
		},
	}
}

func updateCmd() *cobra.Command {
	var manifestPath, imageTag, bundleURL string
	cmd := &cobra.Command{
		Use:   "update <plugin-key>",
		Short: "Update a plugin to a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.UpdateRequest{ImageTag: imageTag, BundleURL: bundleURL}
			if manifestPath != "" {
				data, err := os.ReadFile(manifestPath)
				if err != nil {
					return err
				}
				req.Manifest = data
			}
			data, err := call(http.MethodPost,
				"/api/v1/plugins/"+url.PathEscape(args[0])+"/update", req)
			if err != nil {
				return err
			}
			return printData(data)
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "path to the new manifest")
	cmd.Flags().StringVar(&imageTag, "tag", "", "new image tag")
	cmd.Flags().StringVar(&bundleURL, "bundle-url", "", "manifest bundle URL")
	return cmd
}

func logsCmd() *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "logs <plugin-key>",
		Short: "Tail a plugin's container logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(http.MethodGet, fmt.Sprintf(
				"/api/v1/plugins/%s/logs?tail=%d", url.PathEscape(args[0]), tail), nil)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printData(data)
			}
			var ll api.LogLines
			if err := json.Unmarshal(data, &ll); err != nil {
				return err
			}
			for _, line := range ll.Logs {
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 100, "number of log lines")
	return cmd
}

// ============================================================================
// Event stream
// ============================================================================

func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream lifecycle events over WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL := strings.TrimRight(serverURL, "/") + "/ws/events"
			wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
			wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				return fmt.Errorf("connect %s: %w", wsURL, err)
			}
			defer conn.Close()

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-interrupt
				conn.Close()
			}()

			for {
				var rec api.EventRecord
				if err := conn.ReadJSON(&rec); err != nil {
					return nil
				}
				if jsonOutput {
					data, _ := json.Marshal(rec)
					fmt.Println(string(data))
					continue
				}
				fmt.Printf("%s  %-22s %s %s\n",
					rec.Timestamp.Format(time.RFC3339), rec.Kind, rec.PluginKey, rec.Payload)
			}
		},
	}
}

// ============================================================================
// Marketplace and sources
// ============================================================================

func marketplaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "marketplace",
		Short: "Browse the aggregated plugin catalog",
	}
	var category, search string
	list := &cobra.Command{
		Use:   "list",
		Short: "List catalog entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if category != "" {
				q.Set("category", category)
			}
			if search != "" {
				q.Set("search", search)
			}
			path := "/api/v1/marketplace/plugins"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			data, err := call(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return printData(data)
		},
	}
	list.Flags().StringVar(&category, "category", "", "filter by category")
	list.Flags().StringVar(&search, "search", "", "substring search")
	cmd.AddCommand(list)
	return cmd
}

func sourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage catalog sources",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(http.MethodGet, "/api/v1/marketplace/sources", nil)
			if err != nil {
				return err
			}
			return printData(data)
		},
	})
	return cmd
}
