package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/foremanlabs/foreman/pkg/models"
)

// apiClient drives a running foreman server over its HTTP API. Every
// request carries the owner id header the gateway scopes by.
type apiClient struct {
	base  string
	owner string
	http  *http.Client
}

func newAPIClient(server, owner string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(server, "/"),
		owner: owner,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("X-Owner-ID", c.owner)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// stream follows the run's SSE stream from the given cursor, printing one
// line per event until the server signals end_of_run or ctx is cancelled.
func (c *apiClient) stream(ctx context.Context, runID string, since int64, w io.Writer) error {
	url := fmt.Sprintf("%s/runs/%s/events/stream?last_event_id=%d", c.base, runID, since)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Owner-ID", c.owner)

	// Streaming must not be cut by the client timeout.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	var id, event string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if event == "stream_control" {
				var control struct {
					Kind string `json:"kind"`
				}
				_ = json.Unmarshal([]byte(data), &control)
				switch control.Kind {
				case "end_of_run":
					return nil
				case "lagging_consumer":
					return fmt.Errorf("stream lagged; re-run with --since %s", id)
				}
				continue
			}
			if id != "" {
				fmt.Fprintf(w, "%-6s %-24s %s\n", id, event, data)
			} else {
				fmt.Fprintf(w, "%-6s %-24s %s\n", "-", event, data)
			}
		case line == "":
			id, event = "", ""
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func clientFlags(cmd *cobra.Command, server, owner *string) {
	cmd.Flags().StringVar(server, "server", "http://localhost:8080", "Foreman server base URL")
	cmd.Flags().StringVar(owner, "owner", "1", "Owner id for API requests")
}

func buildRunCmd() *cobra.Command {
	var (
		server string
		owner  string
		model  string
		thread int64
		detach bool
	)

	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Create a run and follow its event stream",
		Args:  cobra.ExactArgs(1),
		Example: `  foreman run "Check disk space on every server and summarize"
  foreman run --detach --model claude-sonnet-4-5 "Audit the nginx configs"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, owner)

			var created struct {
				RunPublicID string `json:"run_public_id"`
				EventID     int64  `json:"event_id"`
			}
			body := map[string]any{"task": args[0]}
			if model != "" {
				body["model"] = model
			}
			if thread != 0 {
				body["thread_id"] = thread
			}
			if err := client.do(cmd.Context(), http.MethodPost, "/runs", body, &created); err != nil {
				return err
			}
			fmt.Printf("run %s created\n", created.RunPublicID)
			if detach {
				return nil
			}
			return client.stream(cmd.Context(), created.RunPublicID, created.EventID, os.Stdout)
		},
	}

	clientFlags(cmd, &server, &owner)
	cmd.Flags().StringVar(&model, "model", "", "Override the supervisor model")
	cmd.Flags().Int64Var(&thread, "thread", 0, "Continue an existing thread id")
	cmd.Flags().BoolVar(&detach, "detach", false, "Create the run and exit without streaming")
	return cmd
}

func buildSnapshotCmd() *cobra.Command {
	var (
		server string
		owner  string
	)

	cmd := &cobra.Command{
		Use:   "snapshot <run>",
		Short: "Print the current state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, owner)
			var snap models.Snapshot
			if err := client.do(cmd.Context(), http.MethodGet, "/runs/"+args[0]+"/snapshot", nil, &snap); err != nil {
				return err
			}
			out, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	clientFlags(cmd, &server, &owner)
	return cmd
}

func buildCancelCmd() *cobra.Command {
	var (
		server string
		owner  string
	)

	cmd := &cobra.Command{
		Use:   "cancel <run>",
		Short: "Cancel a run and its outstanding workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, owner)
			var run models.Run
			if err := client.do(cmd.Context(), http.MethodPost, "/runs/"+args[0]+"/cancel", nil, &run); err != nil {
				return err
			}
			fmt.Printf("run %s is %s\n", run.PublicID, run.Status)
			return nil
		},
	}

	clientFlags(cmd, &server, &owner)
	return cmd
}

func buildEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect run event streams",
	}
	cmd.AddCommand(buildEventsTailCmd())
	return cmd
}

func buildEventsTailCmd() *cobra.Command {
	var (
		server string
		owner  string
		since  int64
	)

	cmd := &cobra.Command{
		Use:   "tail <run>",
		Short: "Replay and follow a run's event stream",
		Long: `Replay the run's durable events from the given cursor, then follow live
events until the run finishes. Reconnect after a disconnect by passing the
last printed event id as --since.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, owner)
			return client.stream(cmd.Context(), args[0], since, os.Stdout)
		},
	}

	clientFlags(cmd, &server, &owner)
	cmd.Flags().Int64Var(&since, "since", 0, "Replay events with id greater than this")
	return cmd
}
