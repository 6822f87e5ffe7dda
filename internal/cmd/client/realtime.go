package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

// NewRealtimeCommand constructs the `realtime` command group.
func NewRealtimeCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "realtime", Short: "Realtime subscription operations"}
	cmd.AddCommand(
		newSubscribeCommand(baseURL),
		newPublishCommand(baseURL),
		newNotifyCommand(baseURL),
		newCountCommand(baseURL),
		newListCommand(baseURL),
	)
	return cmd
}

// newSubscribeCommand opens an SSE stream, subscribes over it, and prints
// notifications as JSON lines until interrupted.
func newSubscribeCommand(baseURL BaseURLFunc) *cobra.Command {
	c := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe to a filter and stream notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			index, _ := cmd.Flags().GetString("index")
			collection, _ := cmd.Flags().GetString("collection")
			filterStr, _ := cmd.Flags().GetString("filter")
			scope, _ := cmd.Flags().GetString("scope")
			users, _ := cmd.Flags().GetString("users")

			filter, err := parseJSONFlag("filter", filterStr)
			if err != nil {
				return err
			}
			if filter == nil {
				filter = map[string]any{}
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, baseURL()+"/v1/realtime/stream", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("stream returned %s", resp.Status)
			}

			reader := bufio.NewReader(resp.Body)
			conn, err := readConnectionID(reader)
			if err != nil {
				return err
			}

			body := map[string]any{
				"index":      index,
				"collection": collection,
				"connection": conn,
				"body":       filter,
			}
			if scope != "" {
				body["scope"] = scope
			}
			if users != "" {
				body["users"] = users
			}
			res, err := postJSON(baseURL(), "/v1/realtime/subscribe", body)
			if err != nil {
				return err
			}
			result, _ := res["result"].(map[string]any)
			fmt.Fprintf(cmd.ErrOrStderr(), "subscribed room=%v\n", result["roomId"])

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				data, err := readEventData(reader)
				if err != nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					return err
				}
				if err := enc.Encode(data); err != nil {
					return err
				}
			}
		},
	}
	c.Flags().String("index", "", "Index to subscribe in")
	c.Flags().String("collection", "", "Collection to subscribe in")
	c.Flags().String("filter", "", "Filter as a JSON object (default matches everything)")
	c.Flags().String("scope", "", "Scope option: all|in|out|none")
	c.Flags().String("users", "", "Users option: all|none")
	_ = c.MarkFlagRequired("index")
	_ = c.MarkFlagRequired("collection")
	return c
}

func readConnectionID(reader *bufio.Reader) (string, error) {
	data, err := readEventData(reader)
	if err != nil {
		return "", err
	}
	conn, ok := data["connection"].(string)
	if !ok || conn == "" {
		return "", fmt.Errorf("stream did not announce a connection id")
	}
	return conn, nil
}

// readEventData returns the payload of the next SSE data line, skipping
// keep-alive comments.
func readEventData(reader *bufio.Reader) (map[string]any, error) {
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data); err != nil {
			return nil, fmt.Errorf("bad stream event: %w", err)
		}
		return data, nil
	}
}

func newPublishCommand(baseURL BaseURLFunc) *cobra.Command {
	c := &cobra.Command{
		Use:   "publish",
		Short: "Publish an ephemeral message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			index, _ := cmd.Flags().GetString("index")
			collection, _ := cmd.Flags().GetString("collection")
			msgStr, _ := cmd.Flags().GetString("message")
			msg, err := parseJSONFlag("message", msgStr)
			if err != nil {
				return err
			}
			if msg == nil {
				return fmt.Errorf("--message is required")
			}
			_, err = postJSON(baseURL(), "/v1/realtime/publish", map[string]any{
				"index":      index,
				"collection": collection,
				"body":       msg,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "published")
			return nil
		},
	}
	c.Flags().String("index", "", "Index")
	c.Flags().String("collection", "", "Collection")
	c.Flags().String("message", "", "Message as a JSON object")
	_ = c.MarkFlagRequired("index")
	_ = c.MarkFlagRequired("collection")
	return c
}

func newNotifyCommand(baseURL BaseURLFunc) *cobra.Command {
	c := &cobra.Command{
		Use:   "notify",
		Short: "Inject a document change notification",
		RunE: func(cmd *cobra.Command, _ []string) error {
			index, _ := cmd.Flags().GetString("index")
			collection, _ := cmd.Flags().GetString("collection")
			id, _ := cmd.Flags().GetString("id")
			event, _ := cmd.Flags().GetString("event")
			bodyStr, _ := cmd.Flags().GetString("body")
			body, err := parseJSONFlag("body", bodyStr)
			if err != nil {
				return err
			}
			_, err = postJSON(baseURL(), "/v1/realtime/notify", map[string]any{
				"index":      index,
				"collection": collection,
				"_id":        id,
				"event":      event,
				"body":       body,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "notified")
			return nil
		},
	}
	c.Flags().String("index", "", "Index")
	c.Flags().String("collection", "", "Collection")
	c.Flags().String("id", "", "Document id")
	c.Flags().String("event", "write", "Event: write|delete")
	c.Flags().String("body", "", "Document content as a JSON object")
	_ = c.MarkFlagRequired("index")
	_ = c.MarkFlagRequired("collection")
	_ = c.MarkFlagRequired("id")
	return c
}

func newCountCommand(baseURL BaseURLFunc) *cobra.Command {
	c := &cobra.Command{
		Use:   "count",
		Short: "Show the subscriber count of a room",
		RunE: func(cmd *cobra.Command, _ []string) error {
			room, _ := cmd.Flags().GetString("room")
			out, err := getJSON(baseURL(), "/v1/realtime/count?roomId="+room)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(out["result"])
		},
	}
	c.Flags().String("room", "", "Room id")
	_ = c.MarkFlagRequired("room")
	return c
}

func newListCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rooms with subscriber counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := getJSON(baseURL(), "/v1/realtime/list")
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(out["result"])
		},
	}
}
