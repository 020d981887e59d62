package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/realtime/pkg/protocol"
	"github.com/vango-dev/realtime/pkg/realtime"
)

const closeTimeout = 5 * time.Second

func subscribeCmd(a *app) *cobra.Command {
	var (
		names     []string
		jsonLines bool
		noEcho    bool
	)

	cmd := &cobra.Command{
		Use:   "subscribe <channel>",
		Short: "Print messages published on a channel",
		Long: `Attach to a channel and print every message until interrupted.

Examples:
  realtime subscribe updates
  realtime subscribe updates --name greeting --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if noEcho {
				echo := false
				a.cfg.Echo = &echo
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.runSubscribe(ctx, args[0], names, jsonLines)
		},
	}

	cmd.Flags().StringSliceVarP(&names, "name", "n", nil, "Only print messages with these names")
	cmd.Flags().BoolVar(&jsonLines, "json", false, "Print one JSON object per message")
	cmd.Flags().BoolVar(&noEcho, "no-echo", false, "Do not receive messages published by this connection")
	return cmd
}

func (a *app) runSubscribe(ctx context.Context, name string, names []string, jsonLines bool) error {
	client, err := a.newClient(ctx)
	if err != nil {
		return err
	}
	defer a.closeClient(client)

	logStates(a, client)
	ch := client.Channel(name)
	sub := ch.Subscribe(names...)
	defer sub.Unsubscribe()

	if err := ch.Attach(ctx); err != nil {
		return fmt.Errorf("attach %s: %w", name, err)
	}
	a.logger.Info("attached", "channel", name)

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := a.printMessage(msg, jsonLines); err != nil {
			return err
		}
	}
}

// messageLine is the --json rendering of a message.
type messageLine struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
	Data         any    `json:"data,omitempty"`
}

func (a *app) printMessage(m *protocol.Message, jsonLines bool) error {
	if !jsonLines {
		a.printf("%s %s %s\n", m.Time().Format(time.RFC3339Nano), m.Name, formatData(m.Data))
		return nil
	}
	line, err := json.Marshal(messageLine{
		ID:           m.ID,
		Name:         m.Name,
		ClientID:     m.ClientID,
		ConnectionID: m.ConnectionID,
		Timestamp:    m.Timestamp,
		Data:         m.Data,
	})
	if err != nil {
		return err
	}
	a.printf("%s\n", line)
	return nil
}

// formatData renders a payload on one line.
func formatData(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(v))
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// logStates logs connection state changes until the client closes.
func logStates(a *app, client *realtime.Client) {
	client.Connection().On(func(c realtime.ConnectionStateChange) {
		attrs := []any{"from", c.Previous.String(), "to", c.Current.String()}
		if c.Reason != nil {
			attrs = append(attrs, "reason", c.Reason.Error())
		}
		if c.RetryIn > 0 {
			attrs = append(attrs, "retry_in", c.RetryIn)
		}
		a.logger.Info("connection", attrs...)
	})
}
