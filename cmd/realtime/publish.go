package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/realtime/pkg/realtime"
)

func publishCmd(a *app) *cobra.Command {
	var (
		asJSON  bool
		count   int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish <channel> <name> <data>",
		Short: "Publish a message and wait for the service to acknowledge it",
		Long: `Publish a message on a channel. The command returns once the service
has acknowledged every message.

Examples:
  realtime publish updates greeting hello
  realtime publish updates score '{"home":2}' --json
  realtime publish updates tick now --count 10`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseData(args[2], asJSON)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return a.runPublish(ctx, args[0], args[1], data, count)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Parse data as JSON")
	cmd.Flags().IntVarP(&count, "count", "c", 1, "Number of times to publish")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long")
	return cmd
}

func parseData(raw string, asJSON bool) (any, error) {
	if !asJSON {
		return raw, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("data is not valid JSON: %w", err)
	}
	return v, nil
}

func (a *app) runPublish(ctx context.Context, channel, name string, data any, count int) error {
	client, err := a.newClient(ctx)
	if err != nil {
		return err
	}
	defer a.closeClient(client)

	if err := client.Connection().WaitFor(ctx, realtime.ConnectionConnected); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	ch := client.Channel(channel)
	for i := 0; i < count; i++ {
		start := time.Now()
		if err := ch.PublishData(ctx, name, data); err != nil {
			return fmt.Errorf("publish %d/%d: %w", i+1, count, err)
		}
		a.logger.Debug("acknowledged", "channel", channel, "name", name, "latency", time.Since(start))
	}
	a.printf("published %d message(s) to %s\n", count, channel)
	return nil
}
