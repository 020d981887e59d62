package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/realtime/pkg/protocol"
)

func presenceCmd(a *app) *cobra.Command {
	var (
		enter string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "presence <channel>",
		Short: "Print the members present on a channel",
		Long: `Attach to a channel, wait for the presence set to synchronize and
print its members. With --watch, keep printing enter, update and leave
events until interrupted.

Examples:
  realtime presence lobby
  realtime presence lobby --client-id alice --enter online --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.runPresence(ctx, args[0], cmd.Flags().Changed("enter"), enter, watch)
		},
	}

	cmd.Flags().StringVar(&enter, "enter", "", "Enter the presence set with this data (requires --client-id)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep printing presence events")
	return cmd
}

func (a *app) runPresence(ctx context.Context, name string, doEnter bool, data string, watch bool) error {
	client, err := a.newClient(ctx)
	if err != nil {
		return err
	}
	defer a.closeClient(client)

	ch := client.Channel(name)
	presence := ch.Presence()
	events := presence.Subscribe()
	defer events.Unsubscribe()

	if doEnter {
		if err := presence.Enter(ctx, data); err != nil {
			return fmt.Errorf("enter: %w", err)
		}
	}

	members, err := presence.Get(ctx)
	if err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	for _, m := range members {
		a.printMember(m)
	}
	a.printf("%d member(s)\n", len(members))

	if !watch {
		return nil
	}
	for {
		ev, err := events.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		a.printf("%s %-6s ", time.UnixMilli(ev.Timestamp).Format(time.RFC3339), ev.Action)
		a.printMember(ev)
	}
}

func (a *app) printMember(m *protocol.PresenceMessage) {
	a.printf("%s (%s) %s\n", m.ClientID, m.ConnectionID, formatData(m.Data))
}
