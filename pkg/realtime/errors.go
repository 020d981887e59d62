package realtime

import (
	"errors"
	"fmt"

	"github.com/vango-dev/realtime/pkg/protocol"
)

var (
	// ErrBackpressure is returned by Publish when the channel queue is
	// full. The rejected publish was not queued.
	ErrBackpressure = errors.New("realtime: publish queue full")

	// ErrChannelState is returned when an operation is not permitted in
	// the channel's current state.
	ErrChannelState = errors.New("realtime: operation not permitted in channel state")

	// ErrNoClientID is returned by presence operations without a client id.
	ErrNoClientID = errors.New("realtime: presence requires a client id")

	// ErrSubscriptionClosed is returned by Next after Unsubscribe.
	ErrSubscriptionClosed = errors.New("realtime: subscription closed")

	errGateClosed = errors.New("realtime: publishing gate closed")
)

func channelStateError(op string, state ChannelState, reason *protocol.ErrorInfo) error {
	if reason != nil {
		return fmt.Errorf("%s: %w (%s): %w", op, ErrChannelState, state, reason)
	}
	return fmt.Errorf("%s: %w (%s)", op, ErrChannelState, state)
}
