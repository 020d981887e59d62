package realtime

import "testing"

func TestConnectionTransitions(t *testing.T) {
	allowed := map[ConnectionState][]ConnectionState{
		ConnectionInitialized:  {ConnectionConnecting, ConnectionClosed},
		ConnectionConnecting:   {ConnectionConnected, ConnectionDisconnected, ConnectionSuspended, ConnectionClosed, ConnectionFailed},
		ConnectionConnected:    {ConnectionConnecting, ConnectionDisconnected, ConnectionClosing, ConnectionClosed, ConnectionFailed},
		ConnectionDisconnected: {ConnectionConnecting, ConnectionClosed},
		ConnectionSuspended:    {ConnectionConnecting, ConnectionClosed},
		ConnectionClosing:      {ConnectionClosed, ConnectionFailed},
		ConnectionClosed:       {ConnectionConnecting},
		ConnectionFailed:       {ConnectionConnecting},
	}

	for _, from := range ConnectionStates() {
		want := make(map[ConnectionState]bool)
		for _, to := range allowed[from] {
			want[to] = true
		}
		for _, to := range ConnectionStates() {
			if got := from.CanTransition(to); got != want[to] {
				t.Errorf("%s -> %s: CanTransition = %v, want %v", from, to, got, want[to])
			}
		}
	}
}

func TestConnectionGraphClosed(t *testing.T) {
	// Every state is reachable from Initialized.
	reached := map[ConnectionState]bool{ConnectionInitialized: true}
	frontier := []ConnectionState{ConnectionInitialized}
	for len(frontier) > 0 {
		s := frontier[0]
		frontier = frontier[1:]
		for _, to := range connectionTransitions[s] {
			if !reached[to] {
				reached[to] = true
				frontier = append(frontier, to)
			}
		}
	}
	for _, s := range ConnectionStates() {
		if !reached[s] {
			t.Errorf("%s unreachable from initialized", s)
		}
	}
	for from, tos := range connectionTransitions {
		for _, to := range tos {
			if from == to {
				t.Errorf("%s has a self transition", from)
			}
		}
	}
}

func TestChannelTransitions(t *testing.T) {
	allowed := map[ChannelState][]ChannelState{
		ChannelInitialized: {ChannelAttaching, ChannelDetached, ChannelFailed},
		ChannelAttaching:   {ChannelAttached, ChannelDetaching, ChannelDetached, ChannelSuspended, ChannelFailed},
		ChannelAttached:    {ChannelAttaching, ChannelDetaching, ChannelDetached, ChannelSuspended, ChannelFailed},
		ChannelDetaching:   {ChannelAttaching, ChannelAttached, ChannelDetached, ChannelSuspended, ChannelFailed},
		ChannelDetached:    {ChannelAttaching, ChannelFailed},
		ChannelSuspended:   {ChannelAttaching, ChannelDetached, ChannelFailed},
		ChannelFailed:      {ChannelAttaching},
	}

	for _, from := range ChannelStates() {
		want := make(map[ChannelState]bool)
		for _, to := range allowed[from] {
			want[to] = true
		}
		for _, to := range ChannelStates() {
			if got := from.CanTransition(to); got != want[to] {
				t.Errorf("%s -> %s: CanTransition = %v, want %v", from, to, got, want[to])
			}
		}
	}
}

func TestStateNames(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{ConnectionInitialized.String(), "initialized"},
		{ConnectionConnecting.String(), "connecting"},
		{ConnectionConnected.String(), "connected"},
		{ConnectionDisconnected.String(), "disconnected"},
		{ConnectionSuspended.String(), "suspended"},
		{ConnectionClosing.String(), "closing"},
		{ConnectionClosed.String(), "closed"},
		{ConnectionFailed.String(), "failed"},
		{ConnectionState(99).String(), "unknown"},
		{ChannelAttaching.String(), "attaching"},
		{ChannelDetaching.String(), "detaching"},
		{ChannelState(-1).String(), "unknown"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("String() = %q, want %q", tt.got, tt.want)
		}
	}
}
