// Package realtime is a client for a hosted publish/subscribe service.
//
// A Client owns one Connection and a registry of Channels:
//
//	client, err := realtime.New(realtime.WithKey(key))
//	if err != nil {
//		return err
//	}
//	defer client.Close(ctx)
//
//	ch := client.Channel("updates")
//	sub := ch.Subscribe()
//	if err := ch.PublishData(ctx, "greeting", "hello"); err != nil {
//		return err
//	}
//	msg, err := sub.Next(ctx)
//
// The connection reconnects on its own. Within the connection state TTL
// it resumes the previous connection and no messages are lost; beyond it
// the connection is suspended and channels re-attach once it comes back.
// State changes are observed with Connection.On and Channel.On.
//
// Publish blocks until the service acknowledges the message. Publishes
// made while a channel is attaching, or while a token is being renewed,
// are queued per channel in order; a full queue rejects the new publish
// with ErrBackpressure.
//
// Timers run on an injectable clock (WithClock) and the stream is opened
// through a transport.Dialer (WithDialer), so the whole lifecycle can be
// driven deterministically in tests.
package realtime
