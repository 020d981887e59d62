// Package auth supplies credentials for realtime connections.
//
// A Provider runs in one of two modes:
//
//   - ModeBasic: the API key ("keyName:keySecret") is sent as-is. No
//     renewal is ever needed.
//   - ModeToken: a short-lived token is obtained from a static value, an
//     AuthCallback, or by signing a TokenRequest with the key and
//     exchanging it through RequestToken.
//
// Token requests are signed with HMAC-SHA256 over the newline terminated
// fields keyName, ttl, capability, clientId, timestamp and nonce. With an
// injected clock and nonce the signature is deterministic.
//
// # Renewal
//
// A Renewer schedules token renewal RenewMargin before expiry on the
// provider's clock. Renewal runs asynchronously and is retried with
// exponential backoff; when every attempt fails the OnExpired callback
// receives an error matching ErrAuthExpired.
//
//	r := provider.NewRenewer(auth.RenewerOptions{
//	    OnRenewed: func(td *auth.TokenDetails) { conn.SendAuth(td.Token) },
//	    OnExpired: func(err error) { conn.ClosePublishing(err) },
//	})
//	r.Schedule(provider.TokenDetails())
//	defer r.Stop()
package auth
