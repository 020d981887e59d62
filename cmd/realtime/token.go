package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/realtime/pkg/auth"
)

func tokenCmd(a *app) *cobra.Command {
	var (
		ttl        time.Duration
		capability string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed token request",
		Long: `Sign a token request with the configured key and print it as JSON.
A client holding no key can exchange the request for a token.

Examples:
  realtime token --ttl 1h
  realtime token --client-id alice --capability '{"lobby":["subscribe"]}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := a.signer()
			if err != nil {
				return err
			}
			req, err := provider.CreateTokenRequest(auth.TokenParams{TTL: ttl, Capability: capability})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(a.out)
			enc.SetIndent("", "  ")
			return enc.Encode(req)
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Requested token lifetime (default: service default)")
	cmd.Flags().StringVar(&capability, "capability", "", "Requested capability as JSON")
	return cmd
}

// signer returns a provider that can sign token requests with the
// configured key.
func (a *app) signer() (*auth.Provider, error) {
	opts := a.cfg.AuthOptions(a.logger)
	// Only the key signs requests.
	opts.Token, opts.AuthCallback = "", nil
	if opts.Key == "" {
		return nil, auth.ErrInvalidKey
	}
	return auth.NewProvider(opts)
}
