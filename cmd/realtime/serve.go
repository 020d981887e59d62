package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vango-dev/realtime/pkg/auth"
)

func serveTokenCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve-token",
		Short: "Serve signed token requests over HTTP",
		Long: `Run an HTTP endpoint that signs token requests with the configured key,
for use as the auth URL of clients that must not hold the key.

Routes:
  GET|POST /token-request   signed token request (JSON)
  GET      /metrics         Prometheus metrics
  GET      /healthz         liveness

Query parameters (or JSON body fields) clientId, ttl (milliseconds) and
capability override the configured defaults.

Examples:
  realtime serve-token --addr :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			provider, err := a.signer()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.runServeToken(ctx, addr, provider)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default server.addr from config)")
	return cmd
}

func (a *app) runServeToken(ctx context.Context, addr string, provider *auth.Provider) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	srv := &http.Server{
		Addr: addr,
		Handler: newTokenServer(tokenServerConfig{
			Provider: provider,
			Defaults: auth.TokenParams{TTL: a.cfg.Server.TTL, Capability: a.cfg.Server.Capability},
			Registry: registry,
			Logger:   a.logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("serving token requests", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type tokenServerConfig struct {
	Provider *auth.Provider
	Defaults auth.TokenParams
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// tokenRequestBody is the optional POST body of /token-request.
type tokenRequestBody struct {
	ClientID   string `json:"clientId"`
	TTL        int64  `json:"ttl"`
	Capability string `json:"capability"`
}

// maxRequestBody bounds POST bodies.
const maxRequestBody = 16 * 1024

func newTokenServer(cfg tokenServerConfig) http.Handler {
	issued := promauto.With(cfg.Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "token_server",
		Name:      "requests_total",
		Help:      "Token requests served, by result.",
	}, []string{"result"})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	handle := func(w http.ResponseWriter, req *http.Request) {
		params, err := tokenParams(req, cfg.Defaults)
		if err != nil {
			issued.WithLabelValues("bad_request").Inc()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tr, err := cfg.Provider.CreateTokenRequest(params)
		if err != nil {
			issued.WithLabelValues("error").Inc()
			cfg.Logger.Error("sign token request", "error", err)
			http.Error(w, "cannot sign token request", http.StatusInternalServerError)
			return
		}
		issued.WithLabelValues("ok").Inc()
		cfg.Logger.Debug("token request issued",
			"client_id", tr.ClientID,
			"request_id", middleware.GetReqID(req.Context()))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tr)
	}
	r.Get("/token-request", handle)
	r.Post("/token-request", handle)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	return r
}

// tokenParams merges query parameters and an optional JSON body over the
// defaults. The body wins over the query.
func tokenParams(req *http.Request, def auth.TokenParams) (auth.TokenParams, error) {
	params := def
	q := req.URL.Query()
	if v := q.Get("clientId"); v != "" {
		params.ClientID = v
	}
	if v := q.Get("capability"); v != "" {
		params.Capability = v
	}
	if v := q.Get("ttl"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			return params, errors.New("ttl must be a non-negative number of milliseconds")
		}
		params.TTL = time.Duration(ms) * time.Millisecond
	}

	if req.Method != http.MethodPost || req.ContentLength == 0 {
		return params, nil
	}
	var body tokenRequestBody
	dec := json.NewDecoder(io.LimitReader(req.Body, maxRequestBody))
	if err := dec.Decode(&body); err != nil {
		return params, errors.New("body must be a JSON object")
	}
	if body.ClientID != "" {
		params.ClientID = body.ClientID
	}
	if body.Capability != "" {
		params.Capability = body.Capability
	}
	if body.TTL < 0 {
		return params, errors.New("ttl must be a non-negative number of milliseconds")
	}
	if body.TTL > 0 {
		params.TTL = time.Duration(body.TTL) * time.Millisecond
	}
	return params, nil
}
