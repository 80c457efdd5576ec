// Package app assembles the daemon: logging, wallet bootstrap, the
// session and the observability listener.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kraken-chat/go-backend/internal/config"
	"kraken-chat/go-backend/internal/identity"
	"kraken-chat/go-backend/internal/platform/privacylog"
	"kraken-chat/go-backend/internal/session"
)

// EnvWalletPassword protects the on-disk wallet envelope.
const EnvWalletPassword = "KRAKEN_WALLET_PASSWORD"

type Options struct {
	Config config.Config
	Logger *slog.Logger

	// Email/RawID override the wallet-derived identity. Normally both
	// are empty and the daemon runs as its own wallet address.
	Email string
	RawID string
}

type Runtime struct {
	cfg     config.Config
	log     *slog.Logger
	email   string
	rawID   string
	wallet  *identity.Wallet
	session *session.Session
}

// DefaultLogger builds the daemon's JSON logger with the sanitizing
// handler in front, so principals never reach stdout in plain form.
func DefaultLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(privacylog.WrapHandler(handler))
}

func New(opts Options) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = DefaultLogger(opts.Config.LogLevel)
	}
	return &Runtime{cfg: opts.Config, log: logger, email: opts.Email, rawID: opts.RawID}
}

// Run brings the daemon up and blocks until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	email, rawID := r.email, r.rawID
	if email == "" && rawID == "" {
		wallet, created, err := bootstrapWallet(r.cfg, os.Getenv(EnvWalletPassword))
		if err != nil {
			return fmt.Errorf("wallet bootstrap: %w", err)
		}
		r.wallet = wallet
		email = fmt.Sprintf("%s@%s", wallet.Address(), identity.SyntheticDomain)
		if created {
			r.log.Info("wallet generated, back up the mnemonic via export", "address", wallet.Address())
		}
	}

	s, err := session.Open(ctx, session.Options{
		Email:  email,
		RawID:  rawID,
		Config: r.cfg,
		Logger: r.log,
	})
	if err != nil {
		return err
	}
	r.session = s
	defer s.Close()

	srv := r.observabilityServer()
	errCh := make(chan error, 1)
	go func() {
		r.log.Info("observability listener starting", "addr", r.cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("observability listener: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		r.log.Warn("listener shutdown incomplete", "error", err)
	}
	return nil
}

// Session exposes the running session, nil before Run.
func (r *Runtime) Session() *session.Session { return r.session }

func (r *Runtime) observabilityServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := r.session.TransportStatus()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":     "ok",
			"transport":  status.State,
			"peer_count": status.PeerCount,
			"local_only": r.session.LocalOnly(),
		})
	})
	return &http.Server{
		Addr:              r.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
