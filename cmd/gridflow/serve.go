package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridflow/gridflow/internal/panel"
	"github.com/gridflow/gridflow/internal/secrets"
	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/internal/streaming"
	"github.com/gridflow/gridflow/pkg/mcp"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine as an MCP server on stdio",
		Long:  "Opens the libSQL store, starts the cron poller, the approval expiry sweep, and the HTTP admin panel, and serves the MCP tool surface on stdin/stdout until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg := loadConfig()
	logger := newLogger(cfg)

	if err := os.MkdirAll(gridflowDir(), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	base, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer base.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := base.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	// Every durable event also fans out to SSE subscribers through the hub.
	hub := streaming.NewMemoryHub()
	st := streaming.Tee(base, hub)

	a, err := buildApp(cfg, st, logger)
	if err != nil {
		return err
	}

	vault, err := buildVault(cfg)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	if vault == nil {
		logger.Warn("vault disabled, webhook signatures will not be verified",
			"hint", "set GRIDFLOW_VAULT_PASSPHRASE to enable")
	}

	srv := mcp.NewGridflowServer(mcp.GridflowServerDeps{
		Flows:       a.flows,
		Coordinator: a.coordinator,
		Store:       a.store,
		Logger:      logger,
	})
	a.coordinator.SetNotifier(srv.Notifier())

	if err := a.cron.Start(ctx); err != nil {
		return err
	}
	defer a.cron.Stop()
	defer a.pool.Shutdown()

	go sweepLoop(ctx, a, time.Duration(cfg.SweepIntervalSec)*time.Second)

	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: panel.NewServer(panel.Deps{
			Store:  a.store,
			Engine: a.coordinator,
			Flows:  a.flows,
			Hub:    hub,
			Vault:  vault,
			Logger: logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("panel server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("gridflow serving",
		"db_path", cfg.DBPath, "pool_size", cfg.PoolSize, "http_addr", cfg.HTTPAddr)
	return srv.Serve(ctx)
}

// buildVault opens the file-backed secrets vault, deriving the AES key from
// the configured passphrase and a per-installation salt. Returns nil when no
// passphrase is set.
func buildVault(cfg Config) (secrets.Vault, error) {
	if cfg.VaultPassphrase == "" {
		return nil, nil
	}

	salt, err := loadOrCreateSalt(filepath.Join(gridflowDir(), "vault.salt"))
	if err != nil {
		return nil, err
	}

	fs, err := secrets.NewFileStore(cfg.SecretsPath)
	if err != nil {
		return nil, err
	}
	return secrets.NewAESVault(fs, secrets.VaultConfig{
		Passphrase: cfg.VaultPassphrase,
		Salt:       salt,
	})
}

func loadOrCreateSalt(path string) ([]byte, error) {
	if salt, err := os.ReadFile(path); err == nil && len(salt) >= 16 {
		return salt, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}

// sweepLoop periodically expires past-due pending approvals, which fails
// their suspended runs along the rejection path.
func sweepLoop(ctx context.Context, a *app, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.coordinator.ExpireApprovals(ctx, time.Now().UTC()); err != nil {
				a.logger.Error("approval expiry sweep failed", "error", err)
			}
		}
	}
}
