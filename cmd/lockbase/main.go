package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/lockbase/pkg/accounts"
	"github.com/cuemby/lockbase/pkg/config"
	"github.com/cuemby/lockbase/pkg/connection"
	"github.com/cuemby/lockbase/pkg/crypto"
	"github.com/cuemby/lockbase/pkg/dispatch"
	"github.com/cuemby/lockbase/pkg/log"
	"github.com/cuemby/lockbase/pkg/registry"
	"github.com/cuemby/lockbase/pkg/router"
	"github.com/cuemby/lockbase/pkg/storage"
	"github.com/cuemby/lockbase/pkg/txlog"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "lockbase",
	Short:   "lockbase - end-to-end encrypted, zero-knowledge backend-as-a-service",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"lockbase version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lockbase server",
	RunE:  runServe,
}

func init() {
	config.BindFlags(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	suite, err := loadOrCreateSuite(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load server key: %w", err)
	}

	acc := accounts.New(store)
	reg := registry.New()
	disp := dispatch.New(reg)
	engine := txlog.New(store, disp)
	core := connection.New(reg, acc, engine, disp, suite)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.Background())
	defer cancelHeartbeat()
	go core.RunHeartbeat(heartbeatCtx)

	r := router.New(core, acc, suite)

	addr, useTLS := listenAddr(cfg)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived.
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			log.Logger.Info().Str("addr", addr).Msg("listening (TLS)")
			err = server.ListenAndServeTLS(cfg.HTTPSCert, cfg.HTTPSKey)
		} else {
			log.Logger.Info().Str("addr", addr).Msg("listening")
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func listenAddr(cfg config.Config) (addr string, useTLS bool) {
	if cfg.TLSEnabled() {
		return fmt.Sprintf(":%d", cfg.HTTPSPort), true
	}
	return fmt.Sprintf(":%d", cfg.HTTPPort), false
}

// loadOrCreateSuite reads the server's static X25519 key from
// <dataDir>/server.key, generating and persisting one on first run. The
// key must survive restarts: it is what GET /v1/api/auth/server-public-key
// returns, and every live handshake depends on it being stable.
func loadOrCreateSuite(dataDir string) (*crypto.Suite, error) {
	path := filepath.Join(dataDir, "server.key")

	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != 32 {
			return nil, fmt.Errorf("server key at %s is %d bytes, want 32", path, len(data))
		}
		var key [32]byte
		copy(key[:], data)
		return crypto.NewSuite(key), nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key, err := crypto.GenerateServerKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key[:], 0o600); err != nil {
		return nil, fmt.Errorf("persist server key: %w", err)
	}
	return crypto.NewSuite(key), nil
}
