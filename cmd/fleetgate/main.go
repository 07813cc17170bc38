package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetsys/fleetgate/internal/api"
	"github.com/fleetsys/fleetgate/internal/auth"
	"github.com/fleetsys/fleetgate/internal/config"
	"github.com/fleetsys/fleetgate/internal/guard"
	"github.com/fleetsys/fleetgate/internal/logging"
	"github.com/fleetsys/fleetgate/internal/server"
	"github.com/fleetsys/fleetgate/internal/session"
	"github.com/fleetsys/fleetgate/internal/transport"
)

var Version = "dev"

const shutdownTimeout = 5 * time.Second

func main() {
	// Handle login subcommand before daemon startup.
	if len(os.Args) > 1 && os.Args[1] == "login" {
		if err := login(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// login performs the credential exchange and persists the resulting
// session, so the gateway starts authenticated.
func login() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	scanner := bufio.NewScanner(os.Stdin)

	fmt.Fprint(os.Stderr, "Username: ")
	if !scanner.Scan() {
		return fmt.Errorf("no input")
	}
	username := scanner.Text()

	fmt.Fprint(os.Stderr, "Password: ")
	if !scanner.Scan() {
		return fmt.Errorf("no input")
	}
	password := scanner.Text()

	client := api.NewClient(cfg.BackendURL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := client.Login(ctx, username, password)
	if err != nil {
		return err
	}

	store, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}

	if err := store.Write(session.Session{
		AccessToken:  result.Access,
		RefreshToken: result.Refresh,
		User:         result.User,
	}); err != nil {
		return err
	}

	fmt.Printf("logged in as %s\n", username)

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("fleetgate starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("backend", cfg.BackendURL),
	)

	policy := guard.DefaultPolicy()

	if cfg.RoutePolicy != "" {
		policy, err = guard.LoadPolicy(cfg.RoutePolicy)
		if err != nil {
			return err
		}
	}

	appURL, err := url.Parse(cfg.AppURL)
	if err != nil {
		return fmt.Errorf("parsing app URL: %w", err)
	}

	store, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}

	apiClient := api.NewClient(cfg.BackendURL, nil)
	coordinator := auth.NewCoordinator(store, apiClient, logger)
	manager := auth.NewManager(store, coordinator, logger)
	watcher := session.NewWatcher(store, logger)
	updates := watcher.Subscribe()

	authTransport := &transport.AuthTransport{
		Sessions:    store,
		Refresher:   coordinator,
		RefreshPath: api.RefreshPath,
		Logger:      logger,
	}
	transport.Install(authTransport)
	defer transport.Restore()

	validator := &guard.Validator{
		Store:   store,
		Session: manager,
		Policy:  policy,
		Logger:  logger,
	}

	mux := server.NewMux(server.MuxConfig{
		AppURL:    appURL,
		Policy:    policy,
		Validator: validator,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watcher.Watch(gctx)
	})

	g.Go(func() error {
		return manager.Run(gctx, updates)
	})

	g.Go(func() error {
		logger.Info("gateway listening", slog.String("addr", cfg.ListenAddr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("fleetgate stopped")

	return nil
}

// buildStore constructs the session store with its cookie channel
// scoped to the backend origin. The jar is the client-side holder of
// the cookie pair; requests leaving through the installed transport
// present it to the edge layer.
func buildStore(cfg *config.Config, logger *slog.Logger) (*session.Store, error) {
	origin, err := url.Parse(cfg.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("parsing backend URL: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	store := session.NewStore(cfg.StateDir, logger, session.WithCookieSink(jar, origin))

	return store, nil
}
