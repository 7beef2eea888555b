package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/roomchat/roomchat/api"
	"github.com/roomchat/roomchat/auth"
	"github.com/roomchat/roomchat/chat"
	"github.com/roomchat/roomchat/config"
	"github.com/roomchat/roomchat/globals"
	"github.com/roomchat/roomchat/notification"
	"github.com/roomchat/roomchat/persistence"
	"github.com/roomchat/roomchat/presence"
	"github.com/roomchat/roomchat/upload"
	"github.com/roomchat/roomchat/ws"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 15 * time.Second

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
)

func main() {
	log.SetFlags(0)

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	globals.SetLogLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		globals.AppLogger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		panic(err)
	}
	defer persister.Close()

	verifier, err := setupVerifier(ctx, cfg, persister)
	if err != nil {
		panic(err)
	}
	storage, err := upload.NewStorage(ctx, cfg.UploadConfig)
	if err != nil {
		panic(err)
	}

	logger := globals.AppLogger
	hub := ws.NewHub(logger.Named("hub"))
	tracker := presence.NewTracker(persister)
	emitter := notification.NewEmitter(persister, logger.Named("notification"))
	pipeline := chat.NewPipeline(persister, hub, tracker, emitter, storage, logger.Named("chat"))

	sweeper, err := presence.NewSweeper(persister, hub, cfg.PresenceConfig, logger.Named("presence"))
	if err != nil {
		panic(err)
	}
	// rows left online by a previous run
	if _, err := sweeper.Sweep(ctx); err != nil {
		logger.Error("initial presence sweep failed", "error", err)
	}
	sweeper.Start()

	router := mux.NewRouter()
	ws.NewHandler(hub, verifier, pipeline, tracker, cfg, logger.Named("ws")).RegisterRoutes(router)
	api.New(persister, pipeline, tracker, emitter, verifier, logger.Named("api")).RegisterRoutes(router)
	if fs, ok := storage.(*upload.FilesystemStorage); ok {
		prefix := strings.TrimSuffix(fs.BaseUrl(), "/") + "/"
		router.PathPrefix(prefix).Handler(fs.Handler()).Methods(http.MethodGet)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// hijacked websocket connections are not tracked by the server
		hub.CloseAll(websocket.CloseGoingAway, "server shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	logger.Info("listening", "addr", cfg.ListenAddr, "tls", cfg.SSLCert != "")
	if cfg.SSLCert != "" && cfg.SSLKey != "" {
		err = srv.ListenAndServeTLS(cfg.SSLCert, cfg.SSLKey)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("stopped listening", "error", err)
	}
	<-sweeper.Stop().Done()
}

// setupVerifier chains the JWT verifier (if a secret is configured) with one verifier per OIDC provider.
func setupVerifier(ctx context.Context, cfg *config.Config, persister persistence.Persister) (auth.Verifier, error) {
	chain := make(auth.ChainVerifier, 0, len(cfg.OIDCConfigs)+1)
	if cfg.AuthConfig.JWTSecret != "" {
		lookup, err := auth.NewCachedLookup(persister, cfg.AuthConfig.UserCacheSize)
		if err != nil {
			return nil, err
		}
		chain = append(chain, auth.NewJWTVerifier(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.JWTIssuer, lookup))
	}
	for _, oidcCfg := range cfg.OIDCConfigs {
		verifier, err := auth.NewOIDCVerifier(ctx, oidcCfg, persister)
		if err != nil {
			return nil, err
		}
		globals.AppLogger.Info("oidc provider configured", "name", oidcCfg.Name)
		chain = append(chain, verifier)
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}
