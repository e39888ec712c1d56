// Command jwtgate serves an open health route and a bearer token protected
// route group, verifying tokens against a local JWKS document.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/jwtgate/auth"
	"github.com/ggoodman/jwtgate/bearerhttp"
	"github.com/ggoodman/jwtgate/config"
	"github.com/ggoodman/jwtgate/internal/logctx"
	"github.com/ggoodman/jwtgate/jwksfile"
	"github.com/ggoodman/jwtgate/keystore"
	"github.com/ggoodman/jwtgate/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "jwtgate: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})})

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	store, doc, err := jwksfile.LoadDocument(cfg.JWKSFile)
	if err != nil {
		return err
	}
	v, err := auth.New(store, policy, auth.WithLogger(log))
	if err != nil {
		return err
	}
	metrics.KeyStoreKeys.Set(float64(store.Len()))
	log.InfoContext(ctx, "jwtgate.keys.loaded", slog.String("path", cfg.JWKSFile), slog.Any("kids", store.KeyIDs()))

	validator := bearerhttp.NewSwappable(v)
	if cfg.WatchJWKS {
		go func() {
			err := jwksfile.Watch(ctx, cfg.JWKSFile, func(s *keystore.Store) {
				next, err := auth.New(s, policy, auth.WithLogger(log))
				if err != nil {
					log.ErrorContext(ctx, "jwtgate.keys.swap.err", slog.String("err", err.Error()))
					return
				}
				validator.Store(next)
			}, jwksfile.WithLogger(log), jwksfile.WithInitial(doc))
			if err != nil && !errors.Is(err, context.Canceled) {
				log.ErrorContext(ctx, "jwtgate.keys.watch.err", slog.String("err", err.Error()))
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(validator, log, cfg.Realm),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "jwtgate.listen", slog.String("addr", cfg.ListenAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newRouter(v bearerhttp.Validator, log *slog.Logger, realm string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(bearerhttp.Middleware(v, bearerhttp.WithLogger(log), bearerhttp.WithRealm(realm)))
		r.Get("/whoami", whoami)
	})
	return r
}

// whoami echoes the registered claims of the caller's token.
func whoami(w http.ResponseWriter, r *http.Request) {
	claims, ok := bearerhttp.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "no claims", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(claims.RegisteredClaims)
}
