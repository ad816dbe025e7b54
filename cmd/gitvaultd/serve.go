package main

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gitvault/server/internal/auth"
	"github.com/gitvault/server/internal/smarthttp"
)

func newServeCommand() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Smart HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			r, db, err := openEngine(cfg, dsn, log)
			if err != nil {
				return err
			}
			defer db.Close()

			srv := smarthttp.NewServer(r.Store, r.Refs, log)
			srv.Metrics = r.Metrics()

			mux := http.NewServeMux()
			mux.Handle("/info/refs", requireAuth(r.Auth, cfg.Server.Realm, "info/refs", http.HandlerFunc(srv.ServeInfoRefs)))
			mux.Handle("/git-upload-pack", requireAuth(r.Auth, cfg.Server.Realm, "git-upload-pack", http.HandlerFunc(srv.ServeUploadPack)))
			mux.Handle("/git-receive-pack", requireAuth(r.Auth, cfg.Server.Realm, "git-receive-pack", http.HandlerFunc(srv.ServeReceivePack)))
			mux.Handle("/metrics", r.Metrics().Handler())

			httpSrv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			log.Info("listening", zap.String("addr", cfg.Server.Addr))
			return httpSrv.ListenAndServe()
		},
	}

	cmd.Flags().StringVar(&dsn, "db", "gitvault.db", "path to the hot-tier SQLite database")
	return cmd
}

// requireAuth enforces auth.Provider against every request, translating
// the parsed Authorization header and request shape into a
// auth.RequestContext the provider can key policy on.
func requireAuth(provider auth.Provider, realm, service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds := auth.ParseAuthorization(r.Header.Get("Authorization"))
		reqCtx := auth.RequestContext{
			Service:   service,
			Path:      r.URL.Path,
			Method:    r.Method,
			IP:        r.RemoteAddr,
			UserAgent: r.UserAgent(),
		}
		result, err := provider.Validate(r.Context(), creds, reqCtx)
		if err != nil || !result.Valid {
			auth.WriteChallenge(w, realm)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
