// Package server assembles the HTTP surface: the public login path, the
// bearer-guarded admin API, and the metrics and status endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/loginbridge/loginbridge/internal/audit"
	"github.com/loginbridge/loginbridge/internal/config"
	"github.com/loginbridge/loginbridge/internal/directory"
	"github.com/loginbridge/loginbridge/internal/install"
	"github.com/loginbridge/loginbridge/internal/login"
	"github.com/loginbridge/loginbridge/internal/metrics"
	"github.com/loginbridge/loginbridge/internal/middleware"
	"github.com/loginbridge/loginbridge/internal/provision"
	"github.com/loginbridge/loginbridge/internal/session"
	"github.com/loginbridge/loginbridge/internal/settings"
)

// Server is the LoginBridge process: one HTTP listener over the shared
// SQLite database.
type Server struct {
	config       *config.Config
	logger       *logrus.Logger
	httpServer   *http.Server
	store        *directory.SQLiteStore
	settings     *settings.Manager
	sessions     *session.Tracker
	auditor      *audit.Manager
	collector    *metrics.Collector
	installer    *install.Installer
	orchestrator *login.Orchestrator
	startTime    time.Time
}

// New creates a server with all managers wired over the shared database.
func New(cfg *config.Config, logger *logrus.Logger) (*Server, error) {
	store, err := directory.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory store: %w", err)
	}

	settingsMgr, err := settings.NewManager(store.DB(), logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create settings manager: %w", err)
	}

	auditStore, err := audit.NewSQLiteStore(store.DB(), logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create audit store: %w", err)
	}
	auditor := audit.NewManager(auditStore, logger)

	sessionTTL := time.Duration(cfg.Auth.SessionTTLMinutes) * time.Minute
	tracker := session.NewTracker(sessionTTL, cfg.EnableTLS)
	collector := metrics.NewCollector(tracker.Count)

	provisioner := provision.NewProvisioner(store, logger)
	provisioner.SetAuditManager(auditor)
	provisioner.SetMetrics(collector)

	installer := install.NewInstaller(store, settingsMgr, logger)

	orchestrator := login.NewOrchestrator(login.Options{
		Settings:    settingsMgr,
		Sessions:    tracker,
		Provisioner: provisioner,
		Tokens:      login.NewTokenIssuer(cfg.Auth.JWTSecret, sessionTTL, cfg.EnableTLS),
		Audit:       auditor,
		Metrics:     collector,
		Logger:      logger,
		PublicURL:   cfg.PublicURL,
	})

	s := &Server{
		config:       cfg,
		logger:       logger,
		store:        store,
		settings:     settingsMgr,
		sessions:     tracker,
		auditor:      auditor,
		collector:    collector,
		installer:    installer,
		orchestrator: orchestrator,
		startTime:    time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// routes builds the router. The login path comes from the persisted
// configuration at startup; installer Check keeps it consistent.
func (s *Server) routes() http.Handler {
	router := mux.NewRouter()

	loginPath := settings.DefaultPageName
	if cfg, err := s.settings.LoadOAuthConfig(); err == nil && cfg.PageName != "" {
		loginPath = cfg.PageName
	}

	router.HandleFunc("/"+loginPath+"/", s.orchestrator.Handle).Methods(http.MethodGet)
	router.HandleFunc("/"+loginPath, s.orchestrator.Handle).Methods(http.MethodGet)
	router.HandleFunc("/logout", s.orchestrator.Logout).Methods(http.MethodGet, http.MethodPost)

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	if s.config.Metrics.Enable {
		router.Handle(s.config.Metrics.Path, s.collector.Handler()).Methods(http.MethodGet)
	}

	admin := router.PathPrefix("/api/admin").Subrouter()
	admin.Use(middleware.CORS(s.config.Auth.AdminOrigin))
	admin.Use(middleware.AdminAuth(s.config.Auth.AdminToken))
	s.registerAdminRoutes(admin)

	chain := middleware.Logging(s.logger)(router)
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(chain)
}

// Start runs the installer consistency check, starts the listener, and
// blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.installer.Check(); err != nil {
		return fmt.Errorf("install check failed: %w", err)
	}

	s.auditor.StartRetentionJob(ctx, s.config.Audit.RetentionDays)

	s.logger.WithFields(logrus.Fields{
		"address":    s.config.Listen,
		"public_url": s.config.PublicURL,
		"data_dir":   s.config.DataDir,
	}).Info("Starting LoginBridge server")

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.EnableTLS {
			err = s.httpServer.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown HTTP server")
	}

	if err := s.store.Close(); err != nil {
		s.logger.WithError(err).Error("Failed to close database")
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.installer.Status()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"installed":       status.Installed,
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"active_sessions": s.sessions.Count(),
		"system":          metrics.CollectSystem(s.config.DataDir),
	})
}
