// Package web hosts the bot's HTTP surface: the health probe, the Telegram
// webhook endpoint and the endpoint that registers that webhook.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tg_script_gateway_bot/internal/logging"
)

const (
	mongoPingTimeout     = 2 * time.Second
	setWebhookTimeout    = 10 * time.Second
	readHeaderTimeout    = 2 * time.Second
	listenPrefix         = ":"
	healthPath           = "/healthz"
	setWebhookPath       = "/setwebhook"
	forwardedProtoHeader = "X-Forwarded-Proto"
	forwardedHostHeader  = "X-Forwarded-Host"
)

// WebhookPath is where Telegram posts updates.
const WebhookPath = "/webhook"

// MongoChecker defines the subset of MongoDB client behavior required for health.
type MongoChecker interface {
	Ping(ctx context.Context) error
}

// Webhook is the Telegram side of webhook delivery.
type Webhook interface {
	WebhookHandler() http.Handler
	RegisterWebhook(ctx context.Context, url string) error
}

// Server owns the HTTP listener.
type Server struct {
	server       *http.Server
	logger       *logrus.Entry
	mongoChecker MongoChecker
	webhook      Webhook
	baseURL      string
}

type response struct {
	Status string `json:"status"`
	Mongo  string `json:"mongo,omitempty"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewServer constructs the HTTP server on port. The webhook routes are only
// mounted when webhook is non-nil. baseURL is the public origin used for
// /setwebhook; when empty it is derived from the incoming request.
func NewServer(port int, mongoChecker MongoChecker, webhook Webhook, baseURL string, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logging.Logger()
	}

	srv := &Server{
		logger:       logger,
		mongoChecker: mongoChecker,
		webhook:      webhook,
		baseURL:      strings.TrimRight(baseURL, "/"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(healthPath, srv.handleHealth)
	if webhook != nil {
		mux.Handle("POST "+WebhookPath, webhook.WebhookHandler())
		mux.HandleFunc("GET "+setWebhookPath, srv.handleSetWebhook)
		mux.HandleFunc("POST "+setWebhookPath, srv.handleSetWebhook)
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf("%s%d", listenPrefix, port),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return srv
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(logging.Fields{
		"event":   "http_listen",
		"addr":    s.server.Addr,
		"webhook": s.webhook != nil,
	}).Info("starting http server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server listen: %w", err)
	}

	s.logger.WithField("event", "http_stopped").Info("http server stopped")
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := response{Status: "ok"}
	mongoStatus := "ok"

	if s.mongoChecker == nil {
		mongoStatus = "error"
		s.logger.WithField("event", "health_mongo_missing").Warn("mongo checker is not configured for health endpoint")
	} else {
		pingCtx, cancel := context.WithTimeout(r.Context(), mongoPingTimeout)
		err := s.mongoChecker.Ping(pingCtx)
		cancel()

		if err != nil {
			mongoStatus = "error"
			s.logger.WithFields(logging.Fields{
				"event": "health_mongo_error",
			}).WithError(err).Warn("mongo ping failed during health check")
		}
	}

	if mongoStatus != "ok" {
		resp.Status = "degraded"
		resp.Mongo = "error"
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	url := s.publicBase(r) + WebhookPath

	ctx, cancel := context.WithTimeout(r.Context(), setWebhookTimeout)
	defer cancel()

	if err := s.webhook.RegisterWebhook(ctx, url); err != nil {
		s.logger.WithFields(logging.Fields{
			"event": "webhook_setup_failed",
			"url":   url,
		}).WithError(err).Error("webhook setup failed")
		s.writeJSON(w, http.StatusBadGateway, response{Status: "error", URL: url, Error: "webhook setup failed"})
		return
	}

	s.writeJSON(w, http.StatusOK, response{Status: "ok", URL: url})
}

// publicBase prefers the configured origin, then proxy headers, then the
// request itself.
func (s *Server) publicBase(r *http.Request) string {
	if s.baseURL != "" {
		return s.baseURL
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := strings.TrimSpace(r.Header.Get(forwardedProtoHeader)); proto != "" {
		scheme = strings.ToLower(strings.Split(proto, ",")[0])
	}

	host := r.Host
	if forwarded := strings.TrimSpace(r.Header.Get(forwardedHostHeader)); forwarded != "" {
		host = strings.Split(forwarded, ",")[0]
	}

	return scheme + "://" + strings.TrimSpace(host)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithField("event", "http_write_error").WithError(err).Error("failed to encode response")
	}
}
