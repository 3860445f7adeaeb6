// Package api is the simulator's REST facade and dashboard server.
package api

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/jkaberg/evse-sim/internal/domain"
	"github.com/jkaberg/evse-sim/internal/supervisor"
	"github.com/sirupsen/logrus"
)

// Fleet is the control surface the handlers drive.
type Fleet interface {
	SetCredentials(backendURL, chargeBoxID, authKey string) (supervisor.Generation, error)
	SetCACert(pem string) (supervisor.Generation, error)
	GetCredentials() supervisor.ConnectionConfig
	SetPingInterval(d time.Duration) error
	SetReconnectInterval(d time.Duration) error
	SetStaleTimeout(d time.Duration) error
	Timing() supervisor.Options
	LinkStatus() supervisor.Status

	ConnectorIDs() []int
	SetPlugged(id int, v bool) error
	SetReady(id int, v bool) error
	SetEvseReady(id int, v bool) error
	PresentToken(id int, tag string) error
	SetSmartChargingLimit(id int, watts float64) error
	ConnectorSnapshot(id int) (domain.ConnectorSnapshot, error)
	MeterSnapshot(id int) (domain.MeterSnapshot, error)
	SmartChargingSnapshot(id int) (domain.SmartChargingSnapshot, error)
}

// dashboardBundle is served pre-compressed for "/" when present.
const dashboardBundle = "bundle.html.gz"

// API is the HTTP handler for /api and the dashboard.
type API struct {
	router   chi.Router
	fleet    Fleet
	validate *validator.Validate
	webRoot  string
	logger   *logrus.Logger
}

func New(fl Fleet, webRoot string, logger *logrus.Logger) *API {
	a := &API{
		router:   chi.NewRouter(),
		fleet:    fl,
		validate: validator.New(),
		webRoot:  webRoot,
		logger:   logger,
	}

	a.router.Use(chimiddleware.RequestID)
	a.router.Use(a.requestLogger)
	a.router.Use(chimiddleware.Recoverer)
	a.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	a.router.Route("/api", func(r chi.Router) {
		r.Get("/websocket", a.getWebSocket)
		r.Post("/websocket", a.postWebSocket)
		r.Get("/ca_cert", a.getCACert)
		r.Post("/ca_cert", a.postCACert)
		r.Get("/status", a.getStatus)
		r.Get("/connectors", a.getConnectors)

		r.Route("/connector/{id}", func(r chi.Router) {
			r.Get("/evse", a.getEvse)
			r.Post("/evse", a.postEvse)
			r.Get("/meter", a.getMeter)
			r.Get("/transaction", a.getTransaction)
			r.Post("/transaction", a.postTransaction)
			r.Get("/smartcharging", a.getSmartCharging)
			r.Post("/smartcharging", a.postSmartCharging)
		})

		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			sendError(w, "The required parameters are not given", http.StatusNotFound)
		})
	})

	if webRoot != "" {
		a.router.Handle("/*", gziphandler.GzipHandler(a.dashboard()))
	}
	return a
}

// ServeHTTP satisfies the http.Handler interface
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) dashboard() http.Handler {
	files := http.FileServer(http.Dir(a.webRoot))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			bundle := filepath.Join(a.webRoot, dashboardBundle)
			if _, err := os.Stat(bundle); err == nil {
				w.Header().Set("Content-Type", "text/html")
				w.Header().Set("Content-Encoding", "gzip")
				http.ServeFile(w, r, bundle)
				return
			}
		}
		files.ServeHTTP(w, r)
	})
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  chimiddleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}
