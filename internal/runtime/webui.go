package runtime

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/servicebus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/servicebus/internal/runtime/logging"
)

func (b *Broker) registerMetricsEndpoint() {
	if !b.Conf.MetricsEnabled || b.Conf.MetricsPort <= 0 || b.metricsRegistry == nil {
		return
	}
	b.RegisterHTTPHandler(b.Conf.MetricsPort, "/metrics", b.MetricsHandler())
}

// MetricsHandler serves the broker's Prometheus registry. It returns
// http.NotFoundHandler when metrics are disabled.
func (b *Broker) MetricsHandler() http.Handler {
	if b.metricsRegistry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(b.metricsRegistry, promhttp.HandlerOpts{Registry: b.metricsRegistry})
}

func (b *Broker) registerStatsAPI() {
	if !b.Conf.StatsEnabled {
		return
	}

	port := b.Conf.StatsPort
	if port == 0 {
		port = defaultStatsPort
	}

	b.RegisterHTTPHandler(port, "/api/units", http.HandlerFunc(b.handleGetUnits))
	b.RegisterHTTPHandler(port, "/api/units/{name}", http.HandlerFunc(b.handleGetUnit))
	b.RegisterHTTPHandler(port, "/api/dead-letters", http.HandlerFunc(b.handleGetDeadLetters))
}

func (b *Broker) handleGetUnits(w http.ResponseWriter, r *http.Request) {
	if b.writeAPIHeaders(w, r) {
		return
	}
	b.writeJSON(w, b.UnitInfos())
}

func (b *Broker) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	if b.writeAPIHeaders(w, r) {
		return
	}
	unit, ok := b.Unit(r.PathValue("name"))
	if !ok {
		http.Error(w, "unit not found", http.StatusNotFound)
		return
	}
	b.writeJSON(w, unit.Info())
}

func (b *Broker) handleGetDeadLetters(w http.ResponseWriter, r *http.Request) {
	if b.writeAPIHeaders(w, r) {
		return
	}
	counts := b.DeadLetters()
	if counts == nil {
		counts = map[Destination]DeadLetterCounts{}
	}
	b.writeJSON(w, counts)
}

// writeAPIHeaders sets content type and CORS headers. It reports whether the
// request was a preflight that has been answered.
func (b *Broker) writeAPIHeaders(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Content-Type", "application/json")

	if len(b.Conf.StatsCORSAllowedOrigins) > 0 {
		if allowedOrigin := b.allowedCORSOrigin(r.Header.Get("Origin")); allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return true
	}
	return false
}

func (b *Broker) writeJSON(w http.ResponseWriter, v any) {
	if err := jsoncodec.Encode(w, v); err != nil {
		b.Logger.Error("Failed to encode stats response", err, loggingpkg.LogFields{})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for the
// request origin, or "" when it is not allowed.
func (b *Broker) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range b.Conf.StatsCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
