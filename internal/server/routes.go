// Package server wires HTTP handlers into a gorilla/mux router for the GoChat
// application.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter configures every application route on h. /metrics is only
// mounted when gatherer is non-nil.
func NewRouter(h *Hub, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", HealthHandler).Methods(http.MethodGet)
	// Method checking for /ws stays in the handler so clients get a 405 body.
	r.HandleFunc("/ws", h.WebSocketHandler)
	r.HandleFunc("/test", TestPageHandler).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.origins.cors)
	api.HandleFunc("/users", h.UsersHandler).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/messages/{user1}/{user2}", h.MessagesHandler).Methods(http.MethodGet, http.MethodOptions)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}
