package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"veilnet/core/types"
	"veilnet/p2p"
)

// engineView is the read-only slice of the engine the status routes need.
type engineView interface {
	Information() p2p.Information
	Nodes() []types.Node
}

type nodeView struct {
	ID        string   `json:"id"`
	Addresses []string `json:"addresses"`
}

func newRouter(engine engineView, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Method(http.MethodGet, "/metrics", metrics)
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, engine.Information())
	})
	r.Get("/nodes", func(w http.ResponseWriter, _ *http.Request) {
		nodes := engine.Nodes()
		out := make([]nodeView, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, nodeView{ID: n.ID.String(), Addresses: n.Addresses})
		}
		writeJSON(w, out)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
