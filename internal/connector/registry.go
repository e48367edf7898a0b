package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/pkg/fault"
	"github.com/loomworks/loom/pkg/models"
)

// maxWebhookBody caps inbound webhook payloads at 1 MiB.
const maxWebhookBody = 1 << 20

// Registry holds the named connectors of one deployment and fans
// operations out to them.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]*Runtime
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]*Runtime)}
}

// Register adds a connector under its configured name.
func (g *Registry) Register(rt *Runtime) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.connectors[rt.Name()]; exists {
		return fmt.Errorf("connector %s: already registered", rt.Name())
	}
	g.connectors[rt.Name()] = rt
	return nil
}

// Get returns the named connector, or nil.
func (g *Registry) Get(name string) *Runtime {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.connectors[name]
}

// List snapshots every connector's status, sorted by name.
func (g *Registry) List() []models.ConnectorInfo {
	g.mu.RLock()
	infos := make([]models.ConnectorInfo, 0, len(g.connectors))
	for _, rt := range g.connectors {
		infos = append(infos, rt.Status())
	}
	g.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// SyncAll runs one sync cycle on every connector sequentially and
// returns the reports keyed by connector name.
func (g *Registry) SyncAll(ctx context.Context, fullSync bool) map[string]models.SyncReport {
	g.mu.RLock()
	rts := make([]*Runtime, 0, len(g.connectors))
	for _, rt := range g.connectors {
		rts = append(rts, rt)
	}
	g.mu.RUnlock()

	reports := make(map[string]models.SyncReport, len(rts))
	for _, rt := range rts {
		reports[rt.Name()] = rt.Sync(ctx, fullSync)
	}
	return reports
}

// DisconnectAll stops auto-sync and disconnects every connector.
func (g *Registry) DisconnectAll() {
	g.mu.RLock()
	rts := make([]*Runtime, 0, len(g.connectors))
	for _, rt := range g.connectors {
		rts = append(rts, rt)
	}
	g.mu.RUnlock()
	for _, rt := range rts {
		rt.Disconnect()
	}
}

// WebhookHandler returns the HTTP surface for inbound webhooks:
// POST /webhooks/{connector}. The signature travels in X-Loom-Signature
// (X-Hub-Signature-256 also accepted, for GitHub-style senders).
func (g *Registry) WebhookHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Post("/webhooks/{connector}", g.handleWebhook)
	return r
}

func (g *Registry) handleWebhook(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "connector")
	rt := g.Get(name)
	if rt == nil {
		respondError(w, http.StatusNotFound, "unknown connector "+name)
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, maxWebhookBody)
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "payload too large or unreadable")
		return
	}

	sig := req.Header.Get("X-Loom-Signature")
	if sig == "" {
		sig = req.Header.Get("X-Hub-Signature-256")
	}

	if err := rt.HandleWebhook(req.Context(), payload, sig); err != nil {
		log.Warn().Str("connector", name).Err(err).Msg("webhook rejected")
		switch fault.KindOf(err) {
		case fault.Auth:
			respondError(w, http.StatusUnauthorized, "signature mismatch")
		case fault.Validation:
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "webhook processing failed")
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
