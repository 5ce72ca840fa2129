// Copyright 2024 Tigris Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/valandreev/restcache/pkg/cache/failsafe"
	"github.com/valandreev/restcache/pkg/cache/index"
)

type indexStatus struct {
	Key             string `json:"key"`
	BaseURI         string `json:"base_uri"`
	Items           int    `json:"items"`
	PrefetchEnabled bool   `json:"prefetch_enabled"`
	CleanEnabled    bool   `json:"clean_enabled"`
}

type itemStatus struct {
	RelativeURI      string    `json:"relative_uri"`
	ID               string    `json:"id"`
	Downloaded       time.Time `json:"downloaded,omitempty"`
	Expiration       time.Time `json:"expiration,omitempty"`
	AttemptToRefresh time.Time `json:"attempt_to_refresh,omitempty"`
	PreFetch         bool      `json:"prefetch"`
	Usage            int       `json:"usage"`
	Expired          bool      `json:"expired"`
	Stale            bool      `json:"stale"`
}

type queueStatus struct {
	TypeName string `json:"type_name"`
	Pending  int    `json:"pending"`
}

type engineStatus struct {
	Breaker failsafe.State `json:"breaker"`
	Idle    map[string]int `json:"idle"`
	Indexes []indexStatus  `json:"indexes"`
	Queues  []queueStatus  `json:"queues"`
}

// StatusHandler serves a read-only JSON view of the engine.
func (e *Engine) StatusHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			engineLog.E(err)
		}
	})
	r.Get("/status", e.handleStatus)
	r.Get("/indexes", e.handleIndexes)
	r.Get("/indexes/{key}/items", e.handleIndexItems)
	r.Get("/idle", e.handleIdle)
	r.Post("/maintenance", e.handleMaintenance)
	return r
}

func (e *Engine) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, engineStatus{
		Breaker: e.breaker.Snapshot(),
		Idle:    e.idlePending(),
		Indexes: e.indexStatuses(),
		Queues:  e.queueStatuses(),
	})
}

func (e *Engine) handleIndexes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.indexStatuses())
}

func (e *Engine) handleIndexItems(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	for _, x := range e.registry.Indexes() {
		if index.BaseURIPath(x.BaseURI()) != key {
			continue
		}
		now := e.now()
		items := x.Items()
		out := make([]itemStatus, 0, len(items))
		for i := range items {
			it := &items[i]
			out = append(out, itemStatus{
				RelativeURI:      it.RelativeURI(),
				ID:               it.ID(),
				Downloaded:       it.Downloaded,
				Expiration:       it.Expiration,
				AttemptToRefresh: it.AttemptToRefresh,
				PreFetch:         it.PreFetch,
				Usage:            it.UsageCount,
				Expired:          it.IsExpiredAt(now),
				Stale:            it.IsStaleAt(now),
			})
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown index " + key})
}

func (e *Engine) handleIdle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.idlePending())
}

func (e *Engine) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if !e.TriggerMaintenance() {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already pending"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (e *Engine) indexStatuses() []indexStatus {
	indexes := e.registry.Indexes()
	out := make([]indexStatus, 0, len(indexes))
	for _, x := range indexes {
		out = append(out, indexStatus{
			Key:             index.BaseURIPath(x.BaseURI()),
			BaseURI:         x.BaseURI(),
			Items:           x.Len(),
			PrefetchEnabled: x.PrefetchEnabled(),
			CleanEnabled:    x.CleanEnabled(),
		})
	}
	return out
}

func (e *Engine) queueStatuses() []queueStatus {
	queues := e.Queues()
	out := make([]queueStatus, 0, len(queues))
	for _, q := range queues {
		out = append(out, queueStatus{TypeName: q.TypeName(), Pending: q.Len()})
	}
	return out
}

func (e *Engine) idlePending() map[string]int {
	out := make(map[string]int)
	for _, kind := range []string{index.KindEnsureCurrentCache, index.KindPreFetchItems, index.KindCleanIndex, index.KindRemoveCurrentCache} {
		out[kind] = e.idle.Pending(kind)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		engineLog.E(err)
	}
}
