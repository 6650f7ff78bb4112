// Package httpapi carries the small JSON envelope conventions shared by
// the /status and /health endpoints, matching api.HealthResponse's
// SchemaVersion/GeneratedAt envelope shape.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/g960059/bridged/internal/model"
)

const schemaVersion = "v1"

type SessionSource interface {
	Sessions() []SessionView
	SessionCount() int
}

type SessionView struct {
	ID       string
	ClientID model.AssistantId
}

type KnowledgeGraphProbe interface {
	Available(ctx context.Context) bool
}

type statusResponse struct {
	SchemaVersion string        `json:"schemaVersion"`
	GeneratedAt   time.Time     `json:"generatedAt"`
	Sessions      []sessionJSON `json:"sessions"`
	SessionCount  int           `json:"sessionCount"`
}

type sessionJSON struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
}

type healthResponse struct {
	SchemaVersion  string    `json:"schemaVersion"`
	GeneratedAt    time.Time `json:"generatedAt"`
	Status         string    `json:"status"`
	KnowledgeGraph string    `json:"knowledge_graph"`
}

func StatusHandler(sessions SessionSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		views := sessions.Sessions()
		out := make([]sessionJSON, 0, len(views))
		for _, v := range views {
			out = append(out, sessionJSON{ID: v.ID, ClientID: string(v.ClientID)})
		}
		writeJSON(w, http.StatusOK, statusResponse{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now(),
			Sessions:      out,
			SessionCount:  len(out),
		})
	}
}

func HealthHandler(kg KnowledgeGraphProbe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kgStatus := "unavailable"
		if kg != nil && kg.Available(r.Context()) {
			kgStatus = "available"
		}
		writeJSON(w, http.StatusOK, healthResponse{
			SchemaVersion:  schemaVersion,
			GeneratedAt:    time.Now(),
			Status:         "ok",
			KnowledgeGraph: kgStatus,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
