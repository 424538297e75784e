package routes

import (
	"encoding/json"
	"net/http"

	"github.com/example/pipeline-board/internal/presence"
	"github.com/example/pipeline-board/internal/types"
)

// Error codes carried in the envelope, stable across releases since the
// watch client switches on them.
const (
	codeJobNotFound  = "JOB_NOT_FOUND"
	codeNotFound     = "NOT_FOUND"
	codeInvalidParam = "INVALID_PARAM"
	codeInternal     = "INTERNAL"
)

type envelope struct {
	Status       string                 `json:"status"`
	ErrorMessage string                 `json:"error,omitempty"`
	Code         string                 `json:"code,omitempty"`
	Jobs         []types.Job            `json:"jobs,omitempty"`
	Selections   []types.Selection      `json:"selections,omitempty"`
	DeepDives    []types.DeepDive       `json:"deep_dives,omitempty"`
	Applications []types.Application    `json:"applications,omitempty"`
	Events       []types.BoardEvent     `json:"events,omitempty"`
	DeepDive     *types.DeepDive        `json:"deep_dive,omitempty"`
	Application  *types.Application     `json:"application,omitempty"`
	View         string                 `json:"view,omitempty"`
	Count        int                    `json:"count,omitempty"`
	ExportKey    string                 `json:"export_key,omitempty"`
	Watchers     []presence.WatcherInfo `json:"watchers,omitempty"`
}

func writeOK(w http.ResponseWriter, env envelope) {
	env.Status = "ok"
	writeJSON(w, http.StatusOK, env)
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Status: "error", ErrorMessage: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encoding a fully value-typed envelope cannot fail; a broken pipe here
	// is the client's problem.
	_ = json.NewEncoder(w).Encode(env)
}
