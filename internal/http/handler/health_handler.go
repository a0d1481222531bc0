// Package handler provides the HTTP handlers of the operational endpoints.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/your-org/position-guard/internal/reconciler"
)

// statusSource reports the current loop status.
type statusSource interface {
	Status() reconciler.Status
}

// HealthCheckHandler returns the loop status as JSON. Degraded mode still
// answers 200: the process is alive and detecting, only remediation is
// suspended.
func HealthCheckHandler(src statusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(src.Status())
	}
}
