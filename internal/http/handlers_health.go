package httpx

import (
	"io"
	"net/http"
)

// healthHandler answers liveness/readiness probes. It reports process health
// only; dependency checks live behind the stats endpoint.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}
