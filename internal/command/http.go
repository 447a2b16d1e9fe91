package command

import (
	"encoding/json"
	"net/http"
)

// ReceiveHandler decodes a RemoteCommand, processes it and answers with the
// same command carrying its execution status.
func ReceiveHandler(p *Processor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cmd RemoteCommand
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&cmd); err != nil {
			http.Error(w, "invalid command", http.StatusBadRequest)
			return
		}
		p.Process(r.Context(), &cmd)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&cmd)
	})
}

// ProbeHandler answers GET /v1/controls/{keyword} with ping or info.
func ProbeHandler(info InfoFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mode := r.PathValue("keyword")
		if mode != ProbePing && mode != ProbeInfo {
			http.Error(w, "unknown keyword", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info(mode))
	})
}
