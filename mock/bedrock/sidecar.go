package main

// Sidecar mock.
//
//   GET  /v1.0/healthz                  → 204
//   POST /v1.0/bindings/{binding_name}  → echo of the invocation
//
// The echo lets E2E runs confirm that the gateway forwards binding requests
// byte-for-byte without interpreting them.

import (
	"encoding/json"
	"io"
	"net/http"
)

func newSidecarHandler(f *faker) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1.0/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /v1.0/bindings/{binding}", func(w http.ResponseWriter, r *http.Request) {
		f.stall(r)
		if f.fail() {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"errorCode": "ERR_INVOKE_OUTPUT_BINDING",
				"message":   "mock: simulated binding failure",
			})
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil || !json.Valid(body) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"errorCode": "ERR_MALFORMED_REQUEST",
				"message":   "request body is not valid JSON",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"binding": r.PathValue("binding"),
			"request": json.RawMessage(body),
		})
	})

	return mux
}
