package session

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ziadkadry99/fixflow/internal/apperr"
)

// RegisterRoutes mounts the public troubleshooting endpoints under /troubleshoot.
func RegisterRoutes(r chi.Router, engine *Engine) {
	r.Route("/troubleshoot", func(r chi.Router) {
		r.Post("/start", handleStart(engine))
		r.Get("/{sessionID}", handleGet(engine))
		r.Post("/{sessionID}/answer", handleAnswer(engine))
		r.Get("/{sessionID}/history", handleHistory(engine))
	})
}

func handleStart(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The body is optional: an empty one starts at the global menu.
		var req StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			apperr.Write(w, apperr.BadRequest("invalid request body: %v", err))
			return
		}
		req.UserAgent = r.UserAgent()
		req.IPAddress = clientIP(r)

		resp, err := engine.Start(r.Context(), req)
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleGet(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := engine.Get(r.Context(), chi.URLParam(r, "sessionID"))
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

func handleAnswer(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AnswerRequest
		if err := decodeJSON(r, &req); err != nil {
			apperr.Write(w, err)
			return
		}
		if err := apperr.ValidateStruct(req); err != nil {
			apperr.Write(w, err)
			return
		}

		state, err := engine.SubmitAnswer(r.Context(), chi.URLParam(r, "sessionID"), req.ConnectionID)
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

func handleHistory(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := engine.History(r.Context(), chi.URLParam(r, "sessionID"))
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h)
	}
}

// clientIP returns the caller's address without its port. RemoteAddr has
// already been rewritten by middleware.RealIP when a proxy header is set.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apperr.BadRequest("invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
