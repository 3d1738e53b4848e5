package issues

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ziadkadry99/fixflow/internal/apperr"
	"github.com/ziadkadry99/fixflow/internal/audit"
	"github.com/ziadkadry99/fixflow/internal/graph"
	"github.com/ziadkadry99/fixflow/internal/session"
)

// ActorHeader names the editor responsible for a write in the audit trail.
const ActorHeader = "X-Actor"

const defaultActor = "admin"

// RegisterRoutes mounts the admin API under /admin. auditStore may be nil.
func RegisterRoutes(r chi.Router, svc *Service, auditStore *audit.Store) {
	r.Route("/admin", func(r chi.Router) {
		r.Route("/issues", func(r chi.Router) {
			r.Get("/", handleListIssues(svc))
			r.Post("/", handleCreateIssue(svc))
			r.Get("/export", handleExportAll(svc))
			r.Post("/import", handleImport(svc))
			r.Route("/{category}", func(r chi.Router) {
				r.Get("/", handleGetIssue(svc))
				r.Put("/", handleUpdateIssue(svc))
				r.Delete("/", handleDeleteIssue(svc))
				r.Patch("/toggle", handleToggle(svc))
				r.Get("/graph", handleGraph(svc))
				r.Get("/graph.mmd", handleDiagram(svc))
				r.Get("/incomplete", handleIncomplete(svc))
				r.Get("/export", handleExport(svc))
				r.Get("/events", handleEvents(svc))
			})
		})

		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", handleListNodes(svc))
			r.Post("/", handleCreateNode(svc))
			r.Get("/{id}", handleGetNode(svc))
			r.Put("/{id}", handleUpdateNode(svc))
			r.Delete("/{id}", handleDeleteNode(svc))
		})

		r.Route("/connections", func(r chi.Router) {
			r.Get("/", handleListConnections(svc))
			r.Post("/", handleCreateConnection(svc))
			r.Put("/{id}", handleUpdateConnection(svc))
			r.Delete("/{id}", handleDeleteConnection(svc))
		})

		r.Get("/sessions", handleListSessions(svc))
		r.Get("/sessions/stats", handleSessionStats(svc))
		r.Get("/cache/stats", handleCacheStats(svc))
		r.Post("/cache/clear", handleClearCache(svc))

		if auditStore != nil {
			audit.RegisterRoutes(r, auditStore)
		}
	})
}

func handleListIssues(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cats, err := svc.ListIssues(r.Context())
		if err != nil {
			apperr.Write(w, err)
			return
		}
		if cats == nil {
			cats = []graph.Category{}
		}
		writeJSON(w, http.StatusOK, cats)
	}
}

func handleCreateIssue(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in graph.NewCategory
		if err := decodeJSON(r, &in); err != nil {
			apperr.Write(w, err)
			return
		}
		cat, err := svc.CreateIssue(r.Context(), actor(r), in)
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, cat)
	}
}

func handleGetIssue(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cat, err := svc.GetIssue(r.Context(), chi.URLParam(r, "category"))
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cat)
	}
}

func handleUpdateIssue(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p graph.CategoryPatch
		if err := decodeJSON(r, &p); err != nil {
			apperr.Write(w, err)
			return
		}
		cat, err := svc.UpdateIssue(r.Context(), actor(r), chi.URLParam(r, "category"), p)
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cat)
	}
}

func handleDeleteIssue(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deleteSessions, err := boolParam(r, "delete_sessions")
		if err != nil {
			apperr.Write(w, err)
			return
		}
		res, err := svc.DeleteIssue(r.Context(), actor(r), chi.URLParam(r, "category"), deleteSessions)
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleToggle(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		force, err := boolParam(r, "force")
		if err != nil {
			apperr.Write(w, err)
			return
		}
		res, err := svc.ToggleIssue(r.Context(), actor(r), chi.URLParam(r, "category"), force)
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleGraph(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := svc.Graph(r.Context(), chi.URLParam(r, "category"))
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func handleDiagram(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chart, err := svc.Diagram(r.Context(), chi.URLParam(r, "category"))
		if err != nil {
			apperr.Write(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/vnd.mermaid; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(chart))
	}
}

func handleIncomplete(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodes, err := svc.Incomplete(r.Context(), chi.URLParam(r, "category"))
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, nodes)
	}
}

func handleEvents(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc.feed == nil {
			apperr.Write(w, apperr.NotFound("change feed is disabled"))
			return
		}
		category := chi.URLParam(r, "category")
		if category == "all" {
			category = ""
		}
		svc.feed.ServeWS(w, r, category)
	}
}

func handleExport(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exp, err := svc.Export(r.Context(), chi.URLParam(r, "category"))
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exp)
	}
}

func handleExportAll(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exports, err := svc.ExportAll(r.Context())
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exports)
	}
}

func handleImport(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var data []graph.Export
		if err := decodeJSON(r, &data); err != nil {
			apperr.Write(w, err)
			return
		}
		res, err := svc.Import(r.Context(), actor(r), data)
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleListNodes(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		nodes, err := svc.ListNodes(r.Context(), graph.NodeFilter{
			Category: q.Get("category"),
			Kind:     graph.NodeKind(q.Get("node_type")),
		})
		if err != nil {
			apperr.Write(w, err)
			return
		}
		if nodes == nil {
			nodes = []graph.Node{}
		}
		writeJSON(w, http.StatusOK, nodes)
	}
}

func handleCreateNode(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in graph.NewNode
		if err := decodeJSON(r, &in); err != nil {
			apperr.Write(w, err)
			return
		}
		n, err := svc.CreateNode(r.Context(), actor(r), in)
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, n)
	}
}

func handleGetNode(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.GetNode(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

func handleUpdateNode(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p graph.NodePatch
		if err := decodeJSON(r, &p); err != nil {
			apperr.Write(w, err)
			return
		}
		n, err := svc.UpdateNode(r.Context(), actor(r), chi.URLParam(r, "id"), p)
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

func handleDeleteNode(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.DeleteNode(r.Context(), actor(r), chi.URLParam(r, "id"))
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

func handleListConnections(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		conns, err := svc.ListConnections(r.Context(), graph.ConnectionFilter{
			FromNodeID: q.Get("from_node_id"),
			ToNodeID:   q.Get("to_node_id"),
		})
		if err != nil {
			apperr.Write(w, err)
			return
		}
		if conns == nil {
			conns = []graph.Connection{}
		}
		writeJSON(w, http.StatusOK, conns)
	}
}

func handleCreateConnection(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in graph.NewConnection
		if err := decodeJSON(r, &in); err != nil {
			apperr.Write(w, err)
			return
		}
		c, err := svc.CreateConnection(r.Context(), actor(r), in)
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

func handleUpdateConnection(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p graph.ConnectionPatch
		if err := decodeJSON(r, &p); err != nil {
			apperr.Write(w, err)
			return
		}
		c, err := svc.UpdateConnection(r.Context(), actor(r), chi.URLParam(r, "id"), p)
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleDeleteConnection(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := svc.DeleteConnection(r.Context(), actor(r), chi.URLParam(r, "id"))
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleListSessions(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := session.ListFilter{
			Status:   session.Status(q.Get("status")),
			Category: q.Get("category"),
			Search:   q.Get("search"),
		}
		var err error
		if f.Since, err = timeParam(r, "since"); err != nil {
			apperr.Write(w, err)
			return
		}
		if f.Until, err = timeParam(r, "until"); err != nil {
			apperr.Write(w, err)
			return
		}
		if f.Page, err = intParam(r, "page"); err != nil {
			apperr.Write(w, err)
			return
		}
		if f.PageSize, err = intParam(r, "page_size"); err != nil {
			apperr.Write(w, err)
			return
		}

		page, err := svc.ListSessions(r.Context(), f)
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func handleSessionStats(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since, err := timeParam(r, "since")
		if err != nil {
			apperr.Write(w, err)
			return
		}
		until, err := timeParam(r, "until")
		if err != nil {
			apperr.Write(w, err)
			return
		}
		stats, err := svc.SessionStats(r.Context(), since, until)
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleCacheStats(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.CacheStats())
	}
}

func handleClearCache(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.ClearCache(r.Context(), actor(r))
		writeJSON(w, http.StatusOK, map[string]string{"message": "cache cleared"})
	}
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(ActorHeader)); a != "" {
		return a
	}
	return defaultActor
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, apperr.BadRequest("invalid %s: %q", name, v)
	}
	return b, nil
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.BadRequest("invalid %s: %q", name, v)
	}
	return n, nil
}

func timeParam(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, apperr.BadRequest("invalid %s: expected RFC 3339 time", name)
	}
	return &t, nil
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.BadRequest("invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
