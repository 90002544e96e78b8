// Package userapi is the user-facing REST listener described in spec §6.
// It is an external collaborator per §1 ("interfaces only"): a thin chi
// router translating HTTP requests into core.Main calls and rendering
// core.CCError as the documented {api, component, function, position,
// detail} body. No business logic lives here.
package userapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"casualchain/core"
)

// Credentials is the basic-auth pair configured for the user API.
type Credentials struct {
	User     string
	Password string
}

// Server wires the user-facing routes over a single Main facade.
type Server struct {
	main   *core.Main
	logger *logrus.Logger
	creds  Credentials
	router chi.Router
}

// NewServer builds the chi router for every route enumerated in spec §6's
// user API table.
func NewServer(main *core.Main, creds Credentials, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{main: main, logger: logger, creds: creds}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.basicAuth)
	r.Get("/get/byjson", s.getByJson)
	r.Get("/get/byoid/{oid}", s.getByOid)
	r.Get("/get/alltxs", s.getAllTxs)
	r.Get("/get/pooling", s.getPooling)
	r.Get("/get/poolingdelivered", s.getPoolingDelivered)
	r.Get("/get/blocked", s.getBlocked)
	r.Get("/get/lastblock", s.getLastBlock)
	r.Get("/get/totalnumber", s.getTotalNumber)
	r.Get("/get/history/{oid}", s.getHistory)
	r.Post("/post/byjson", s.postByJson)
	s.router = r
	return s
}

// ServeHTTP lets Server be handed directly to http.Server / a test recorder.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.creds.User == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.creds.User || pass != s.creds.Password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tenantOf(r *http.Request) string { return r.URL.Query().Get("tenant") }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as the documented 503 error body, unless it is a
// Validation error (400) or the caller is unauthorized (handled upstream).
func writeError(w http.ResponseWriter, api string, err error) {
	status := http.StatusServiceUnavailable
	if core.KindOf(err) == core.KindValidation {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, core.ToAPIErrorBody(api, err))
}

func (s *Server) getByJson(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key         string `json:"key"`
		Value       any    `json:"value"`
		MatcherType string `json:"matcherType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "getByJson", core.NewErr(core.KindValidation, "UserAPI", "getByJson", "DecodeBody", err.Error(), err))
		return
	}
	txs, err := s.main.GetSearchByJson(r.Context(), core.GetSearchByJsonOpts{
		Tenant: tenantOf(r), Key: body.Key, Value: body.Value, MatcherType: body.MatcherType,
	})
	if err != nil {
		writeError(w, "getByJson", err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) getByOid(w http.ResponseWriter, r *http.Request) {
	oid := chi.URLParam(r, "oid")
	tx, err := s.main.GetSearchByOid(r.Context(), oid, core.GetSearchByOidOpts{Tenant: tenantOf(r)})
	if err != nil {
		writeError(w, "getByOid", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) getAllTxs(w http.ResponseWriter, r *http.Request) {
	txs, err := s.main.GetAll(r.Context(), core.GetAllOpts{Tenant: tenantOf(r), SortDir: 1, ConstrainedSize: parsePositiveInt(r.URL.Query().Get("limit"), 0)})
	if err != nil {
		writeError(w, "getAllTxs", err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) getPooling(w http.ResponseWriter, r *http.Request) {
	txs, err := s.main.GetAllPool(r.Context(), core.GetPoolOpts{Tenant: tenantOf(r), SortDir: 1, ConstrainedSize: parsePositiveInt(r.URL.Query().Get("limit"), 0)})
	if err != nil {
		writeError(w, "getPooling", err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) getPoolingDelivered(w http.ResponseWriter, r *http.Request) {
	txs, err := s.main.GetAllDeliveredPool(r.Context(), core.GetPoolOpts{Tenant: tenantOf(r), SortDir: 1, ConstrainedSize: parsePositiveInt(r.URL.Query().Get("limit"), 0)})
	if err != nil {
		writeError(w, "getPoolingDelivered", err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) getBlocked(w http.ResponseWriter, r *http.Request) {
	blocks, _, err := s.main.GetAllBlock(r.Context(), core.GetBlockOpts{Tenant: tenantOf(r), SortDir: 1, ConstrainedSize: parsePositiveInt(r.URL.Query().Get("limit"), 0)})
	if err != nil {
		writeError(w, "getBlocked", err)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (s *Server) getLastBlock(w http.ResponseWriter, r *http.Request) {
	blk, err := s.main.GetLastBlock(r.Context(), core.GetLastBlockOpts{Tenant: tenantOf(r)})
	if err != nil {
		writeError(w, "getLastBlock", err)
		return
	}
	writeJSON(w, http.StatusOK, blk)
}

func (s *Server) getTotalNumber(w http.ResponseWriter, r *http.Request) {
	txs, err := s.main.GetAll(r.Context(), core.GetAllOpts{Tenant: tenantOf(r)})
	if err != nil {
		writeError(w, "getTotalNumber", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total": len(txs)})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	oid := chi.URLParam(r, "oid")
	chain, err := s.main.GetHistoryByOid(r.Context(), oid, tenantOf(r))
	if err != nil {
		writeError(w, "getHistory", err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (s *Server) postByJson(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type           core.TxType     `json:"type"`
		PrevId         string          `json:"prev_id"`
		Data           json.RawMessage `json:"data"`
		CompatDateTime bool            `json:"compatDateTime"`
		Tenant         string          `json:"tenant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "postByJson", core.NewErr(core.KindValidation, "Main", "postByJson", "CheckKeys", err.Error(), err))
		return
	}
	id, err := s.main.PostByJson(r.Context(), core.PostByJsonOpts{
		Tenant: body.Tenant, Type: body.Type, PrevId: body.PrevId, Data: body.Data, CompatDateTime: body.CompatDateTime,
	})
	if err != nil {
		writeError(w, "postByJson", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// parsePositiveInt parses the optional "limit" query parameter shared by the
// list endpoints, falling back to fallback (0 meaning unconstrained) on any
// empty or invalid input.
func parsePositiveInt(s string, fallback int64) int64 {
	if s == "" {
		return fallback
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
