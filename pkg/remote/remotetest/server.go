// Package remotetest provides an in-memory remote authority speaking the
// uniform response envelope, for exercising the HTTP client and the sync
// engine against realistic server behavior without a network.
package remotetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/mesh-intelligence/rolodex/pkg/types"
)

// storedRecord pairs a record with its position in the global change feed.
type storedRecord struct {
	rec *types.Record
	seq int64
}

// Server is a fake remote authority. Records live in memory per entity;
// cursors are positions in a single global change sequence, so a List with
// since=<cursor> returns exactly the changes a client has not seen yet.
type Server struct {
	mu      sync.Mutex
	records map[string]map[string]*storedRecord
	seq     int64

	failNext   int
	rejectNext *rejection

	// Calls counts requests by "METHOD /entity" for idempotency assertions.
	Calls map[string]int

	srv *httptest.Server
}

type rejection struct {
	status  int
	code    string
	message string
}

// New starts a fake authority. Callers must Close it.
func New() *Server {
	s := &Server{
		records: make(map[string]map[string]*storedRecord),
		Calls:   make(map[string]int),
	}
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/{entity}", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/{entity}", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/{entity}/{id}", s.handleUpdate).Methods(http.MethodPut)
	r.HandleFunc("/{entity}/{id}", s.handleDelete).Methods(http.MethodDelete)
	s.srv = httptest.NewServer(r)
	return s
}

// URL returns the base URL clients should dial.
func (s *Server) URL() string { return s.srv.URL }

// Close shuts the server down.
func (s *Server) Close() { s.srv.Close() }

// FailNext makes the next n requests fail with a 500, simulating a flaky
// backend that recovers.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// RejectNext makes the next request fail with a 4xx envelope error.
func (s *Server) RejectNext(status int, code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNext = &rejection{status: status, code: code, message: message}
}

// Seed stores a record directly, as if another device had pushed it.
func (s *Server) Seed(entity string, rec *types.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(entity, rec.Clone())
}

// Record returns the stored record, or nil.
func (s *Server) Record(entity, id string) *types.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.records[entity][id]; ok {
		return sr.rec.Clone()
	}
	return nil
}

// Len reports how many records (tombstones included) an entity holds.
func (s *Server) Len(entity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[entity])
}

// put stores rec and assigns it the next change sequence. Caller holds mu.
func (s *Server) put(entity string, rec *types.Record) {
	if s.records[entity] == nil {
		s.records[entity] = make(map[string]*storedRecord)
	}
	s.seq++
	s.records[entity][rec.ID] = &storedRecord{rec: rec, seq: s.seq}
}

// intercept handles injected failures. Returns true when the request was
// consumed.
func (s *Server) intercept(w http.ResponseWriter) bool {
	if s.failNext > 0 {
		s.failNext--
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return true
	}
	if rej := s.rejectNext; rej != nil {
		s.rejectNext = nil
		writeEnvelope(w, rej.status, responseEnvelope{
			Success: false,
			Error:   &envelopeError{Code: rej.code, Message: rej.message},
		})
		return true
	}
	return false
}

// handleHealth never consumes injected failures, so tests can aim FailNext
// and RejectNext at the data requests that follow a successful ping.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeEnvelope(w, http.StatusOK, responseEnvelope{Success: true})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entity := mux.Vars(r)["entity"]
	s.Calls["GET /"+entity]++
	if s.intercept(w) {
		return
	}
	if !types.IsKnownTable(entity) {
		writeEnvelope(w, http.StatusNotFound, responseEnvelope{
			Success: false,
			Error:   &envelopeError{Code: "unknown_entity", Message: "unknown entity " + entity},
		})
		return
	}

	since := int64(0)
	if c := r.URL.Query().Get("since"); c != "" {
		since, _ = strconv.ParseInt(c, 10, 64)
	}

	var changed []*storedRecord
	for _, sr := range s.records[entity] {
		if sr.seq > since {
			changed = append(changed, sr)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].seq < changed[j].seq })

	items := make([]*types.Record, 0, len(changed))
	next := since
	for _, sr := range changed {
		items = append(items, sr.rec)
		next = sr.seq
	}
	data, _ := json.Marshal(map[string]any{
		"items":      items,
		"nextCursor": strconv.FormatInt(next, 10),
	})
	writeEnvelope(w, http.StatusOK, responseEnvelope{Success: true, Data: data})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.upsert(w, r, http.MethodPost)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	s.upsert(w, r, http.MethodPut)
}

// upsert stores a pushed record. Pushing an id+version the server already
// holds is acknowledged without recording a new change, which is what makes
// client pushes idempotent.
func (s *Server) upsert(w http.ResponseWriter, r *http.Request, method string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entity := mux.Vars(r)["entity"]
	s.Calls[method+" /"+entity]++
	if s.intercept(w) {
		return
	}
	if !types.IsKnownTable(entity) {
		writeEnvelope(w, http.StatusNotFound, responseEnvelope{
			Success: false,
			Error:   &envelopeError{Code: "unknown_entity", Message: "unknown entity " + entity},
		})
		return
	}

	var rec types.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil || rec.ID == "" {
		writeEnvelope(w, http.StatusBadRequest, responseEnvelope{
			Success: false,
			Error:   &envelopeError{Code: "bad_record", Message: "malformed record body"},
		})
		return
	}

	if existing, ok := s.records[entity][rec.ID]; ok && existing.rec.Version == rec.Version {
		ack, _ := json.Marshal(map[string]int64{"version": rec.Version})
		writeEnvelope(w, http.StatusOK, responseEnvelope{Success: true, Data: ack})
		return
	}

	stored := rec.Clone()
	stored.Dirty = false
	s.put(entity, stored)
	ack, _ := json.Marshal(map[string]int64{"version": stored.Version})
	writeEnvelope(w, http.StatusOK, responseEnvelope{Success: true, Data: ack})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vars := mux.Vars(r)
	entity, id := vars["entity"], vars["id"]
	s.Calls["DELETE /"+entity]++
	if s.intercept(w) {
		return
	}

	sr, ok := s.records[entity][id]
	if !ok {
		// Deleting the already-deleted is fine; the client is confirming.
		writeEnvelope(w, http.StatusOK, responseEnvelope{Success: true})
		return
	}
	if sr.rec.DeletedAt == nil {
		now := time.Now().UTC()
		tomb := sr.rec.Clone()
		tomb.DeletedAt = &now
		tomb.Version++
		s.put(entity, tomb)
	}
	writeEnvelope(w, http.StatusOK, responseEnvelope{Success: true})
}

type responseEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *envelopeError  `json:"error,omitempty"`
}

type envelopeError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func writeEnvelope(w http.ResponseWriter, status int, env responseEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}
