// Package kvtest provides in-memory and HTTP fakes of the KV store.
package kvtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"

	"rtsfleet/internal/kv"
)

// MemStore is a goroutine-safe in-memory kv.Store.
type MemStore struct {
	mu     sync.Mutex
	values map[string]string
	// Writes counts successful PutText calls per "ns/key".
	Writes map[string]int
	// FailGet and FailPut, when set, are returned by the matching calls.
	FailGet error
	FailPut error
	// BeforeGet runs (unlocked) before each GetText.
	BeforeGet func(namespaceID, key string)
}

func NewMemStore() *MemStore {
	return &MemStore{values: map[string]string{}, Writes: map[string]int{}}
}

func id(namespaceID, key string) string { return namespaceID + "/" + key }

func (m *MemStore) GetText(ctx context.Context, namespaceID, key string) (string, error) {
	if m.BeforeGet != nil {
		m.BeforeGet(namespaceID, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailGet != nil {
		return "", m.FailGet
	}
	v, ok := m.values[id(namespaceID, key)]
	if !ok {
		return "", kv.ErrNotFound
	}
	return v, nil
}

func (m *MemStore) PutText(ctx context.Context, namespaceID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut != nil {
		return m.FailPut
	}
	m.values[id(namespaceID, key)] = value
	m.Writes[id(namespaceID, key)]++
	return nil
}

// Set stores a raw value without counting it as a write.
func (m *MemStore) Set(namespaceID, key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[id(namespaceID, key)] = value
}

// Raw returns the stored value and whether it exists.
func (m *MemStore) Raw(namespaceID, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[id(namespaceID, key)]
	return v, ok
}

// WriteCount returns how many times key has been written.
func (m *MemStore) WriteCount(namespaceID, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Writes[id(namespaceID, key)]
}

// Server is an httptest fake of the Workers KV REST API.
type Server struct {
	*httptest.Server
	AccountID string
	Token     string

	mu         sync.Mutex
	namespaces []kv.Namespace
	values     map[string]string
	Requests   []string
}

// NewServer starts a plain HTTP fake. Use NewTLSServer for a self-signed one.
func NewServer(t *testing.T) *Server {
	t.Helper()
	s := newServer()
	s.Server = httptest.NewServer(s.handler())
	t.Cleanup(s.Close)
	return s
}

// NewTLSServer starts a fake behind a certificate no default client trusts.
func NewTLSServer(t *testing.T) *Server {
	t.Helper()
	s := newServer()
	s.Server = httptest.NewTLSServer(s.handler())
	t.Cleanup(s.Close)
	return s
}

func newServer() *Server {
	return &Server{AccountID: "acct-1", Token: "token-1", values: map[string]string{}}
}

// BaseURL is the value to configure as the client base URL.
func (s *Server) BaseURL() string { return s.URL + "/client/v4" }

// AddNamespace registers an existing namespace.
func (s *Server) AddNamespace(id, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespaces = append(s.namespaces, kv.Namespace{ID: id, Title: title})
}

// Namespaces returns the registered namespaces.
func (s *Server) Namespaces() []kv.Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]kv.Namespace(nil), s.namespaces...)
}

// Value returns a stored value.
func (s *Server) Value(namespaceID, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[id(namespaceID, key)]
	return v, ok
}

// SetValue stores a value directly.
func (s *Server) SetValue(namespaceID, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[id(namespaceID, key)] = value
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	prefix := "/client/v4/accounts/{account}/storage/kv"
	mux.HandleFunc("GET "+prefix+"/namespaces", s.listNamespaces)
	mux.HandleFunc("POST "+prefix+"/namespaces", s.createNamespace)
	mux.HandleFunc("GET "+prefix+"/namespaces/{ns}/values/{key}", s.getValue)
	mux.HandleFunc("PUT "+prefix+"/namespaces/{ns}/values/{key}", s.putValue)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.Requests = append(s.Requests, r.Method+" "+r.URL.Path)
		s.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "errors": []any{map[string]any{"code": 10000, "message": "Authentication error"}}})
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) listNamespaces(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	s.mu.Lock()
	all := append([]kv.Namespace(nil), s.namespaces...)
	s.mu.Unlock()
	totalPages := (len(all) + perPage - 1) / perPage
	if totalPages == 0 {
		totalPages = 1
	}
	start := (page - 1) * perPage
	end := start + perPage
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"errors":  []any{},
		"result":  all[start:end],
		"result_info": map[string]any{
			"page": page, "per_page": perPage, "total_pages": totalPages, "total_count": len(all),
		},
	})
}

func (s *Server) createNamespace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "errors": []any{"bad title"}})
		return
	}
	s.mu.Lock()
	ns := kv.Namespace{ID: fmt.Sprintf("ns-%d", len(s.namespaces)+1), Title: body.Title}
	s.namespaces = append(s.namespaces, ns)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "errors": []any{}, "result": ns})
}

func (s *Server) getValue(w http.ResponseWriter, r *http.Request) {
	v, ok := s.Value(r.PathValue("ns"), r.PathValue("key"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "errors": []any{map[string]any{"code": 10009, "message": "get: 'key not found'"}}})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.WriteString(w, v)
}

func (s *Server) putValue(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.SetValue(r.PathValue("ns"), r.PathValue("key"), string(data))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "errors": []any{}})
}

// Keys lists the stored keys of a namespace.
func (s *Server) Keys(namespaceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	prefix := namespaceID + "/"
	for k := range s.values {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k[len(prefix):])
		}
	}
	sort.Strings(out)
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
