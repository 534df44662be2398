// Package fakeserver is an in-memory sync server that speaks the same
// protocol as the real one. Tests point clients at it through httptest.
package fakeserver

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"kappari.app/client/internal/crypto"
	"kappari.app/client/internal/wire"
	"kappari.app/client/models"
)

// RecordedRequest is a request as the server received it.
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
	Parts  []wire.Part
}

type Server struct {
	Router chi.Router

	mu          sync.Mutex
	accounts    map[string]string
	token       string
	publicKey   []byte
	loginStatus int
	rejected    map[string]bool
	records     map[string]map[string]json.RawMessage
	requests    []RecordedRequest
}

func New() *Server {
	s := &Server{
		accounts: make(map[string]string),
		token:    uuid.NewString(),
		rejected: make(map[string]bool),
		records:  make(map[string]map[string]json.RawMessage),
	}

	r := chi.NewRouter()
	r.Use(s.record)
	r.Post("/account/login/", s.login)
	r.Route("/sync", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/{collection}/", s.list)
		r.Post("/{collection}/", s.pushBulk)
		r.Get("/{collection}/{uid}/", s.get)
		r.Post("/{collection}/{uid}/", s.pushOne)
	})
	s.Router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) AddAccount(email, password string) {
	s.mu.Lock()
	s.accounts[strings.ToLower(email)] = password
	s.mu.Unlock()
}

// SetToken fixes the token handed out on login.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *Server) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SetPublicKey makes login verify the license signature.
func (s *Server) SetPublicKey(pem []byte) {
	s.mu.Lock()
	s.publicKey = pem
	s.mu.Unlock()
}

// SetLoginStatus forces every login to fail with status. Zero restores
// normal behaviour.
func (s *Server) SetLoginStatus(status int) {
	s.mu.Lock()
	s.loginStatus = status
	s.mu.Unlock()
}

// Reject makes pushes containing uid fail.
func (s *Server) Reject(uid string) {
	s.mu.Lock()
	s.rejected[models.NormalizeUID(uid)] = true
	s.mu.Unlock()
}

// Seed stores a record as if another device had pushed it.
func (s *Server) Seed(collection string, record json.RawMessage) {
	var head recordHead
	_ = json.Unmarshal(record, &head)
	s.mu.Lock()
	s.put(collection, models.NormalizeUID(head.UID), record)
	s.mu.Unlock()
}

// Record returns the stored object for uid.
func (s *Server) Record(collection, uid string) (map[string]interface{}, bool) {
	s.mu.Lock()
	raw, ok := s.records[collection][models.NormalizeUID(uid)]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func (s *Server) Count(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[collection])
}

func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// RequestsTo filters recorded requests by path prefix.
func (s *Server) RequestsTo(prefix string) []RecordedRequest {
	var out []RecordedRequest
	for _, r := range s.Requests() {
		if strings.HasPrefix(r.Path, prefix) {
			out = append(out, r)
		}
	}
	return out
}

type recordHead struct {
	UID  string `json:"uid"`
	Hash string `json:"hash"`
}

func (s *Server) put(collection, uid string, record json.RawMessage) {
	if s.records[collection] == nil {
		s.records[collection] = make(map[string]json.RawMessage)
	}
	s.records[collection][uid] = append(json.RawMessage(nil), record...)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		rec := RecordedRequest{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body}
		if boundary, err := wire.BoundaryFromContentType(r.Header.Get("Content-Type")); err == nil {
			rec.Parts, _ = wire.DecodeMultipart(body, boundary)
		}
		s.mu.Lock()
		s.requests = append(s.requests, rec)
		s.mu.Unlock()

		r.Body = io.NopCloser(strings.NewReader(string(body)))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+token {
			writeErrorResponse(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

var loginFields = []string{"email", "password", "data", "signature"}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	forced, accounts, pub, token := s.loginStatus, s.accounts, s.publicKey, s.token
	s.mu.Unlock()

	if forced != 0 {
		writeErrorResponse(w, forced, "Login unavailable")
		return
	}

	parts, ok := s.parts(w, r)
	if !ok {
		return
	}
	if len(parts) != len(loginFields) {
		writeErrorResponse(w, http.StatusBadRequest, "Unexpected form fields")
		return
	}
	for i, name := range loginFields {
		if parts[i].Name != name || parts[i].ContentType != wire.TextContentType {
			writeErrorResponse(w, http.StatusBadRequest, "Unexpected form field "+parts[i].Name)
			return
		}
	}

	email, password := string(parts[0].Body), string(parts[1].Body)
	s.mu.Lock()
	want, known := accounts[strings.ToLower(email)]
	s.mu.Unlock()
	if !known || want != password {
		writeErrorResponse(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	if len(pub) > 0 {
		sig, err := base64.StdEncoding.DecodeString(string(parts[3].Body))
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid signature encoding")
			return
		}
		valid, err := crypto.VerifySignature(pub, parts[2].Body, sig)
		if err != nil || !valid {
			writeErrorResponse(w, http.StatusForbidden, "Invalid license")
			return
		}
	}

	writeResult(w, map[string]string{"token": token})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	c, ok := models.FindCollection(chi.URLParam(r, "collection"))
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "Unknown collection")
		return
	}

	s.mu.Lock()
	uids := make([]string, 0, len(s.records[c.Name]))
	for uid := range s.records[c.Name] {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	out := make([]json.RawMessage, 0, len(uids))
	for _, uid := range uids {
		raw := s.records[c.Name][uid]
		if c.Singleton {
			var head recordHead
			_ = json.Unmarshal(raw, &head)
			raw, _ = json.Marshal(head)
		}
		out = append(out, raw)
	}
	s.mu.Unlock()

	writeResult(w, out)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	uid := models.NormalizeUID(chi.URLParam(r, "uid"))

	s.mu.Lock()
	raw, ok := s.records[collection][uid]
	s.mu.Unlock()
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "Record not found")
		return
	}
	writeResult(w, raw)
}

func (s *Server) pushBulk(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if c, ok := models.FindCollection(collection); !ok || c.Singleton {
		writeErrorResponse(w, http.StatusNotFound, "Unknown bulk collection")
		return
	}

	payload, ok := s.payload(w, r)
	if !ok {
		return
	}
	var records []json.RawMessage
	if err := json.Unmarshal(payload, &records); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Data is not a JSON array")
		return
	}

	heads := make([]recordHead, len(records))
	for i, raw := range records {
		if err := json.Unmarshal(raw, &heads[i]); err != nil || heads[i].UID == "" {
			writeErrorResponse(w, http.StatusBadRequest, "Record without uid")
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range heads {
		if s.rejected[models.NormalizeUID(h.UID)] {
			writeErrorResponse(w, http.StatusBadRequest, "Rejected record "+h.UID)
			return
		}
	}
	for i, h := range heads {
		s.put(collection, models.NormalizeUID(h.UID), records[i])
	}
	writeResult(w, true)
}

func (s *Server) pushOne(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	uid := models.NormalizeUID(chi.URLParam(r, "uid"))

	payload, ok := s.payload(w, r)
	if !ok {
		return
	}
	var head recordHead
	if err := json.Unmarshal(payload, &head); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Data is not a JSON object")
		return
	}
	if models.NormalizeUID(head.UID) != uid {
		writeErrorResponse(w, http.StatusBadRequest, "Record uid does not match path")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejected[uid] {
		writeErrorResponse(w, http.StatusBadRequest, "Rejected record "+uid)
		return
	}
	s.put(collection, uid, payload)
	writeResult(w, true)
}

func (s *Server) parts(w http.ResponseWriter, r *http.Request) ([]wire.Part, bool) {
	boundary, err := wire.BoundaryFromContentType(r.Header.Get("Content-Type"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Expected multipart form")
		return nil, false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Unreadable body")
		return nil, false
	}
	parts, err := wire.DecodeMultipart(body, boundary)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Malformed multipart body")
		return nil, false
	}
	return parts, true
}

// payload extracts and inflates the gzip data part of a sync push.
func (s *Server) payload(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	parts, ok := s.parts(w, r)
	if !ok {
		return nil, false
	}
	if len(parts) != 1 || parts[0].Name != wire.DataFieldName || parts[0].Filename != wire.DataFilename {
		writeErrorResponse(w, http.StatusBadRequest, "Expected a single data file")
		return nil, false
	}
	data, err := wire.GzipDecompress(parts[0].Body)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Data is not gzip")
		return nil, false
	}
	return data, true
}

func writeResult(w http.ResponseWriter, v interface{}) {
	body, err := wire.EncodeResult(v)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	body, _ := wire.EncodeError(status, message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
