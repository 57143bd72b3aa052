// Package test_utils provides an in-process fake of the xCat REST API
// for package tests. It deliberately avoids importing the client
// packages so in-package tests can use it without an import cycle.
package test_utils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

const (
	// APIPrefix is the base path the fake serves under, matching the
	// usual xCat deployment layout.
	APIPrefix = "/xcatws"

	DefaultUsername = "xcat_user"
	DefaultPassword = "xcat_password"
)

// FakeXCat is a scriptable fake of the xCat management API. All fields
// guarded by mu; read counters through the accessor methods.
type FakeXCat struct {
	mu sync.Mutex

	Username string
	Password string
	// TokenTTL controls the expiry stamped on issued tokens.
	TokenTTL time.Duration

	tokens    map[string]bool
	authCalls int

	// resources maps collection (osimages, profiles, nodes) to name to
	// attributes.
	resources map[string]map[string]map[string]any

	mutations []string
	actions   []string
	getCalls  map[string]int

	// powerScript holds successive readings of a node attribute,
	// returned one per GET. The last reading repeats once exhausted.
	powerScript map[string][]string
	scriptAttr  string

	// failGets makes the next N GETs answer 500.
	failGets int
	// failTokens makes the next N token calls answer 500.
	failTokens int
}

func NewFakeXCat() *FakeXCat {
	return &FakeXCat{
		Username: DefaultUsername,
		Password: DefaultPassword,
		TokenTTL: 1 * time.Hour,
		tokens:   make(map[string]bool),
		resources: map[string]map[string]map[string]any{
			"osimages": {},
			"profiles": {},
			"nodes":    {},
		},
		getCalls:    make(map[string]int),
		powerScript: make(map[string][]string),
		scriptAttr:  "power",
	}
}

// Server starts an httptest server for the fake. The caller owns the
// returned server and must Close it.
func (f *FakeXCat) Server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(f.handle))
}

// Endpoint composes the full API URI for a started server.
func Endpoint(server *httptest.Server) string {
	return server.URL + APIPrefix
}

func (f *FakeXCat) SetResource(collection, name string, attrs map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := make(map[string]any, len(attrs))
	for key, value := range attrs {
		copied[key] = value
	}
	f.resources[collection][name] = copied
}

func (f *FakeXCat) Resource(collection, name string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attrs, ok := f.resources[collection][name]
	return attrs, ok
}

// ScriptStates queues successive readings of attr for a node; each GET
// consumes one reading until only the last remains.
func (f *FakeXCat) ScriptStates(node string, attr string, states ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scriptAttr = attr
	f.powerScript[node] = states
}

// FailNextGets makes the next n GET requests fail with status 500.
func (f *FakeXCat) FailNextGets(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGets = n
}

// FailNextTokens makes the next n token requests fail with status 500.
func (f *FakeXCat) FailNextTokens(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failTokens = n
}

func (f *FakeXCat) AuthCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls
}

func (f *FakeXCat) Mutations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.mutations...)
}

func (f *FakeXCat) Actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

func (f *FakeXCat) GetCalls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls[path]
}

func (f *FakeXCat) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, APIPrefix)
	path = strings.Trim(path, "/")

	if path == "tokens" && r.Method == http.MethodPost {
		f.handleToken(w, r)
		return
	}

	if !f.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication failure"})
		return
	}

	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		f.handleList(w, r, parts[0])
	case len(parts) == 2:
		f.handleResource(w, r, parts[0], parts[1])
	case len(parts) == 3 && parts[0] == "osimages" && parts[2] == "instance":
		f.handleImageAction(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "nodes" && parts[2] == "power":
		f.handleNodePower(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "nodes" && parts[2] == "bootstate":
		f.handleNodeBootstate(w, r, parts[1])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *FakeXCat) handleToken(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	if f.failTokens > 0 {
		f.failTokens--
		f.mu.Unlock()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "temporary failure"})
		return
	}
	f.mu.Unlock()

	var creds struct {
		UserName string `json:"userName"`
		UserPW   string `json:"userPW"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	if creds.UserName != f.Username || creds.UserPW != f.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication failure"})
		return
	}
	id := fmt.Sprintf("token-%d", f.authCalls)
	f.tokens[id] = true
	writeJSON(w, http.StatusCreated, map[string]any{
		"token": map[string]string{
			"id":     id,
			"expire": time.Now().Add(f.TokenTTL).Format(time.RFC3339),
		},
	})
}

func (f *FakeXCat) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[token]
}

func (f *FakeXCat) handleList(w http.ResponseWriter, r *http.Request, collection string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	names := []string{}
	for name := range f.resources[collection] {
		names = append(names, name)
	}
	writeJSON(w, http.StatusOK, names)
}

func (f *FakeXCat) handleResource(w http.ResponseWriter, r *http.Request, collection, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	byName, ok := f.resources[collection]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	attrs, exists := byName[name]

	switch r.Method {
	case http.MethodGet:
		f.getCalls[collection+"/"+name]++
		if f.failGets > 0 {
			f.failGets--
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "temporary failure"})
			return
		}
		if !exists {
			// xCat reports an undefined osimage with 403.
			if collection == "osimages" {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": fmt.Sprintf("image %s not defined", name)})
			} else {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("%s not found", name)})
			}
			return
		}
		if script := f.powerScript[name]; collection == "nodes" && len(script) > 0 {
			attrs[f.scriptAttr] = script[0]
			if len(script) > 1 {
				f.powerScript[name] = script[1:]
			}
		}
		writeJSON(w, http.StatusOK, map[string]map[string]any{name: attrs})
	case http.MethodPost:
		if exists {
			f.mutations = append(f.mutations, "create "+collection+"/"+name)
			writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("%s already defined", name)})
			return
		}
		payload := map[string]any{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
			return
		}
		byName[name] = payload
		f.mutations = append(f.mutations, "create "+collection+"/"+name)
		w.WriteHeader(http.StatusCreated)
	case http.MethodPut:
		if !exists {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("%s not found", name)})
			return
		}
		payload := map[string]any{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
			return
		}
		for key, value := range payload {
			attrs[key] = value
		}
		f.mutations = append(f.mutations, "update "+collection+"/"+name)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if !exists {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("%s not found", name)})
			return
		}
		delete(byName, name)
		f.mutations = append(f.mutations, "delete "+collection+"/"+name)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *FakeXCat) handleImageAction(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Action string              `json:"action"`
		Params []map[string]string `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.resources["osimages"][name]; !exists {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": fmt.Sprintf("image %s not defined", name)})
		return
	}
	f.actions = append(f.actions, body.Action+" osimages/"+name)
	f.mutations = append(f.mutations, "action osimages/"+name+" "+body.Action)
	w.WriteHeader(http.StatusCreated)
}

func (f *FakeXCat) handleNodePower(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	attrs, exists := f.resources["nodes"][name]
	if !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("%s not found", name)})
		return
	}
	f.actions = append(f.actions, body.Action+" nodes/"+name)
	f.mutations = append(f.mutations, "action nodes/"+name+" "+body.Action)
	// Without a script the action takes effect immediately.
	if len(f.powerScript[name]) == 0 {
		switch body.Action {
		case "on", "reset":
			attrs["power"] = "on"
		case "off":
			attrs["power"] = "off"
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (f *FakeXCat) handleNodeBootstate(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	payload := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	attrs, exists := f.resources["nodes"][name]
	if !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("%s not found", name)})
		return
	}
	if osimage, ok := payload["osimage"]; ok {
		attrs["bootstate"] = osimage
	}
	f.actions = append(f.actions, "bootstate nodes/"+name)
	f.mutations = append(f.mutations, "action nodes/"+name+" bootstate")
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := json.Marshal(v)
	w.Write(data)
}
