package testutils

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ligustah/pakfetch/pkg/vpk"
)

// CDN serves a Fixture over HTTP the way the content and auth services do:
//
//	POST /login
//	GET  /app/{app}/depot/{depot}/latest
//	GET  /depot/{depot}/manifest/{id}
//	GET  /depot/{depot}/chunk/{shard name}
//
// Every GET requires "Authorization: Bearer {Token}".
type CDN struct {
	*httptest.Server
	Fixture *Fixture

	Token    string // default "tok"
	Password string // default "secret"

	// Serve limits the shard indices that can be downloaded. nil serves all.
	Serve map[int]bool

	mu    sync.Mutex
	calls map[int]int
}

// NewCDN starts a CDN for f. The server is closed when the test ends.
func NewCDN(t testing.TB, f *Fixture) *CDN {
	t.Helper()
	c := &CDN{
		Fixture:  f,
		Token:    "tok",
		Password: "secret",
		calls:    make(map[int]int),
	}
	c.Server = httptest.NewServer(http.HandlerFunc(c.handle))
	t.Cleanup(c.Server.Close)
	return c
}

type cdnLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type cdnLoginResult struct {
	Result  string `json:"result"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

func (c *CDN) handle(w http.ResponseWriter, r *http.Request) {
	opts := c.Fixture.Options

	if r.URL.Path == "/login" {
		var req cdnLogin
		if r.Method != http.MethodPost || json.NewDecoder(r.Body).Decode(&req) != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if req.Password != c.Password {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(cdnLoginResult{Result: "invalid_password"})
			return
		}
		json.NewEncoder(w).Encode(cdnLoginResult{Result: "ok", Token: c.Token})
		return
	}

	if r.Header.Get("Authorization") != "Bearer "+c.Token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == fmt.Sprintf("/depot/%d/manifest/%s", opts.DepotID, opts.ManifestID):
		w.Write(c.Fixture.Manifest)
	case r.URL.Path == fmt.Sprintf("/app/%d/depot/%d/latest", opts.AppID, opts.DepotID):
		fmt.Fprintf(w, `{"manifest_id": %q}`, opts.ManifestID)
	case strings.HasPrefix(r.URL.Path, fmt.Sprintf("/depot/%d/chunk/", opts.DepotID)):
		ref, err := vpk.ParseShardName(r.URL.Path)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		c.mu.Lock()
		c.calls[ref.Index]++
		serve := c.Serve == nil || c.Serve[ref.Index] || ref.IsDir()
		c.mu.Unlock()

		data, ok := c.Fixture.ShardData(ref)
		if !ok || !serve {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	default:
		http.NotFound(w, r)
	}
}

// ShardCalls returns the request count per shard index, the directory file
// included.
func (c *CDN) ShardCalls() map[int]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.calls)
}
