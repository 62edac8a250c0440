package bull_test

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"bull-bridge/internal/domain"
	"bull-bridge/internal/infra/bull"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// vendorCall is one request seen by the fake vendor.
type vendorCall struct {
	Method        string
	Path          string
	Authorization string
	Header        http.Header
	Body          string
}

func (c vendorCall) key() string { return c.Method + " " + c.Path }

type vendorHandler func(call vendorCall) string

// fakeVendor is an httptest stand-in for the vendor cloud. Handlers are keyed
// by "METHOD /path" and return the raw response body.
type fakeVendor struct {
	t      *testing.T
	server *httptest.Server

	// handlerMu serializes handlers so they can keep plain state.
	handlerMu sync.Mutex

	mu       sync.Mutex
	calls    []vendorCall
	handlers map[string]vendorHandler
	tokens   int
}

func newFakeVendor(t *testing.T) *fakeVendor {
	t.Helper()
	f := &fakeVendor{t: t, handlers: make(map[string]vendorHandler)}

	f.handle("POST /v1/auth/form", func(vendorCall) string { return f.issueTokens() })
	f.handle("POST /mos/uic/v1/auth/form", func(vendorCall) string { return f.issueTokens() })
	f.handle("POST /v1/auth/token", func(vendorCall) string { return f.issueTokens() })

	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeVendor) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	call := vendorCall{
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		Header:        r.Header.Clone(),
		Body:          string(body),
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	h, ok := f.handlers[call.key()]
	f.mu.Unlock()

	if !ok {
		f.t.Errorf("unexpected vendor call %s", call.key())
		http.NotFound(w, r)
		return
	}

	f.handlerMu.Lock()
	resp := h(call)
	f.handlerMu.Unlock()
	if resp == dropConnection {
		hj, ok := w.(http.Hijacker)
		if !ok {
			f.t.Fatal("response writer cannot hijack")
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, resp)
}

// dropConnection makes the fake close the connection without a response.
const dropConnection = "\x00drop"

func (f *fakeVendor) handle(key string, h vendorHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[key] = h
}

// issueTokens hands out access-1, access-2, ... on every grant.
func (f *fakeVendor) issueTokens() string {
	f.mu.Lock()
	f.tokens++
	n := f.tokens
	f.mu.Unlock()
	return ok(fmt.Sprintf(`{"access_token":"access-%d","refresh_token":"refresh-%d","openid":4242}`, n, n))
}

func (f *fakeVendor) Calls() []vendorCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]vendorCall(nil), f.calls...)
}

func (f *fakeVendor) Keys() []string {
	var keys []string
	for _, c := range f.Calls() {
		keys = append(keys, c.key())
	}
	return keys
}

func (f *fakeVendor) Count(key string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.key() == key {
			n++
		}
	}
	return n
}

func (f *fakeVendor) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func ok(result string) string {
	return `{"success":true,"code":200,"message":"ok","result":` + result + `}`
}

func fail(code int, message string) string {
	return fmt.Sprintf(`{"success":false,"code":%d,"message":%q}`, code, message)
}

const invalidTokenBody = `{"success":false,"error":"invalid_token","error_description":"Invalid access token"}`

func newSession(t *testing.T, f *fakeVendor, creds domain.Credentials, opts ...bull.SessionOption) (*bull.SessionManager, *bull.Registry) {
	t.Helper()
	client := bull.NewClientWithURL(f.server.URL, silentLogger())
	registry := bull.NewRegistry(bull.DefaultCatalog(), silentLogger())
	return bull.NewSessionManager(client, registry, creds, silentLogger(), opts...), registry
}

func parseRows(t *testing.T, raw string) []bull.ListingRow {
	t.Helper()
	var rows []bull.ListingRow
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		t.Fatalf("parsing rows: %v", err)
	}
	return rows
}

func bearer(token string) string { return "Bearer " + token }

func hasPrefix(s, prefix string) bool { return strings.HasPrefix(s, prefix) }
