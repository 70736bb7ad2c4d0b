package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeAuth struct {
	mu          sync.Mutex
	creds       map[[3]string]bool
	devices     map[[2]string]DeviceIdentity
	deviceCalls int
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{
		creds:   map[[3]string]bool{},
		devices: map[[2]string]DeviceIdentity{},
	}
}

func (f *fakeAuth) allow(username, password, appSlug string) {
	f.creds[[3]string{username, password, appSlug}] = true
}

func (f *fakeAuth) allowDevice(deviceID, appKey string, ident DeviceIdentity) {
	f.devices[[2]string{deviceID, appKey}] = ident
}

func (f *fakeAuth) Authenticate(_ context.Context, username, password, appSlug string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds[[3]string{username, password, appSlug}], nil
}

func (f *fakeAuth) DeviceAuthenticate(_ context.Context, deviceID, appKey string) (DeviceIdentity, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deviceCalls++
	ident, ok := f.devices[[2]string{deviceID, appKey}]
	return ident, ok, nil
}

type tunnelEnv struct {
	relay  *Relay
	cache  *Cache
	auth   *fakeAuth
	server *httptest.Server
}

func newTunnelEnv(t *testing.T) *tunnelEnv {
	t.Helper()
	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	relay := NewRelay(RelayConfig{
		PollTimeout:    100 * time.Millisecond,
		ContentTimeout: 100 * time.Millisecond,
		IdleWindow:     time.Minute,
		BacklogCap:     10,
	})
	auth := newFakeAuth()
	srv := httptest.NewServer(NewServer(relay, cache, auth))
	t.Cleanup(srv.Close)
	return &tunnelEnv{relay: relay, cache: cache, auth: auth, server: srv}
}

func pollRequest(t *testing.T, env *tunnelEnv, username, password, appSlug string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/poll", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if username != "" {
		req.Header.Set("X-Bounce-Username", username)
	}
	if password != "" {
		req.Header.Set("X-Bounce-Password", password)
	}
	if appSlug != "" {
		req.Header.Set("X-Bounce-App-Slug", appSlug)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestPollRequiresHeaders(t *testing.T) {
	env := newTunnelEnv(t)
	resp := pollRequest(t, env, "dev", "", "myapp")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing headers, got %d", resp.StatusCode)
	}
}

func TestPollRejectsBadCredentials(t *testing.T) {
	env := newTunnelEnv(t)
	resp := pollRequest(t, env, "dev", "wrong", "myapp")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestPollDrainsQueuedRequests(t *testing.T) {
	env := newTunnelEnv(t)
	env.auth.allow("dev", "hunter2", "myapp")
	key := Key{Username: "dev", AppSlug: "myapp"}
	env.relay.EnqueueRequest(key, FileRequest{Path: "app.js", UUID: "u1"})

	resp := pollRequest(t, env, "dev", "hunter2", "myapp")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Files []FileRequest `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Files) != 1 || body.Files[0].Path != "app.js" {
		t.Fatalf("expected queued request, got %v", body.Files)
	}
}

func TestPollTimesOutEmptyWhenIdle(t *testing.T) {
	env := newTunnelEnv(t)
	env.auth.allow("dev", "hunter2", "myapp")

	resp := pollRequest(t, env, "dev", "hunter2", "myapp")
	defer resp.Body.Close()
	var body struct {
		Files []FileRequest `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Files) != 0 {
		t.Fatalf("expected empty files on timeout, got %v", body.Files)
	}
}

func TestViewRejectsEscapingPathsBeforeAnyWork(t *testing.T) {
	env := newTunnelEnv(t)

	// Encoded traversal so the path survives URL cleaning.
	resp, err := http.Get(env.server.URL + "/view/dev/myapp/..%2F..%2Fsecret")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for traversal, got %d", resp.StatusCode)
	}
	// Nothing may have been enqueued for the build server.
	if files := env.relay.DrainRequests(Key{Username: "dev", AppSlug: "myapp"}); len(files) != 0 {
		t.Fatalf("traversal request must not reach the queue, got %v", files)
	}
}

func TestViewServesFromCache(t *testing.T) {
	env := newTunnelEnv(t)
	key := Key{Username: "dev", AppSlug: "myapp"}
	if err := env.cache.Write(key, "app.js", []byte("cached")); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	resp, err := http.Get(env.server.URL + "/view/dev/myapp/app.js")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	content, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(content) != "cached" {
		t.Fatalf("expected cached content, got %d %q", resp.StatusCode, content)
	}
}

func TestViewRoundTripsToProducerAndCaches(t *testing.T) {
	env := newTunnelEnv(t)
	key := Key{Username: "dev", AppSlug: "myapp"}

	// Simulate the build server: answer the first queued request.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if files := env.relay.DrainRequests(key); len(files) == 1 {
				resp, err := http.Post(
					env.server.URL+"/post/"+files[0].UUID,
					"application/octet-stream",
					bytes.NewReader([]byte("fresh content")),
				)
				if err == nil {
					resp.Body.Close()
				}
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	resp, err := http.Get(env.server.URL + "/view/dev/myapp/js/app.js")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	content, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(content) != "fresh content" {
		t.Fatalf("expected produced content, got %d %q", resp.StatusCode, content)
	}

	cached, ok, err := env.cache.Read(key, "js/app.js")
	if err != nil || !ok || string(cached) != "fresh content" {
		t.Fatalf("expected content cached, got ok=%v err=%v %q", ok, err, cached)
	}
}

func TestViewTimeoutReturns404AndLeavesNoPartialCache(t *testing.T) {
	env := newTunnelEnv(t)

	resp, err := http.Get(env.server.URL + "/view/dev/myapp/app.js")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after bounded wait, got %d", resp.StatusCode)
	}

	if _, ok, _ := env.cache.Read(Key{Username: "dev", AppSlug: "myapp"}, "app.js"); ok {
		t.Fatalf("no partial cache file may be left behind")
	}
}

func TestViewNotFoundSentinelMapsTo404Uncached(t *testing.T) {
	env := newTunnelEnv(t)
	key := Key{Username: "dev", AppSlug: "myapp"}

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if files := env.relay.DrainRequests(key); len(files) == 1 {
				env.relay.Deliver(files[0].UUID, []byte(NotFoundSentinel))
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	resp, err := http.Get(env.server.URL + "/view/dev/myapp/missing.js")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for sentinel, got %d", resp.StatusCode)
	}
	if _, ok, _ := env.cache.Read(key, "missing.js"); ok {
		t.Fatalf("sentinel must not be cached")
	}
}

func TestEventInvalidatesCacheAndWakesPollers(t *testing.T) {
	env := newTunnelEnv(t)
	env.auth.allow("dev", "hunter2", "myapp")
	env.auth.allowDevice("udid-1", "key-1", DeviceIdentity{Username: "dev", AppSlug: "myapp"})
	key := Key{Username: "dev", AppSlug: "myapp"}
	if err := env.cache.Write(key, "app.js", []byte("stale")); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	type pollResult struct {
		status   int
		messages []Event
	}
	done := make(chan pollResult, 1)
	go func() {
		resp, err := http.Get(env.server.URL + "/phonepoll/udid-1/key-1")
		if err != nil {
			done <- pollResult{}
			return
		}
		defer resp.Body.Close()
		var body struct {
			Messages []Event `json:"messages"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		done <- pollResult{status: resp.StatusCode, messages: body.Messages}
	}()
	time.Sleep(20 * time.Millisecond)

	event := map[string]any{
		"password": "hunter2",
		"message":  map[string]any{"changed_file": "app.js"},
	}
	raw, _ := json.Marshal(event)
	resp, err := http.Post(env.server.URL+"/event/dev/myapp", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post event: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for event, got %d", resp.StatusCode)
	}

	if _, ok, _ := env.cache.Read(key, "app.js"); ok {
		t.Fatalf("changed file must be invalidated")
	}

	select {
	case got := <-done:
		if got.status != http.StatusOK || len(got.messages) != 1 {
			t.Fatalf("expected one woken message, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("phonepoll was not woken")
	}
}

func TestEventRejectsBadCredentials(t *testing.T) {
	env := newTunnelEnv(t)
	raw, _ := json.Marshal(map[string]any{"password": "wrong"})
	resp, err := http.Post(env.server.URL+"/event/dev/myapp", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post event: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestPhonePollCursorCatchUp(t *testing.T) {
	env := newTunnelEnv(t)
	env.auth.allowDevice("udid-1", "key-1", DeviceIdentity{Username: "dev", AppSlug: "myapp"})
	key := Key{Username: "dev", AppSlug: "myapp"}

	e2 := env.relay.Publish(key, json.RawMessage(`{"n":2}`))
	e3 := env.relay.Publish(key, json.RawMessage(`{"n":3}`))
	e4 := env.relay.Publish(key, json.RawMessage(`{"n":4}`))

	start := time.Now()
	resp, err := http.Get(env.server.URL + "/phonepoll/udid-1/key-1?cursor=" + e2.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("catch-up must not park")
	}
	var body struct {
		Messages []Event `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != 2 || body.Messages[0].ID != e3.ID || body.Messages[1].ID != e4.ID {
		t.Fatalf("expected [e3, e4], got %v", body.Messages)
	}
}

func TestPhonePollCachesDeviceResolution(t *testing.T) {
	env := newTunnelEnv(t)
	env.auth.allowDevice("udid-1", "key-1", DeviceIdentity{Username: "dev", AppSlug: "myapp"})

	for i := 0; i < 3; i++ {
		resp, err := http.Get(env.server.URL + "/phonepoll/udid-1/key-1")
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		resp.Body.Close()
	}

	env.auth.mu.Lock()
	calls := env.auth.deviceCalls
	env.auth.mu.Unlock()
	if calls != 1 {
		t.Fatalf("device auth must be cached on the poll hot path, got %d calls", calls)
	}
}

func TestPhonePollRejectsUnknownDevice(t *testing.T) {
	env := newTunnelEnv(t)
	resp, err := http.Get(env.server.URL + "/phonepoll/udid-1/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCacheSandboxAndInvalidateFallback(t *testing.T) {
	root := t.TempDir()
	cache, err := NewCache(root)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	key := Key{Username: "dev", AppSlug: "myapp"}

	if err := cache.Write(key, "a/b.js", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := cache.Read(key, "../../etc/passwd"); err == nil {
		t.Fatalf("expected sandbox violation")
	}

	// Invalidating an unresolvable path falls back to wiping the pair.
	cache.Invalidate(key, strings.Repeat("../", 8)+"x")
	if _, ok, _ := cache.Read(key, "a/b.js"); ok {
		t.Fatalf("expected pair cache wiped on fallback")
	}
	if _, err := os.Stat(filepath.Join(root)); err != nil {
		t.Fatalf("cache root must survive: %v", err)
	}
}
