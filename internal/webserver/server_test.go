package webserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ichi0g0y/giveaway-o-tron/internal/giveaway"
	"github.com/ichi0g0y/giveaway-o-tron/internal/localdb"
	"github.com/ichi0g0y/giveaway-o-tron/internal/relay"
	"github.com/ichi0g0y/giveaway-o-tron/internal/settings"
	"github.com/ichi0g0y/giveaway-o-tron/internal/twitcheventsub"
	"github.com/ichi0g0y/giveaway-o-tron/internal/types"
)

type fakeStream struct {
	channelID string
	events    chan types.ChatEvent
}

func (s *fakeStream) ChannelID() string              { return s.channelID }
func (s *fakeStream) Events() <-chan types.ChatEvent { return s.events }
func (s *fakeStream) Err() error                     { return nil }

type fakeSource struct {
	mu     sync.Mutex
	stream *fakeStream
	err    error
	refs   []string
}

func (f *fakeSource) Connect(ctx context.Context, channelRef string) (giveaway.ChatStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, channelRef)
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

func (f *fakeSource) Disconnect() {}

type testEnv struct {
	server   *Server
	hub      *relay.Hub
	svc      *giveaway.Service
	settings *settings.SettingsManager
	source   *fakeSource
	stream   *fakeStream
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	localdb.Close()
	db, err := localdb.SetupDB(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("SetupDB failed: %v", err)
	}
	t.Cleanup(func() { localdb.Close() })

	sm := settings.NewSettingsManager(db)
	hub := relay.NewHub()
	stream := &fakeStream{channelID: "42", events: make(chan types.ChatEvent, 16)}
	source := &fakeSource{stream: stream}
	svc := giveaway.NewService(hub, giveaway.WithChatSource(source))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		hub.Close()
	})

	return &testEnv{
		server:   NewServer(Config{}, hub, WithGiveaway(svc, sm)),
		hub:      hub,
		svc:      svc,
		settings: sm,
		source:   source,
		stream:   stream,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) waitForEntrants(t *testing.T, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := e.svc.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if snap.EntrantCount == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d entrants", want)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode body %q: %v", rec.Body.String(), err)
	}
}

func TestHandleState_Idle(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodGet, "/api/giveaway/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status mismatch: got=%d want=%d", rec.Code, http.StatusOK)
	}

	var resp stateResponse
	decodeBody(t, rec, &resp)
	if resp.Session.State != types.StateIdle || resp.Session.EntrantCount != 0 {
		t.Fatalf("unexpected session: %+v", resp.Session)
	}

	if rec := env.do(t, http.MethodPost, "/api/giveaway/state", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST should not be allowed: got=%d", rec.Code)
	}
}

func TestGiveawayFlow_ConnectCollectDraw(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/chat/connect", `{"channel":"somechannel"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("connect failed: got=%d body=%s", rec.Code, rec.Body.String())
	}
	var connected map[string]interface{}
	decodeBody(t, rec, &connected)
	if connected["channel_id"] != "42" {
		t.Fatalf("unexpected channel id: %v", connected["channel_id"])
	}
	if env.source.refs[0] != "somechannel" {
		t.Fatalf("unexpected channel ref: %v", env.source.refs)
	}

	env.stream.events <- types.ChatEvent{SenderID: "1", SenderName: "alice", Text: "hi", IsFollower: types.FollowerYes}
	env.stream.events <- types.ChatEvent{SenderID: "2", SenderName: "bob", Text: "hello", IsFollower: types.FollowerYes}
	env.waitForEntrants(t, 2)

	sub, err := env.hub.Subscribe("42")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	rec = env.do(t, http.MethodPost, "/api/giveaway/draw", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("draw failed: got=%d body=%s", rec.Code, rec.Body.String())
	}

	var outcome giveaway.DrawOutcome
	decodeBody(t, rec, &outcome)
	if len(outcome.Winners) != 1 || outcome.TotalEntrants != 2 || outcome.Delivered != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	select {
	case frame := <-sub.Frames():
		if !bytes.Contains(frame, []byte(`"channelId":"42"`)) {
			t.Fatalf("unexpected frame: %s", frame)
		}
	case <-time.After(time.Second):
		t.Fatalf("winner frame was not delivered")
	}

	rec = env.do(t, http.MethodGet, "/api/giveaway/state", "")
	var resp stateResponse
	decodeBody(t, rec, &resp)
	if resp.Session.State != types.StatePaused {
		t.Fatalf("state after draw mismatch: got=%s want=%s", resp.Session.State, types.StatePaused)
	}
}

func TestTransitions(t *testing.T) {
	env := setupTestServer(t)
	if rec := env.do(t, http.MethodPost, "/api/chat/connect", `{"channel":"somechannel"}`); rec.Code != http.StatusOK {
		t.Fatalf("connect failed: got=%d", rec.Code)
	}

	tests := []struct {
		path    string
		changed bool
		state   types.SessionState
	}{
		{path: "/api/giveaway/pause", changed: true, state: types.StatePaused},
		{path: "/api/giveaway/pause", changed: false, state: types.StatePaused},
		{path: "/api/giveaway/resume", changed: true, state: types.StateCollecting},
		{path: "/api/giveaway/reset", changed: true, state: types.StateCollecting},
		{path: "/api/giveaway/stop", changed: true, state: types.StateIdle},
		{path: "/api/giveaway/start", changed: true, state: types.StateCollecting},
		{path: "/api/giveaway/start", changed: false, state: types.StateCollecting},
	}

	for _, tt := range tests {
		rec := env.do(t, http.MethodPost, tt.path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s failed: got=%d body=%s", tt.path, rec.Code, rec.Body.String())
		}
		var resp transitionResponse
		decodeBody(t, rec, &resp)
		if resp.Changed != tt.changed || resp.Session.State != tt.state {
			t.Fatalf("%s: got changed=%v state=%s want changed=%v state=%s",
				tt.path, resp.Changed, resp.Session.State, tt.changed, tt.state)
		}
	}

	if rec := env.do(t, http.MethodGet, "/api/giveaway/pause", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET should not be allowed: got=%d", rec.Code)
	}
}

func TestDraw_WithoutSession(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/giveaway/draw", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status mismatch: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}

	rec = env.do(t, http.MethodPost, "/api/giveaway/start", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("start without session: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}

	rec = env.do(t, http.MethodPost, "/api/giveaway/draw", `{"number_of_winners":11}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("out of range winners: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}
}

func TestChatConnect_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid channel", err: twitcheventsub.ErrInvalidChannel, want: http.StatusBadRequest},
		{name: "connection failed", err: fmt.Errorf("%w: refused", twitcheventsub.ErrConnectionFailed), want: http.StatusBadGateway},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			env.source.err = tt.err

			rec := env.do(t, http.MethodPost, "/api/chat/connect", `{"channel":"somechannel"}`)
			if rec.Code != tt.want {
				t.Fatalf("status mismatch: got=%d want=%d", rec.Code, tt.want)
			}
		})
	}
}

func TestChatConnect_UsesConfiguredChannel(t *testing.T) {
	env := setupTestServer(t)
	if err := env.settings.SetSetting("TWITCH_CHANNEL", "configured"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}

	if rec := env.do(t, http.MethodPost, "/api/chat/connect", ""); rec.Code != http.StatusOK {
		t.Fatalf("connect failed: got=%d body=%s", rec.Code, rec.Body.String())
	}
	if env.source.refs[0] != "configured" {
		t.Fatalf("unexpected channel ref: %v", env.source.refs)
	}

	if rec := env.do(t, http.MethodPost, "/api/chat/disconnect", ""); rec.Code != http.StatusOK {
		t.Fatalf("disconnect failed: got=%d", rec.Code)
	}
}

func TestTimer(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/giveaway/timer", `{"duration_ms":1000}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("short timer: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}

	rec = env.do(t, http.MethodPost, "/api/giveaway/timer", `{"duration_ms":60000}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("timer without session: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}

	if rec := env.do(t, http.MethodPost, "/api/chat/connect", `{"channel":"somechannel"}`); rec.Code != http.StatusOK {
		t.Fatalf("connect failed: got=%d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/giveaway/timer", `{"duration_ms":60000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("timer failed: got=%d body=%s", rec.Code, rec.Body.String())
	}

	snap, err := env.svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.TimerDeadline == nil {
		t.Fatalf("timer deadline should be set")
	}

	if rec := env.do(t, http.MethodDelete, "/api/giveaway/timer", ""); rec.Code != http.StatusOK {
		t.Fatalf("cancel failed: got=%d", rec.Code)
	}
	snap, _ = env.svc.Snapshot(context.Background())
	if snap.TimerDeadline != nil {
		t.Fatalf("timer deadline should be cleared")
	}
}

func TestSettings_GetAndPut(t *testing.T) {
	env := setupTestServer(t)
	if err := env.settings.SetSetting("TWITCH_ACCESS_TOKEN", "secret-token"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if rec := env.do(t, http.MethodPost, "/api/chat/connect", `{"channel":"somechannel"}`); rec.Code != http.StatusOK {
		t.Fatalf("connect failed: got=%d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/settings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status mismatch: got=%d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret-token") {
		t.Fatalf("secret should be masked: %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodPut, "/api/settings", `{"SUB_LUCK":"4","TWITCH_ACCESS_TOKEN":"********"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status mismatch: got=%d body=%s", rec.Code, rec.Body.String())
	}

	if token, _ := env.settings.GetRealValue("TWITCH_ACCESS_TOKEN"); token != "secret-token" {
		t.Fatalf("masked secret should not overwrite: got=%q", token)
	}

	snap, err := env.svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Config.SubLuck != 4 {
		t.Fatalf("config should apply to live session: got=%d want=%d", snap.Config.SubLuck, 4)
	}

	rec = env.do(t, http.MethodPut, "/api/settings", `{"SUB_LUCK":"50"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid value: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}
	rec = env.do(t, http.MethodPut, "/api/settings", `{"UNKNOWN":"1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown key: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}
}

func TestOverlayQR(t *testing.T) {
	env := setupTestServer(t)

	if rec := env.do(t, http.MethodGet, "/api/overlay/qr", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing channel: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}
	if rec := env.do(t, http.MethodGet, "/api/overlay/qr?channel=42", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unconfigured base: got=%d want=%d", rec.Code, http.StatusNotFound)
	}

	if err := env.settings.SetSetting("OVERLAY_BASE_URL", "https://overlay.example.com/alert"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if rec := env.do(t, http.MethodGet, "/api/overlay/qr?channel=42&size=10", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad size: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}

	rec := env.do(t, http.MethodGet, "/api/overlay/qr?channel=42", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status mismatch: got=%d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type mismatch: got=%q", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Fatalf("body should be a PNG")
	}
}

func TestOverlayURL(t *testing.T) {
	got, err := overlayURL("https://overlay.example.com/alert?theme=dark", "42")
	if err != nil {
		t.Fatalf("overlayURL failed: %v", err)
	}
	want := "https://overlay.example.com/alert?channel=42&theme=dark"
	if got != want {
		t.Fatalf("url mismatch: got=%q want=%q", got, want)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: giveaway.ErrInvalidChannel, want: http.StatusBadRequest},
		{err: fmt.Errorf("wrap: %w", relay.ErrInvalidChannel), want: http.StatusBadRequest},
		{err: giveaway.ErrInvalidTimer, want: http.StatusBadRequest},
		{err: fmt.Errorf("%w: auth", twitcheventsub.ErrConnectionFailed), want: http.StatusBadGateway},
		{err: giveaway.ErrChatDisconnected, want: http.StatusConflict},
		{err: giveaway.ErrServiceStopped, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Fatalf("statusForError(%v): got=%d want=%d", tt.err, got, tt.want)
		}
	}
}

func TestRelayOnlyServer(t *testing.T) {
	hub := relay.NewHub()
	defer hub.Close()
	srv := NewServer(Config{}, hub)

	tests := []struct {
		path string
		want int
	}{
		{path: "/health", want: http.StatusOK},
		{path: "/api/version", want: http.StatusOK},
		{path: "/metrics", want: http.StatusOK},
		{path: "/ws", want: http.StatusBadRequest},
		{path: "/api/giveaway/state", want: http.StatusNotFound},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Fatalf("%s: got=%d want=%d", tt.path, rec.Code, tt.want)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodOptions, "/api/giveaway/draw", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status mismatch: got=%d want=%d", rec.Code, http.StatusOK)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("CORS header missing")
	}
}
