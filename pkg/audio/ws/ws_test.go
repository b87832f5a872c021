package ws_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/aily/pkg/audio"
	"github.com/MrWong99/aily/pkg/audio/ws"
	"github.com/MrWong99/aily/pkg/queue"
	"github.com/MrWong99/aily/pkg/types"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type harness struct {
	dev    *ws.Device
	events *queue.Queue[types.Event]
	clips  *queue.Queue[types.AudioClip]
	srv    *httptest.Server
}

func startDevice(t *testing.T, opts ...ws.Option) *harness {
	t.Helper()
	opts = append(opts, ws.WithLogger(slog.New(slog.DiscardHandler)))
	h := &harness{
		dev:    ws.New(opts...),
		events: queue.New[types.Event](),
		clips:  queue.New[types.AudioClip](),
	}
	h.dev.SetConversationMode(types.ConversationSingle)
	if err := h.dev.Init(context.Background(), audio.Ports{Events: h.events, Clips: h.clips}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := h.dev.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.srv = httptest.NewServer(h.dev)
	t.Cleanup(h.srv.Close)
	return h
}

func dial(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(h.srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.SetReadLimit(1 << 20)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) audio.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var f audio.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return f
}

func TestDevice_AnnouncesModeAndForwardsEvents(t *testing.T) {
	t.Parallel()

	h := startDevice(t)
	conn := dial(t, h)
	defer conn.Close(websocket.StatusNormalClosure, "")

	if f := readFrame(t, conn); f.Type != audio.FrameMode || f.Mode != "single" {
		t.Fatalf("first frame = %+v, want mode=single", f)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, msg := range []string{
		`{"type":"wakeup"}`,
		`{"type":"bogus"}`,
		`{"type":"record-end","audio":"AAEC"}`,
	} {
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	first, err := h.events.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	second, err := h.events.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if first.Kind != types.EventWakeup || second.Kind != types.EventRecordEnd {
		t.Errorf("kinds = %v, %v; want wakeup, record-end (bogus frame dropped)", first.Kind, second.Kind)
	}
	if len(second.Audio) != 3 {
		t.Errorf("audio length = %d, want 3", len(second.Audio))
	}
}

func TestDevice_PlaysQueuedClips(t *testing.T) {
	t.Parallel()

	h := startDevice(t)
	// Queued before the device connects; must survive until it does.
	h.clips.Push(types.AudioClip{Origin: types.OriginWaitWord, Data: []byte("umm"), Loop: true})

	conn := dial(t, h)
	defer conn.Close(websocket.StatusNormalClosure, "")
	_ = readFrame(t, conn) // mode

	h.clips.Push(types.AudioClip{Origin: types.OriginTTSOutput, Data: []byte("answer")})

	f1 := readFrame(t, conn)
	f2 := readFrame(t, conn)
	if f1.Type != audio.FramePlay || f1.Origin != "wait-word" || !f1.Loop || string(f1.Audio) != "umm" {
		t.Errorf("first clip frame = %+v", f1)
	}
	if f2.Origin != "tts-output" || string(f2.Audio) != "answer" || f2.Loop {
		t.Errorf("second clip frame = %+v", f2)
	}
}

func TestDevice_RejectsSecondConnection(t *testing.T) {
	t.Parallel()

	h := startDevice(t)
	conn := dial(t, h)
	defer conn.Close(websocket.StatusNormalClosure, "")
	_ = readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(h.srv), nil)
	if err == nil {
		t.Fatal("expected second dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("second dial response = %v, want 409", resp)
	}
}

func TestDevice_StopOnDisconnect(t *testing.T) {
	t.Parallel()

	var conns atomic.Int64
	h := startDevice(t, ws.WithStopOnDisconnect(true), ws.WithConnectionHook(func(d int64) { conns.Add(d) }))
	conn := dial(t, h)
	_ = readFrame(t, conn)
	if !h.dev.Connected() {
		t.Error("Connected() = false while a device is attached")
	}

	conn.Close(websocket.StatusNormalClosure, "bye")

	joined := make(chan error, 1)
	go func() { joined <- h.dev.Join() }()
	select {
	case err := <-joined:
		if err != nil {
			t.Errorf("Join() = %v, want nil for a clean disconnect", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Join did not return after disconnect")
	}
	if got := conns.Load(); got != 0 {
		t.Errorf("connection hook balance = %d, want 0", got)
	}
}

func TestDevice_OversizedFrameSkipped(t *testing.T) {
	t.Parallel()

	h := startDevice(t, ws.WithStopOnDisconnect(true), ws.WithReadLimit(64))
	conn := dial(t, h)
	defer conn.Close(websocket.StatusNormalClosure, "")
	_ = readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	big := `{"type":"record-end","audio":"` + strings.Repeat("A", 200) + `"}`
	for _, msg := range []string{big, `{"type":"wakeup"}`} {
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	ev, err := h.events.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if ev.Kind != types.EventWakeup {
		t.Errorf("kind = %v, want wakeup after the oversized frame", ev.Kind)
	}
	if !h.dev.Connected() {
		t.Error("Connected() = false; an oversized frame must not drop the device")
	}
}

func TestDevice_JoinReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	dev := ws.New(ws.WithLogger(slog.New(slog.DiscardHandler)))
	err := dev.Init(context.Background(), audio.Ports{
		Events: queue.New[types.Event](),
		Clips:  queue.New[types.AudioClip](),
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := dev.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	done := make(chan error, 1)
	go func() { done <- dev.Join() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Join() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Join did not return after cancel")
	}
}

func TestDevice_LifecycleErrors(t *testing.T) {
	t.Parallel()

	dev := ws.New()
	if err := dev.Start(context.Background()); err != audio.ErrNotInitialized {
		t.Errorf("Start before Init = %v, want ErrNotInitialized", err)
	}
	if err := dev.Init(context.Background(), audio.Ports{}); err == nil {
		t.Error("expected Init to reject empty ports")
	}

	rec := httptest.NewRecorder()
	dev.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/device", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status before Start = %d, want 503", rec.Code)
	}
}
