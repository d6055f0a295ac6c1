package gateway

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/aide/internal/config"
	"github.com/haasonsaas/aide/internal/emitter"
	"github.com/haasonsaas/aide/internal/observability"
	"github.com/haasonsaas/aide/pkg/models"
)

type resultCall struct {
	sessionID string
	taskID    string
	out       *models.TaskOutput
}

type approvalCall struct {
	sessionID string
	taskID    string
	approved  bool
}

type fakeRouter struct {
	results   chan resultCall
	batches   chan []models.TaskResultEntry
	approvals chan approvalCall
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		results:   make(chan resultCall, 16),
		batches:   make(chan []models.TaskResultEntry, 16),
		approvals: make(chan approvalCall, 16),
	}
}

func (f *fakeRouter) HandleTaskResult(ctx context.Context, sessionID, taskID string, out *models.TaskOutput) error {
	f.results <- resultCall{sessionID: sessionID, taskID: taskID, out: out}
	return nil
}

func (f *fakeRouter) HandleBatchResults(ctx context.Context, sessionID string, entries []models.TaskResultEntry) error {
	f.batches <- entries
	return nil
}

func (f *fakeRouter) ResolveApproval(ctx context.Context, sessionID, taskID string, approved bool) error {
	f.approvals <- approvalCall{sessionID: sessionID, taskID: taskID, approved: approved}
	return nil
}

func newTestGateway(t *testing.T) (*Server, *fakeRouter) {
	t.Helper()
	router := newFakeRouter()
	cfg := config.GatewayConfig{
		Addr:            "127.0.0.1:0",
		MaxMessageBytes: 1 << 20,
		PingInterval:    config.Duration(50 * time.Millisecond),
		PongTimeout:     config.Duration(2 * time.Second),
		WriteTimeout:    config.Duration(time.Second),
	}
	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	s := NewServer(cfg, router, logger, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, router
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	url := "ws://" + s.Addr() + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame *models.Frame) {
	t.Helper()
	data, err := frame.Encode()
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func waitChannel(t *testing.T, s *Server, sessionID string) emitter.ClientChannel {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ch, ok := s.Channel(sessionID); ok {
			return ch
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no channel registered for session %q", sessionID)
	return nil
}

func register(t *testing.T, s *Server, conn *websocket.Conn, sessionID string) emitter.ClientChannel {
	t.Helper()
	sendFrame(t, conn, &models.Frame{Type: models.FrameRegister, SessionID: sessionID})
	return waitChannel(t, s, sessionID)
}

func readFrame(t *testing.T, conn *websocket.Conn) *models.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	frame, err := models.DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func TestRegisterMapsSessionToConnection(t *testing.T) {
	s, _ := newTestGateway(t)
	conn := dial(t, s)

	register(t, s, conn, "sess-1")

	if _, ok := s.Channel("sess-1"); !ok {
		t.Fatal("expected a channel for sess-1")
	}
	if _, ok := s.Channel("ghost"); ok {
		t.Fatal("unexpected channel for unregistered session")
	}
}

func TestInboundFramesRouted(t *testing.T) {
	s, router := newTestGateway(t)
	conn := dial(t, s)
	register(t, s, conn, "sess-1")

	sendFrame(t, conn, &models.Frame{
		Type:      models.FrameTaskResult,
		SessionID: "sess-1",
		TaskID:    "t1",
		Result:    &models.TaskOutput{Success: true, Data: map[string]any{"path": "/tmp/note.txt"}},
	})
	select {
	case call := <-router.results:
		if call.sessionID != "sess-1" || call.taskID != "t1" {
			t.Fatalf("routed %s/%s, want sess-1/t1", call.sessionID, call.taskID)
		}
		if call.out == nil || !call.out.Success {
			t.Fatalf("result payload lost: %+v", call.out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task_result never reached the router")
	}

	sendFrame(t, conn, &models.Frame{
		Type:      models.FrameTaskBatchResults,
		SessionID: "sess-1",
		Results: []models.TaskResultEntry{
			{TaskID: "t2", Result: &models.TaskOutput{Success: true}},
			{TaskID: "t3", Result: &models.TaskOutput{Success: false, Error: "no such file"}},
		},
	})
	select {
	case entries := <-router.batches:
		if len(entries) != 2 || entries[0].TaskID != "t2" || entries[1].TaskID != "t3" {
			t.Fatalf("unexpected batch: %+v", entries)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task_batch_results never reached the router")
	}

	approved := true
	sendFrame(t, conn, &models.Frame{
		Type:      models.FrameApprovalResponse,
		SessionID: "sess-1",
		TaskID:    "t4",
		Approved:  &approved,
	})
	select {
	case call := <-router.approvals:
		if call.taskID != "t4" || !call.approved {
			t.Fatalf("unexpected approval call: %+v", call)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("approval_response never reached the router")
	}

	// An app-level ping is acknowledged by nothing and breaks nothing.
	sendFrame(t, conn, &models.Frame{Type: models.FramePing, SessionID: "sess-1"})
	sendFrame(t, conn, &models.Frame{
		Type:      models.FrameTaskResult,
		SessionID: "sess-1",
		TaskID:    "t5",
		Result:    &models.TaskOutput{Success: true},
	})
	select {
	case call := <-router.results:
		if call.taskID != "t5" {
			t.Fatalf("routed task %q, want t5", call.taskID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame after ping never reached the router")
	}
}

func TestOutboundFrameDelivery(t *testing.T) {
	s, _ := newTestGateway(t)
	conn := dial(t, s)
	ch := register(t, s, conn, "sess-1")

	rec := &models.TaskRecord{
		Task:   models.Task{TaskID: "t1", Tool: "file_create", ExecutionTarget: models.TargetClient},
		Status: models.StatusEmitted,
	}
	if err := ch.Send(context.Background(), models.NewTaskFrame("sess-1", rec)); err != nil {
		t.Fatalf("send: %v", err)
	}

	frame := readFrame(t, conn)
	if frame.Type != models.FrameTaskExecuteSingle {
		t.Fatalf("got frame type %s, want %s", frame.Type, models.FrameTaskExecuteSingle)
	}
	if frame.SessionID != "sess-1" || frame.Task == nil || frame.Task.TaskID != "t1" {
		t.Fatalf("frame lost its payload: %+v", frame)
	}
}

func TestFrameBeforeRegisterDropped(t *testing.T) {
	s, router := newTestGateway(t)
	conn := dial(t, s)

	sendFrame(t, conn, &models.Frame{
		Type:      models.FrameTaskResult,
		SessionID: "sess-1",
		TaskID:    "t1",
		Result:    &models.TaskOutput{Success: true},
	})
	select {
	case call := <-router.results:
		t.Fatalf("unregistered frame was routed: %+v", call)
	case <-time.After(150 * time.Millisecond):
	}

	register(t, s, conn, "sess-1")
	sendFrame(t, conn, &models.Frame{
		Type:      models.FrameTaskResult,
		SessionID: "sess-1",
		TaskID:    "t1",
		Result:    &models.TaskOutput{Success: true},
	})
	select {
	case <-router.results:
	case <-time.After(2 * time.Second):
		t.Fatal("frame after register never reached the router")
	}
}

func TestForeignSessionFrameDropped(t *testing.T) {
	s, router := newTestGateway(t)
	conn := dial(t, s)
	register(t, s, conn, "sess-a")

	sendFrame(t, conn, &models.Frame{
		Type:      models.FrameTaskResult,
		SessionID: "sess-b",
		TaskID:    "t1",
		Result:    &models.TaskOutput{Success: true},
	})
	select {
	case call := <-router.results:
		t.Fatalf("foreign-session frame was routed: %+v", call)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	s, router := newTestGateway(t)
	conn := dial(t, s)
	register(t, s, conn, "sess-1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`)); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"task_result","session_id":"sess-1"}`)); err != nil {
		t.Fatalf("write incomplete frame: %v", err)
	}

	sendFrame(t, conn, &models.Frame{
		Type:      models.FrameTaskResult,
		SessionID: "sess-1",
		TaskID:    "t1",
		Result:    &models.TaskOutput{Success: true},
	})
	select {
	case call := <-router.results:
		if call.taskID != "t1" {
			t.Fatalf("routed task %q, want t1", call.taskID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive malformed frames")
	}
}

func TestRegisterReplacesEarlierConnection(t *testing.T) {
	s, _ := newTestGateway(t)
	conn1 := dial(t, s)
	ch1 := register(t, s, conn1, "sess-1")

	conn2 := dial(t, s)
	sendFrame(t, conn2, &models.Frame{Type: models.FrameRegister, SessionID: "sess-1"})

	var ch2 emitter.ClientChannel
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ch, ok := s.Channel("sess-1"); ok && ch != ch1 {
			ch2 = ch
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if ch2 == nil {
		t.Fatal("second registration never replaced the first")
	}

	if err := ch2.Send(context.Background(), models.NewAcknowledgmentFrame("sess-1", "hello")); err != nil {
		t.Fatalf("send on replacement channel: %v", err)
	}
	frame := readFrame(t, conn2)
	if frame.Type != models.FrameAcknowledgment || frame.Message != "hello" {
		t.Fatalf("replacement connection got %+v", frame)
	}

	// The displaced connection is closed by the server.
	_ = conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn1.ReadMessage(); err == nil {
		t.Fatal("displaced connection still readable")
	}
}

func TestChannelDropsWhenClientDisconnects(t *testing.T) {
	s, _ := newTestGateway(t)
	conn := dial(t, s)
	register(t, s, conn, "sess-1")

	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.Channel("sess-1"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("channel survived client disconnect")
}

func TestSendAfterCloseFails(t *testing.T) {
	s, _ := newTestGateway(t)
	conn := dial(t, s)
	ch := register(t, s, conn, "sess-1")

	_ = conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.Channel("sess-1"); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := ch.Send(context.Background(), models.NewAcknowledgmentFrame("sess-1", "late"))
	if err == nil {
		t.Fatal("send on a closed connection should fail")
	}
	if !strings.Contains(err.Error(), "closed") {
		t.Fatalf("error %q does not mention the closed connection", err)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestGateway(t)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "ok") {
		t.Fatalf("unexpected healthz body %q", body)
	}
}

func TestShutdownClosesClients(t *testing.T) {
	router := newFakeRouter()
	cfg := config.GatewayConfig{
		Addr:            "127.0.0.1:0",
		MaxMessageBytes: 1 << 20,
		PingInterval:    config.Duration(50 * time.Millisecond),
		PongTimeout:     config.Duration(2 * time.Second),
		WriteTimeout:    config.Duration(time.Second),
	}
	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	s := NewServer(cfg, router, logger, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start gateway: %v", err)
	}

	conn := dial(t, s)
	register(t, s, conn, "sess-1")

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still readable after shutdown")
	}
	if _, ok := s.Channel("sess-1"); ok {
		t.Fatal("channel table not cleared by shutdown")
	}
}
