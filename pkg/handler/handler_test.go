package handler

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jwoglom/collarlink/pkg/protocol"
	"github.com/jwoglom/collarlink/pkg/record"
	"github.com/jwoglom/collarlink/pkg/sensor"
	"github.com/jwoglom/collarlink/pkg/session"
	"github.com/jwoglom/collarlink/pkg/storage"
)

type fakeTransport struct {
	mutex     sync.Mutex
	sent      [][]byte
	notified  [][]byte
	connected bool
}

func (f *fakeTransport) Send(b []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.sent = append(f.sent, b)
	return nil
}

func (f *fakeTransport) Notify(b []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.notified = append(f.notified, b)
	return nil
}

func (f *fakeTransport) IsConnected() bool { return f.connected }

func (f *fakeTransport) last(t *testing.T) []byte {
	t.Helper()
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("No response sent")
	}
	return f.sent[len(f.sent)-1]
}

type fakeSource struct {
	mutex sync.Mutex
	cb    func(sensor.Sample)
	ts    uint64
}

func (f *fakeSource) Enable(rateHz int, cb func(sensor.Sample)) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.cb = cb
	return nil
}

func (f *fakeSource) Disable() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.cb = nil
}

func (f *fakeSource) emit(n int) {
	for i := 0; i < n; i++ {
		f.mutex.Lock()
		cb := f.cb
		f.mutex.Unlock()
		if cb == nil {
			return
		}
		f.ts += 16
		cb(sensor.Sample{Timestamp: f.ts, Frame: record.RawFrame{AX: int16(i)}})
	}
}

type fakeSender struct {
	mutex sync.Mutex
	calls []string
}

func (f *fakeSender) SendChunk(ctx context.Context, kind record.Kind, uid record.UID, chunkID uint16) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls = append(f.calls, kind.String()+" "+uid.ChunkName(chunkID))
	return 1, nil
}

var testUID = record.UID{0, 0, 1, 0x99, 0x39, 0x46, 0x98, 0x37}

type testEnv struct {
	router    *Router
	jobs      *JobRunner
	transport *fakeTransport
	source    *fakeSource
	sender    *fakeSender
	sessions  *session.Manager
	store     *storage.MemStore
}

func newTestEnv(opts Options, sessOpts session.Options) *testEnv {
	env := &testEnv{
		transport: &fakeTransport{connected: true},
		source:    &fakeSource{},
		sender:    &fakeSender{},
		store:     storage.NewMemStore(),
		jobs:      NewJobRunner(0),
	}
	env.sessions = session.NewManager(env.store, env.source, sessOpts)
	env.router = NewRouter(env.transport, env.jobs)
	RegisterDefaults(env.router, env.sessions, env.sender, opts)
	return env
}

func command(t *testing.T, op protocol.Opcode, payload []byte) []byte {
	t.Helper()
	b, err := protocol.Encode(protocol.NewCommand(op, payload))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return b
}

// dispatch sends req and returns the decoded full-header response
func (env *testEnv) dispatch(t *testing.T, req protocol.Request) *protocol.Frame {
	t.Helper()
	if err := env.router.Dispatch(context.Background(), command(t, req.Opcode(), req.Payload())); err != nil {
		t.Fatalf("Dispatch %s failed: %v", req.Opcode(), err)
	}
	f, err := protocol.Decode(env.transport.last(t))
	if err != nil {
		t.Fatalf("Response to %s is not a full frame: %v", req.Opcode(), err)
	}
	if f.Cmd != req.Opcode() || f.Start != protocol.StartToMobile || f.Type != protocol.FrameReport {
		t.Fatalf("Unexpected response header %+v", f)
	}
	return f
}

func expectAck(t *testing.T, f *protocol.Frame, want protocol.Ack) {
	t.Helper()
	if got := protocol.Ack(f.Payload[0]); got != want {
		t.Errorf("%s: expected ack %s, got %s", f.Cmd, want, got)
	}
}

// TestRouter_RecordingScenario records 1800 samples and reads the session back
func TestRouter_RecordingScenario(t *testing.T) {
	env := newTestEnv(Options{}, session.Options{})

	f := env.dispatch(t, &protocol.StartStopRecordingRequest{Start: true, UID: testUID})
	expectAck(t, f, protocol.AckNone)

	env.source.emit(1800)

	f = env.dispatch(t, &protocol.StartStopRecordingRequest{Start: false, UID: testUID})
	expectAck(t, f, protocol.AckNone)

	f = env.dispatch(t, &protocol.SessionDetailsRequest{UID: testUID})
	expectAck(t, f, protocol.AckNone)
	if n := binary.BigEndian.Uint16(f.Payload[1+protocol.UIDSize:]); n != 45 {
		t.Errorf("Expected 45 records, got %d", n)
	}

	f = env.dispatch(t, &protocol.SessionDataRequest{UID: testUID, RecordNum: 100})
	expectAck(t, f, protocol.AckNegative)

	req := &protocol.SessionDataRequest{UID: testUID, RecordNum: 3}
	if err := env.router.Dispatch(context.Background(), command(t, req.Opcode(), req.Payload())); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	payload, err := protocol.DecodeLegacy(env.transport.last(t))
	if err != nil {
		t.Fatalf("Record response is not legacy shaped: %v", err)
	}
	var rec record.RawIMURecord
	if err := rec.UnmarshalBinary(payload); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	if rec.RecordNum != 3 {
		t.Errorf("Expected record 3, got %d", rec.RecordNum)
	}

	f = env.dispatch(t, &protocol.SessionDetailsRequest{Activity: true, UID: testUID})
	if n := binary.BigEndian.Uint16(f.Payload[1+protocol.UIDSize:]); n != 45 {
		t.Errorf("Expected 45 activity records, got %d", n)
	}
}

// TestRouter_UnknownSession tests details and reads of a missing session
func TestRouter_UnknownSession(t *testing.T) {
	env := newTestEnv(Options{}, session.Options{})

	f := env.dispatch(t, &protocol.SessionDetailsRequest{UID: testUID})
	expectAck(t, f, protocol.AckNegative)
	if n := binary.BigEndian.Uint16(f.Payload[1+protocol.UIDSize:]); n != 0 {
		t.Errorf("Expected 0 records, got %d", n)
	}

	f = env.dispatch(t, &protocol.SessionDataRequest{Activity: true, UID: testUID})
	expectAck(t, f, protocol.AckNegative)
}

// countFailStore fails every record count with a storage error
type countFailStore struct {
	*storage.MemStore
}

func (s countFailStore) RecordCount(name string, kind record.Kind) (int, error) {
	return 0, errors.New("flash read error")
}

// TestSessionDetails_CountFailure tests that a failed count is a NACK with no records
func TestSessionDetails_CountFailure(t *testing.T) {
	tests := []struct {
		name  string
		store storage.Store
	}{
		{"missing session", storage.NewMemStore()},
		{"storage error", countFailStore{storage.NewMemStore()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := session.NewManager(tt.store, &fakeSource{}, session.Options{})
			for _, kind := range []record.Kind{record.KindRawIMU, record.KindActivity} {
				h := NewSessionDetailsHandler(sessions, kind)
				req := &protocol.SessionDetailsRequest{Activity: kind == record.KindActivity, UID: testUID}
				resp, err := h.HandleCommand(context.Background(), req)
				if err != nil {
					t.Fatalf("%s: HandleCommand failed: %v", kind, err)
				}
				if resp.Ack != protocol.AckNegative {
					t.Errorf("%s: expected ack %s, got %s", kind, protocol.AckNegative, resp.Ack)
				}
				f, err := protocol.Decode(resp.Frame)
				if err != nil {
					t.Fatalf("%s: response is not a full frame: %v", kind, err)
				}
				expectAck(t, f, protocol.AckNegative)
				if n := binary.BigEndian.Uint16(f.Payload[1+protocol.UIDSize:]); n != 0 {
					t.Errorf("%s: expected 0 records, got %d", kind, n)
				}
			}
		})
	}
}

// TestRouter_DroppedFrames tests that invalid frames get no response
func TestRouter_DroppedFrames(t *testing.T) {
	env := newTestEnv(Options{}, session.Options{})

	good := command(t, protocol.OpGetContinuousStatus, make([]byte, protocol.UIDSize+1))
	badCRC := append([]byte(nil), good...)
	badCRC[len(badCRC)-1] ^= 0xFF

	report, _ := protocol.Encode(protocol.NewReport(protocol.OpGetContinuousStatus, make([]byte, protocol.UIDSize+1)))

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"bad checksum", badCRC, protocol.ErrInvalidChecksum},
		{"unknown opcode", command(t, protocol.Opcode(0x55), []byte{1, 2}), protocol.ErrUnknownOpcode},
		{"wrong direction", report, ErrNotCommand},
		{"too short", []byte{0x01, 0x00}, protocol.ErrShortFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.router.Dispatch(context.Background(), tt.raw)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	if len(env.transport.sent) != 0 {
		t.Errorf("Expected no responses, got %d", len(env.transport.sent))
	}
	if dropped := env.router.GetStats()["dropped"].(uint64); dropped != uint64(len(tests)) {
		t.Errorf("Expected %d dropped, got %d", len(tests), dropped)
	}
}

// TestRouter_ShortPayload tests that a truncated payload is answered with a NACK
func TestRouter_ShortPayload(t *testing.T) {
	env := newTestEnv(Options{}, session.Options{})

	if err := env.router.Dispatch(context.Background(), command(t, protocol.OpReadRawDataChunk, []byte{1, 2, 3})); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	f, err := protocol.Decode(env.transport.last(t))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	expectAck(t, f, protocol.AckNegative)
	if len(env.jobs.queue) != 0 {
		t.Error("No job should start for a malformed command")
	}
}

// TestRouter_Disconnected tests that nothing is sent while the link is down
func TestRouter_Disconnected(t *testing.T) {
	env := newTestEnv(Options{}, session.Options{})
	env.transport.connected = false

	err := env.router.Dispatch(context.Background(), command(t, protocol.OpStartStopLiveRawIMU, []byte{0}))
	if !errors.Is(err, ErrDisconnected) {
		t.Errorf("Expected ErrDisconnected, got %v", err)
	}
}

// TestRecordingHandler_EraseOnStart tests the deferred start path
func TestRecordingHandler_EraseOnStart(t *testing.T) {
	env := newTestEnv(Options{EraseOnStart: true}, session.Options{})

	h, _ := env.store.Create("OLD", record.KindRawIMU)
	env.store.Close(h)

	f := env.dispatch(t, &protocol.StartStopRecordingRequest{Start: true, UID: testUID})
	expectAck(t, f, protocol.AckNone)
	if mode, _ := env.sessions.Active(); mode != session.ModeIdle {
		t.Fatalf("Start should wait for the poller, got %s", mode)
	}

	if err := env.sessions.Poll(); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if mode, uid := env.sessions.Active(); mode != session.ModePrimary || uid != testUID {
		t.Errorf("Expected primary %s, got %s %s", testUID, mode, uid)
	}
	for _, name := range env.store.Names() {
		if name == "OLD" {
			t.Error("Old session survived the erase")
		}
	}
}

// TestContinuousHandlers tests start, status, details and stop over the wire
func TestContinuousHandlers(t *testing.T) {
	env := newTestEnv(Options{}, session.Options{ChunkSize: 1})

	f := env.dispatch(t, &protocol.ContinuousSessionRequest{Op: protocol.OpGetContinuousStatus, UID: testUID})
	expectAck(t, f, protocol.AckNegative)
	if st := f.Payload[1+protocol.UIDSize+1]; st != uint8(session.ContinuousNotFound) {
		t.Errorf("Expected NotFound status, got %d", st)
	}

	f = env.dispatch(t, &protocol.StartStopContinuousRequest{Start: true, RecType: session.RecTypeRawIMU | session.RecTypeActivity, UID: testUID})
	expectAck(t, f, protocol.AckNone)

	env.source.emit(2 * record.RawFramesPerRecord)

	f = env.dispatch(t, &protocol.ContinuousSessionRequest{Op: protocol.OpReadContinuousDetails, UID: testUID})
	expectAck(t, f, protocol.AckNone)
	p := f.Payload[1+protocol.UIDSize+1:]
	if p[0] != 0x03 || binary.BigEndian.Uint16(p[1:]) != 1 || binary.BigEndian.Uint16(p[3:]) != 3 {
		t.Errorf("Unexpected details % X", p)
	}

	f = env.dispatch(t, &protocol.StartStopContinuousRequest{Start: false, UID: record.UID{9}})
	expectAck(t, f, protocol.AckNegative)

	f = env.dispatch(t, &protocol.StartStopContinuousRequest{Start: false, UID: testUID})
	expectAck(t, f, protocol.AckNone)

	f = env.dispatch(t, &protocol.ContinuousSessionRequest{Op: protocol.OpGetContinuousStatus, UID: testUID})
	expectAck(t, f, protocol.AckNone)
	if st := f.Payload[1+protocol.UIDSize+1]; st != uint8(session.ContinuousStopped) {
		t.Errorf("Expected Stopped status, got %d", st)
	}
}

// TestChunkReadHandler tests chunk validation and the queued stream job
func TestChunkReadHandler(t *testing.T) {
	env := newTestEnv(Options{}, session.Options{ChunkSize: 1})

	env.dispatch(t, &protocol.StartStopContinuousRequest{Start: true, RecType: session.RecTypeRawIMU, UID: testUID})
	env.source.emit(record.RawFramesPerRecord)

	tests := []struct {
		name  string
		op    protocol.Opcode
		uid   record.UID
		chunk uint16
		want  protocol.Ack
	}{
		{"zero chunk", protocol.OpReadRawDataChunk, testUID, 0, protocol.AckNegative},
		{"past end", protocol.OpReadRawDataChunk, testUID, 3, protocol.AckNegative},
		{"wrong uid", protocol.OpReadRawDataChunk, record.UID{1}, 1, protocol.AckNegative},
		{"no activity track", protocol.OpReadActivityDataChunk, testUID, 1, protocol.AckNegative},
		{"valid", protocol.OpReadRawDataChunk, testUID, 1, protocol.AckNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := env.dispatch(t, &protocol.ChunkRequest{Op: tt.op, UID: tt.uid, ChunkID: tt.chunk})
			expectAck(t, f, tt.want)
		})
	}

	if len(env.jobs.queue) != 1 {
		t.Fatalf("Expected one queued job, got %d", len(env.jobs.queue))
	}
	q := <-env.jobs.queue
	if !q.Stream {
		t.Error("Chunk read should be a stream job")
	}
	env.jobs.run(context.Background(), q)

	if len(env.sender.calls) != 1 || env.sender.calls[0] != "raw "+testUID.ChunkName(1) {
		t.Errorf("Unexpected sender calls %v", env.sender.calls)
	}
}

// TestDeleteHandlers tests chunk and session deletion acks
func TestDeleteHandlers(t *testing.T) {
	env := newTestEnv(Options{}, session.Options{ChunkSize: 1})

	f := env.dispatch(t, &protocol.ContinuousSessionRequest{Op: protocol.OpDeleteRecordingSession, UID: testUID})
	expectAck(t, f, protocol.AckNegative)

	env.dispatch(t, &protocol.StartStopContinuousRequest{Start: true, UID: testUID})
	env.source.emit(record.RawFramesPerRecord)

	f = env.dispatch(t, &protocol.ChunkRequest{Op: protocol.OpDeleteRawDataChunk, UID: testUID, ChunkID: 2})
	expectAck(t, f, protocol.AckNegative)

	f = env.dispatch(t, &protocol.ChunkRequest{Op: protocol.OpDeleteRawDataChunk, UID: testUID, ChunkID: 1})
	expectAck(t, f, protocol.AckNone)

	f = env.dispatch(t, &protocol.ContinuousSessionRequest{Op: protocol.OpDeleteRecordingSession, UID: testUID})
	expectAck(t, f, protocol.AckNone)

	q := <-env.jobs.queue
	env.jobs.run(context.Background(), q)
	if env.sessions.HasSession(testUID) {
		t.Error("Session should be gone after the delete job")
	}
}

// TestLiveHandler tests that live records are notified in the legacy shape
func TestLiveHandler(t *testing.T) {
	env := newTestEnv(Options{}, session.Options{})

	f := env.dispatch(t, &protocol.LiveRawIMURequest{Start: true})
	expectAck(t, f, protocol.AckNone)

	env.source.emit(2 * record.RawFramesPerRecord)

	f = env.dispatch(t, &protocol.LiveRawIMURequest{Start: false})
	expectAck(t, f, protocol.AckNone)

	if len(env.transport.notified) != 2 {
		t.Fatalf("Expected 2 live records, got %d", len(env.transport.notified))
	}
	payload, err := protocol.DecodeLegacy(env.transport.notified[1])
	if err != nil {
		t.Fatalf("DecodeLegacy failed: %v", err)
	}
	if num, _ := record.RecordNum(payload); num != 1 {
		t.Errorf("Expected record 1, got %d", num)
	}
}

// TestDispatcher_QueueFull tests that Enqueue never blocks
func TestDispatcher_QueueFull(t *testing.T) {
	env := newTestEnv(Options{}, session.Options{})
	d := NewDispatcher(env.router, 1)

	raw := command(t, protocol.OpStartStopLiveRawIMU, []byte{0})
	if err := d.Enqueue(raw); err != nil {
		t.Fatalf("First Enqueue failed: %v", err)
	}
	if err := d.Enqueue(raw); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for len(d.queue) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if stats := d.GetStats(); stats["rejected"].(uint64) != 1 || stats["enqueued"].(uint64) != 1 {
		t.Errorf("Unexpected stats %v", stats)
	}
}

// TestJobRunner_StreamCancelsStream tests that a new chunk stream replaces the running one
func TestJobRunner_StreamCancelsStream(t *testing.T) {
	runner := NewJobRunner(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	started := make(chan struct{})
	firstErr := make(chan error, 1)
	runner.Submit(Job{Name: "first", Stream: true, Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		firstErr <- ctx.Err()
		return ctx.Err()
	}})
	<-started

	secondDone := make(chan struct{})
	runner.Submit(Job{Name: "second", Stream: true, Run: func(ctx context.Context) error {
		close(secondDone)
		return nil
	}})

	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected first stream cancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("First stream was not cancelled")
	}
	select {
	case <-secondDone:
	case <-time.After(time.Second):
		t.Fatal("Second stream did not run")
	}
}

// TestJobRunner_RejectedStreamKeepsCurrent tests that a stream refused by a full
// queue leaves the running stream and the queued jobs alone
func TestJobRunner_RejectedStreamKeepsCurrent(t *testing.T) {
	runner := NewJobRunner(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	release := make(chan struct{})
	started := make(chan struct{})
	runningErr := make(chan error, 1)
	runner.Submit(Job{Name: "running", Stream: true, Run: func(ctx context.Context) error {
		close(started)
		select {
		case <-ctx.Done():
			runningErr <- ctx.Err()
			return ctx.Err()
		case <-release:
			runningErr <- nil
			return nil
		}
	}})
	<-started

	fillerDone := make(chan struct{})
	if err := runner.Submit(Job{Name: "filler", Run: func(ctx context.Context) error {
		close(fillerDone)
		return nil
	}}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	err := runner.Submit(Job{Name: "rejected", Stream: true, Run: func(ctx context.Context) error {
		t.Error("Rejected stream ran")
		return nil
	}})
	if !errors.Is(err, ErrJobQueueFull) {
		t.Fatalf("Expected ErrJobQueueFull, got %v", err)
	}

	close(release)
	select {
	case err := <-runningErr:
		if err != nil {
			t.Errorf("Running stream should finish normally, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Running stream did not finish")
	}
	select {
	case <-fillerDone:
	case <-time.After(time.Second):
		t.Fatal("Queued job did not run")
	}
}

// TestJobRunner_Cancel tests that Cancel discards queued jobs
func TestJobRunner_Cancel(t *testing.T) {
	runner := NewJobRunner(0)

	ran := false
	runner.Submit(Job{Name: "delete", Run: func(ctx context.Context) error {
		ran = true
		return nil
	}})
	runner.Cancel()

	runner.run(context.Background(), <-runner.queue)
	if ran {
		t.Error("Job queued before Cancel should be skipped")
	}
	if stats := runner.GetStats(); stats["cancelled"].(uint64) != 1 {
		t.Errorf("Expected 1 cancelled job, got %v", stats["cancelled"])
	}
}
