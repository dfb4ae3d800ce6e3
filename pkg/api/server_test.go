package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jwoglom/collarlink/pkg/bluetooth"
	"github.com/jwoglom/collarlink/pkg/state"

	"github.com/gorilla/websocket"
)

var _ state.EventNotifier = (*Server)(nil)

type injected struct {
	charType bluetooth.CharacteristicType
	data     []byte
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, chan injected) {
	t.Helper()
	s := New(":0")
	got := make(chan injected, 4)
	s.SetInjector(func(charType bluetooth.CharacteristicType, data []byte) error {
		got <- injected{charType, data}
		return nil
	})
	s.SetStateProvider("device", func() interface{} {
		return map[string]interface{}{"serial": "C0FFEE"}
	})
	ts := httptest.NewServer(s.Mux())
	t.Cleanup(ts.Close)
	return s, ts, got
}

// TestStateAPI tests component snapshots over REST
func TestStateAPI(t *testing.T) {
	_, ts, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"all", http.MethodGet, "/api/state", http.StatusOK},
		{"one", http.MethodGet, "/api/state/device", http.StatusOK},
		{"unknown", http.MethodGet, "/api/state/radio", http.StatusNotFound},
		{"wrong method", http.MethodPost, "/api/state", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, nil)
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}

	resp, err := http.Get(ts.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode state: %v", err)
	}
	if body["device"]["serial"] != "C0FFEE" {
		t.Errorf("Unexpected state: %v", body)
	}
}

// TestInjectAPI tests hex frame injection over REST
func TestInjectAPI(t *testing.T) {
	_, ts, got := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
		want   []byte
	}{
		{"command", `{"data":"0200091234"}`, http.StatusOK, []byte{0x02, 0x00, 0x09, 0x12, 0x34}},
		{"ota", `{"characteristic":"OTAControl","data":"01"}`, http.StatusOK, []byte{0x01}},
		{"bad hex", `{"data":"zz"}`, http.StatusBadRequest, nil},
		{"bad characteristic", `{"characteristic":"Heart","data":"01"}`, http.StatusBadRequest, nil},
		{"bad json", `{`, http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/inject", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
			if tt.want == nil {
				return
			}
			select {
			case in := <-got:
				if string(in.data) != string(tt.want) {
					t.Errorf("Expected %x, got %x", tt.want, in.data)
				}
			case <-time.After(time.Second):
				t.Fatal("Injector not called")
			}
		})
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	return ev
}

// TestWebSocket tests initial state, event push and injection over the socket
func TestWebSocket(t *testing.T) {
	s, ts, got := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if ev := readEvent(t, conn); ev.Type != "state" {
		t.Fatalf("Expected state event, got %s", ev.Type)
	}

	if err := s.NotifyChunkRollover("0102030405060708", 3); err != nil {
		t.Fatal(err)
	}
	ev := readEvent(t, conn)
	if ev.Type != "chunk_rollover" || ev.Detail["chunk"] != float64(3) {
		t.Errorf("Unexpected event: %+v", ev)
	}

	if err := conn.WriteJSON(commandMessage{Command: "inject", Data: "020009"}); err != nil {
		t.Fatal(err)
	}
	if ev := readEvent(t, conn); ev.Type != "rx" || ev.Data != "020009" || ev.Characteristic != "Tx" {
		t.Errorf("Unexpected rx event: %+v", ev)
	}
	select {
	case in := <-got:
		if in.charType != bluetooth.CharTx {
			t.Errorf("Expected Tx, got %s", in.charType)
		}
	case <-time.After(time.Second):
		t.Fatal("Injector not called")
	}
}

type fakeTransport struct {
	sent     int
	notified int
	err      error
}

func (f *fakeTransport) Send(b []byte) error   { f.sent++; return f.err }
func (f *fakeTransport) Notify(b []byte) error { f.notified++; return f.err }
func (f *fakeTransport) IsConnected() bool     { return true }

// TestMonitor tests that the monitored transport passes frames through
func TestMonitor(t *testing.T) {
	s := New(":0")
	inner := &fakeTransport{err: errors.New("link down")}
	m := s.Monitor(inner)

	if err := m.Send([]byte{1}); err == nil {
		t.Error("Expected inner error")
	}
	if err := m.Notify([]byte{2}); err == nil {
		t.Error("Expected inner error")
	}
	if inner.sent != 1 || inner.notified != 1 || !m.IsConnected() {
		t.Errorf("Unexpected pass-through: %+v", inner)
	}
}
