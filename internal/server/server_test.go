package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/devrelay/internal/adb"
	"github.com/zsiec/devrelay/internal/capture"
	"github.com/zsiec/devrelay/internal/device"
	"github.com/zsiec/devrelay/internal/input"
	"github.com/zsiec/devrelay/internal/resilience"
	"github.com/zsiec/devrelay/internal/stream"
)

var gop = []byte{
	0, 0, 0, 1, 0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
	0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	0, 0, 0, 1, 0x68, 0xeb, 0xe3, 0xcb,
	0, 0, 0, 1, 0x65, 0x88, 0x84,
	0, 0, 0, 1, 0x41, 0x9a, 0x02,
}

// pipeSupervisor hands out net.Pipe sessions and publishes the device end.
type pipeSupervisor struct {
	id      string
	servers chan net.Conn

	mu    sync.Mutex
	conns []net.Conn
}

func (p *pipeSupervisor) DeviceID() string             { return p.id }
func (p *pipeSupervisor) SetNotify(capture.NotifyFunc) {}

func (p *pipeSupervisor) Resolution() (device.Resolution, error) {
	return device.Resolution{Width: 1080, Height: 2400}, nil
}

func (p *pipeSupervisor) Start(context.Context) (*capture.Session, error) {
	client, srv := net.Pipe()
	p.mu.Lock()
	p.conns = append(p.conns, client, srv)
	p.mu.Unlock()
	select {
	case p.servers <- srv:
	default:
	}
	return &capture.Session{DeviceID: p.id, Conn: client}, nil
}

func (p *pipeSupervisor) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.Close()
	}
	p.conns = nil
	return nil
}

type fakeControl struct {
	mu     sync.Mutex
	taps   []device.Point
	swipes [][]device.Point
	res    device.Resolution
}

func (f *fakeControl) StartCapture(context.Context, string) (device.Process, device.Endpoint, error) {
	return nil, device.Endpoint{}, device.ErrUnreachable
}
func (f *fakeControl) StopCapture(context.Context, string) error { return nil }

func (f *fakeControl) Resolution(context.Context, string) (device.Resolution, bool, error) {
	return f.res, f.res.Valid(), nil
}

func (f *fakeControl) InjectTap(_ context.Context, _ string, p device.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taps = append(f.taps, p)
	return nil
}

func (f *fakeControl) InjectSwipe(_ context.Context, _ string, points []device.Point, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swipes = append(f.swipes, points)
	return nil
}

type fakeCapture struct{ png []byte }

func (f fakeCapture) Screenshot(_ context.Context, _ string, w io.Writer) (device.Resolution, error) {
	_, err := w.Write(f.png)
	return device.Resolution{Width: 1080, Height: 2400}, err
}

type fakeLister []adb.DeviceInfo

func (f fakeLister) Devices(context.Context) ([]adb.DeviceInfo, error) { return f, nil }

type testEnv struct {
	srv     *httptest.Server
	ctrl    *fakeControl
	mgr     *stream.Manager
	servers chan net.Conn
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		ctrl:    &fakeControl{res: device.Resolution{Width: 1080, Height: 2400}},
		servers: make(chan net.Conn, 4),
	}
	injector := input.NewInjector(env.ctrl)
	env.mgr = stream.NewManager(nil, func(id string) *resilience.Controller {
		return resilience.New(&pipeSupervisor{id: id, servers: env.servers}, injector, resilience.Config{
			GracePeriod: 50 * time.Millisecond,
		})
	})
	s := New(Config{WriteTimeout: time.Second}, Deps{
		Streams:  env.mgr,
		Injector: injector,
		Control:  env.ctrl,
		Capture:  fakeCapture{png: []byte("\x89PNG fake")},
		Devices:  fakeLister{{Serial: "emulator-5554", State: "device", Model: "Pixel_7"}},
	})
	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		env.srv.Close()
		env.mgr.ShutdownAll(context.Background())
	})
	return env
}

func (e *testEnv) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) get(t *testing.T, path string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	var body map[string]string
	resp := env.get(t, "/healthz", &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz: got %d %v", resp.StatusCode, body)
	}
}

func TestVideoStreamRequiresDeviceID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/video/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var n notice
	if mt != websocket.TextMessage || json.Unmarshal(data, &n) != nil {
		t.Fatalf("first message: got type %d %q", mt, data)
	}
	if n.Type != "error" || n.Error != "device_id is required" {
		t.Errorf("notice: got %+v", n)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("close: got %v, want policy violation", err)
	}
	if streams := env.mgr.List(); len(streams) != 0 {
		t.Errorf("streams: got %d, want 0", len(streams))
	}
}

func TestVideoStreamDeliversUnits(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/video/stream?device_id=dev"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var devConn net.Conn
	select {
	case devConn = <-env.servers:
	case <-time.After(2 * time.Second):
		t.Fatal("capture never started")
	}
	go devConn.Write(gop)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var hello notice
	var units [][]byte
	for len(units) < 3 {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (units so far %d)", err, len(units))
		}
		switch mt {
		case websocket.TextMessage:
			var n notice
			if err := json.Unmarshal(data, &n); err != nil {
				t.Fatalf("notice: %v", err)
			}
			if n.Type == "hello" {
				hello = n
			}
		case websocket.BinaryMessage:
			units = append(units, data)
		}
	}

	if hello.ViewerID == "" || hello.DeviceID != "dev" {
		t.Errorf("hello: got %+v", hello)
	}
	wantTypes := []byte{0x67, 0x68, 0x65}
	for i, u := range units {
		if len(u) < 5 || !bytes.Equal(u[:4], []byte{0, 0, 0, 1}) {
			t.Fatalf("unit %d: missing start code", i)
		}
		if u[4] != wantTypes[i] {
			t.Errorf("unit %d header: got %#x, want %#x", i, u[4], wantTypes[i])
		}
	}

	// Pointer events on the same socket reach the device.
	msg := `{"type":"pointer","x":288,"y":640,"kind":"tap","content":{"x":0,"y":0,"width":576,"height":1280}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		env.ctrl.mu.Lock()
		n := len(env.ctrl.taps)
		env.ctrl.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pointer event never injected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	env.ctrl.mu.Lock()
	got := env.ctrl.taps[0]
	env.ctrl.mu.Unlock()
	if got != (device.Point{X: 540, Y: 1200}) {
		t.Errorf("tap: got %+v, want (540,1200)", got)
	}
}

func TestTapAndSwipe(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, body := env.post(t, "/api/devices/dev/tap", `{"x":100,"y":200}`)
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Errorf("tap: got %d %v", resp.StatusCode, body)
	}
	resp, body = env.post(t, "/api/devices/dev/swipe", `{"start_x":1,"start_y":2,"end_x":3,"end_y":4,"duration_ms":200}`)
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Errorf("swipe: got %d %v", resp.StatusCode, body)
	}
	resp, _ = env.post(t, "/api/devices/dev/tap", `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad tap body: got %d, want 400", resp.StatusCode)
	}

	env.ctrl.mu.Lock()
	defer env.ctrl.mu.Unlock()
	if len(env.ctrl.taps) != 1 || env.ctrl.taps[0] != (device.Point{X: 100, Y: 200}) {
		t.Errorf("taps: got %v", env.ctrl.taps)
	}
	if len(env.ctrl.swipes) != 1 || len(env.ctrl.swipes[0]) != 2 || env.ctrl.swipes[0][1] != (device.Point{X: 3, Y: 4}) {
		t.Errorf("swipes: got %v", env.ctrl.swipes)
	}
}

func TestPointerWithoutStream(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	resp, _ := env.post(t, "/api/devices/dev/pointer", `{"x":1,"y":1,"kind":"tap","content":{"width":10,"height":10}}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestStateOfIdleDevice(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	var body map[string]any
	env.get(t, "/api/devices/dev/state", &body)
	if body["state"] != "idle" || body["deviceId"] != "dev" {
		t.Errorf("state: got %v", body)
	}
}

func TestResolutionFallsBackToControl(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	var res device.Resolution
	resp := env.get(t, "/api/devices/dev/resolution", &res)
	if resp.StatusCode != http.StatusOK || res != (device.Resolution{Width: 1080, Height: 2400}) {
		t.Errorf("resolution: got %d %+v", resp.StatusCode, res)
	}
}

func TestScreenshot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	var body screenshotResponse
	env.get(t, "/api/devices/dev/screenshot", &body)
	if !body.Success || body.Width != 1080 || body.Height != 2400 {
		t.Errorf("screenshot: got %+v", body)
	}
	raw, err := base64.StdEncoding.DecodeString(body.Image)
	if err != nil || string(raw) != "\x89PNG fake" {
		t.Errorf("image: got %q, %v", raw, err)
	}
}

func TestResetUnknownDevice(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	resp, body := env.post(t, "/api/video/reset?device_id=nope", "")
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Errorf("reset: got %d %v", resp.StatusCode, body)
	}
	resp, body = env.post(t, "/api/video/reset", "")
	if resp.StatusCode != http.StatusOK || body["message"] != "all video streams reset" {
		t.Errorf("reset all: got %d %v", resp.StatusCode, body)
	}
}

func TestListStreamsAndDevices(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	if _, _, err := env.mgr.Attach("dev", "viewer-1"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	var streams []streamInfo
	env.get(t, "/api/streams", &streams)
	if len(streams) != 1 || streams[0].DeviceID != "dev" {
		t.Fatalf("streams: got %+v", streams)
	}
	if streams[0].Viewers != 1 {
		t.Errorf("viewers: got %d, want 1", streams[0].Viewers)
	}

	var devices []adb.DeviceInfo
	env.get(t, "/api/devices", &devices)
	if len(devices) != 1 || devices[0].Serial != "emulator-5554" {
		t.Errorf("devices: got %+v", devices)
	}
}

func TestCheckOrigin(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin", nil, "", true},
		{"same host", nil, "http://relay.local:8080", true},
		{"foreign", nil, "http://evil.example", false},
		{"allowed", []string{"http://ui.example"}, "http://ui.example", true},
		{"wildcard", []string{"*"}, "http://evil.example", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := New(Config{AllowedOrigins: tt.allowed}, Deps{})
			r := httptest.NewRequest(http.MethodGet, "http://relay.local:8080/api/video/stream", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSystemStats(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	var st systemStats
	resp := env.get(t, "/api/system", &st)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if st.Goroutines == 0 {
		t.Error("goroutines: got 0")
	}
	if st.RAMPercent <= 0 || st.RAMPercent > 100 {
		t.Errorf("ram_percent: got %v", st.RAMPercent)
	}
}
