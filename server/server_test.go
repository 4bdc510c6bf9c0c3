package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nedpals/davi-cma-agent/cma"
	"github.com/nedpals/davi-cma-agent/protocol"
)

type fakeController struct {
	mu       sync.Mutex
	started  []cma.TransportKind
	stops    int
	startErr error
	stopErr  error
}

func (f *fakeController) StartDiscovery(kind cma.TransportKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, kind)
	return nil
}

func (f *fakeController) StopDiscovery() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stops++
	return nil
}

func (f *fakeController) setStopErr(err error) {
	f.mu.Lock()
	f.stopErr = err
	f.mu.Unlock()
}

func (f *fakeController) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeController) startedKinds() []cma.TransportKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cma.TransportKind(nil), f.started...)
}

func (f *fakeController) Status() cma.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := cma.Status{Active: len(f.started) > 0, Loops: []string{}}
	for _, k := range f.started {
		st.Loops = append(st.Loops, k.String())
	}
	return st
}

type fakeHistory struct {
	records   []cma.PairingRecord
	lastLimit int
}

func (h *fakeHistory) Pairings(_ context.Context, limit int) ([]cma.PairingRecord, error) {
	h.lastLimit = limit
	return h.records, nil
}

type staticCA []byte

func (c staticCA) CACertPEM() ([]byte, error) { return c, nil }

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})
	return s, ts
}

func handshake(t *testing.T, ts *httptest.Server, secret string) (string, int) {
	t.Helper()
	body := `{"secret":"` + secret + `"}`
	resp, err := http.Post(ts.URL+RouteHandshake, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	token, _ := out["token"].(string)
	return token, resp.StatusCode
}

func post(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + RouteHealth)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, CORSAllowOrigin, resp.Header.Get("Access-Control-Allow-Origin"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["clients"])
}

func TestServer_StatusWithoutController(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + RouteStatus)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_DiscoveryControlRequiresSession(t *testing.T) {
	ctrl := &fakeController{}
	_, ts := newTestServer(t, Config{Controller: ctrl, APISecret: "s3cret"})

	resp := post(t, ts.URL+RouteStartDiscover+"?transport=usb", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, code := handshake(t, ts, "wrong")
	assert.Equal(t, http.StatusConflict, code)

	token, code := handshake(t, ts, "s3cret")
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, token)

	_, code = handshake(t, ts, "s3cret")
	assert.Equal(t, http.StatusConflict, code, "only one control session at a time")

	resp = post(t, ts.URL+RouteStartDiscover+"?transport=wifi", token)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var st cma.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.Active)
	assert.Equal(t, []string{"wireless"}, st.Loops)

	resp = post(t, ts.URL+RouteStartDiscover+"?transport=serial", token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, ts.URL+RouteStopDiscover, token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, ctrl.stopCount())

	ctrl.setStopErr(cma.ErrNotActive)
	resp = post(t, ts.URL+RouteStopDiscover, token)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+RouteHandshake, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	resp = post(t, ts.URL+RouteStopDiscover, token)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_StartErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{cma.ErrLoopStopping, http.StatusConflict},
		{cma.ErrNoTransport, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			_, ts := newTestServer(t, Config{Controller: &fakeController{startErr: tt.err}})
			token, _ := handshake(t, ts, "")
			resp := post(t, ts.URL+RouteStartDiscover+"?transport=usb", token)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestServer_CACert(t *testing.T) {
	_, ts := newTestServer(t, Config{CA: staticCA("-----BEGIN CERTIFICATE-----\n")})

	resp, err := http.Get(ts.URL + RouteCACert)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-pem-file", resp.Header.Get("Content-Type"))

	_, bare := newTestServer(t, Config{})
	resp, err = http.Get(bare.URL + RouteCACert)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Pairings(t *testing.T) {
	history := &fakeHistory{records: []cma.PairingRecord{
		{OnlineID: "erin", DeviceName: "Erin's Vita", PairedAt: time.Unix(1700000000, 0)},
	}}
	_, ts := newTestServer(t, Config{History: history})
	token, _ := handshake(t, ts, "")

	get := func(query string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.URL+RoutePairings+query, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := get("?limit=5")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, history.lastLimit)

	var body struct {
		Pairings []cma.PairingRecord `json:"pairings"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Pairings, 1)
	assert.Equal(t, "erin", body.Pairings[0].OnlineID)

	assert.Equal(t, http.StatusBadRequest, get("?limit=lots").StatusCode)
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + RouteWebSocket + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readWS(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestServer_WebSocketRejectsBadSecret(t *testing.T) {
	_, ts := newTestServer(t, Config{APISecret: "s3cret"})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + RouteWebSocket + "?secret=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_WebSocketControlAndBroadcast(t *testing.T) {
	ctrl := &fakeController{}
	s, ts := newTestServer(t, Config{Controller: ctrl, APISecret: "s3cret"})
	ws := dialWS(t, ts, "?secret=s3cret")

	msg := readWS(t, ws)
	assert.Equal(t, protocol.WSTypeStatus, msg["type"])
	require.Eventually(t, func() bool { return s.clients.Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.WriteJSON(protocol.WebSocketRequest{ID: "1", Type: protocol.WSTypeStartDiscovery, Payload: map[string]any{"transport": "usb"}}))
	msg = readWS(t, ws)
	assert.Equal(t, "1", msg["id"])
	assert.Equal(t, true, msg["success"])
	assert.Equal(t, []cma.TransportKind{cma.TransportUSB}, ctrl.startedKinds())

	require.NoError(t, ws.WriteJSON(protocol.WebSocketRequest{ID: "2", Type: protocol.WSTypeStartDiscovery, Payload: map[string]any{"transport": "floppy"}}))
	msg = readWS(t, ws)
	assert.Equal(t, protocol.WSTypeError, msg["type"])

	require.NoError(t, ws.WriteJSON(protocol.WebSocketRequest{ID: "3", Type: "reboot"}))
	msg = readWS(t, ws)
	assert.Equal(t, protocol.WSTypeError, msg["type"])
	assert.Equal(t, protocol.ErrCodeUnknownType, msg["payload"].(map[string]any)["code"])

	ctrl.setStopErr(cma.ErrNotActive)
	require.NoError(t, ws.WriteJSON(protocol.WebSocketRequest{ID: "4", Type: protocol.WSTypeStopDiscovery}))
	msg = readWS(t, ws)
	assert.Equal(t, protocol.ErrCodeHostBusy, msg["payload"].(map[string]any)["code"])

	s.Notify(cma.Connected("Connected to erin (PS Vita)", cma.TransportUSB))
	msg = readWS(t, ws)
	assert.Equal(t, protocol.WSTypeNotification, msg["type"])
	payload := msg["payload"].(map[string]any)
	assert.Equal(t, "connected", payload["type"])
	assert.Equal(t, "Connected to erin (PS Vita)", payload["message"])
}

func TestServer_LateJoinerGetsPendingPin(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	s.Notify(cma.PinReceived("Vita", 12345678))

	ws := dialWS(t, ts, "")
	msg := readWS(t, ws)
	require.Equal(t, protocol.WSTypeNotification, msg["type"])
	assert.EqualValues(t, 12345678, msg["payload"].(map[string]any)["pin"])

	s.Notify(cma.PairingComplete())
	readWS(t, ws)

	late := dialWS(t, ts, "")
	require.Eventually(t, func() bool { return s.clients.Count() == 2 }, time.Second, 5*time.Millisecond)
	s.Notify(cma.StatusMessage("hello"))
	msg = readWS(t, late)
	assert.Equal(t, "statusMessage", msg["payload"].(map[string]any)["type"])
}

func TestServer_StartStop(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 0, Controller: &fakeController{}, StatusInterval: 10 * time.Millisecond})
	require.NoError(t, s.Start())
	require.Error(t, s.Start())

	addr := s.Addr()
	require.NotNil(t, addr)
	resp, err := http.Get("http://" + addr.String() + RouteHealth)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.Stop()
	assert.Nil(t, s.Addr())
	s.Stop()
}
