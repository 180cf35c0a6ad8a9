package canvass

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// in-process hub for tests. speaks the json frame protocol and lets a
// test push events and fail the next dials.

type testHubHandler = func(args []json.RawMessage) (any, error)

type testHub struct {
	t *testing.T

	server   *httptest.Server
	upgrader websocket.Upgrader

	mutex        sync.Mutex
	conns        []*testHubConn
	handlers     map[string]testHubHandler
	invokeCounts map[string]int
	refuse       bool
	lastAuth     string
}

type testHubConn struct {
	ws        *websocket.Conn
	writeLock sync.Mutex
}

func (self *testHubConn) writeFrame(frame *hubFrame) error {
	message, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	return self.ws.WriteMessage(websocket.TextMessage, message)
}

func newTestHub(t *testing.T) *testHub {
	hub := &testHub{
		t:            t,
		handlers:     map[string]testHubHandler{},
		invokeCounts: map[string]int{},
	}
	hub.server = httptest.NewServer(http.HandlerFunc(hub.handle))
	t.Cleanup(hub.server.Close)
	return hub
}

func (self *testHub) url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testHub) handler(method string, handler testHubHandler) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.handlers[method] = handler
}

func (self *testHub) invokeCount(method string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.invokeCounts[method]
}

func (self *testHub) setRefuse(refuse bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.refuse = refuse
}

func (self *testHub) authHeader() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.lastAuth
}

// push sends an event frame to every connected client.
func (self *testHub) push(event EventName, payload any) {
	var payloadBytes json.RawMessage
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			self.t.Fatal(err)
		}
	}

	self.mutex.Lock()
	conns := append([]*testHubConn{}, self.conns...)
	self.mutex.Unlock()

	for _, conn := range conns {
		conn.writeFrame(&hubFrame{
			Type:    frameTypeEvent,
			Event:   event,
			Payload: payloadBytes,
		})
	}
}

// closeAll drops every live connection, simulating a transient loss.
func (self *testHub) closeAll() {
	self.mutex.Lock()
	conns := self.conns
	self.conns = nil
	self.mutex.Unlock()

	for _, conn := range conns {
		conn.ws.Close()
	}
}

func (self *testHub) handle(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	refuse := self.refuse
	self.lastAuth = r.Header.Get("Authorization")
	self.mutex.Unlock()

	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &testHubConn{
		ws: ws,
	}

	self.mutex.Lock()
	self.conns = append(self.conns, conn)
	self.mutex.Unlock()

	go self.serve(conn)
}

func (self *testHub) serve(conn *testHubConn) {
	defer func() {
		conn.ws.Close()
		self.mutex.Lock()
		for i, c := range self.conns {
			if c == conn {
				self.conns = append(self.conns[:i], self.conns[i+1:]...)
				break
			}
		}
		self.mutex.Unlock()
	}()

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if len(message) == 0 {
			// ping
			continue
		}

		frame := &struct {
			Type   string            `json:"type"`
			Id     string            `json:"id"`
			Method string            `json:"method"`
			Args   []json.RawMessage `json:"args"`
		}{}
		if err := json.Unmarshal(message, frame); err != nil {
			continue
		}
		if frame.Type != frameTypeInvoke {
			continue
		}

		self.mutex.Lock()
		self.invokeCounts[frame.Method] += 1
		handler := self.handlers[frame.Method]
		self.mutex.Unlock()

		resultFrame := &hubFrame{
			Type: frameTypeResult,
			Id:   frame.Id,
		}
		if handler == nil {
			resultFrame.Error = fmt.Sprintf("Unknown method %s.", frame.Method)
		} else if result, err := handler(frame.Args); err != nil {
			resultFrame.Error = err.Error()
		} else if result != nil {
			resultBytes, err := json.Marshal(result)
			if err != nil {
				resultFrame.Error = err.Error()
			} else {
				resultFrame.Result = resultBytes
			}
		}
		conn.writeFrame(resultFrame)
	}
}

func decodeArg(t *testing.T, arg json.RawMessage, value any) {
	if err := json.Unmarshal(arg, value); err != nil {
		t.Fatal(err)
	}
}

// waitFor polls until the condition holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) bool {
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}

func testSettings() *ConnectionManagerSettings {
	settings := DefaultConnectionManagerSettings()
	settings.RetryInitialDelay = 20 * time.Millisecond
	settings.RetryMaxDelay = 100 * time.Millisecond
	settings.InvokeTimeout = 2 * time.Second
	return settings
}
