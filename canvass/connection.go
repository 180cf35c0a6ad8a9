package canvass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// the hub is a single websocket endpoint that multiplexes rpc invokes
// and server pushed change events over json frames
// an empty message in either direction is a ping

const HubPath = "/datahub"

const SendBufferSize = 8
const EventBufferSize = 32

const (
	frameTypeInvoke = "invoke"
	frameTypeResult = "result"
	frameTypeEvent  = "event"
)

type hubFrame struct {
	Type    string          `json:"type"`
	Id      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Args    []any           `json:"args,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Event   EventName       `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var ErrNotConnected = errors.New("Not connected.")

// RpcError is the typed failure surfaced for a remote invoke.
// Raw transport errors never cross the invoke boundary.
type RpcError struct {
	Method string
	Err    error
}

func (self *RpcError) Error() string {
	return fmt.Sprintf("%s: %s", self.Method, self.Err)
}

func (self *RpcError) Unwrap() error {
	return self.Err
}

type StateFunction = func(state ConnectionState)

type ConnectionManagerSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration
	InvokeTimeout      time.Duration

	RetryInitialDelay   time.Duration
	RetryMaxDelay       time.Duration
	RetryMultiplier     float64
	RetryAttemptCeiling int
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	return &ConnectionManagerSettings{
		WsHandshakeTimeout:  2 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
		PingTimeout:         1 * time.Second,
		InvokeTimeout:       15 * time.Second,
		RetryInitialDelay:   1000 * time.Millisecond,
		RetryMaxDelay:       30000 * time.Millisecond,
		RetryMultiplier:     1.5,
		RetryAttemptCeiling: 10,
	}
}

// ConnectionManager owns exactly one logical connection to the hub.
// Connection failures are never fatal. They degrade to a background
// retry loop that settles into the capped delay and never gives up.
type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	hubUrl string
	auth   AuthService

	settings *ConnectionManagerSettings

	backoff *Backoff

	stateLock sync.Mutex
	state     ConnectionState
	// an attempt is in flight
	connecting bool
	// a transient loss has not yet been healed by a successful connect
	reconnectCycle bool
	conn           *websocket.Conn
	send           chan []byte
	connCancel     context.CancelFunc

	retryCancel context.CancelFunc

	nextInvokeId   int
	pendingInvokes map[string]chan *hubFrame

	eventLock      sync.Mutex
	eventCallbacks map[EventName]*CallbackList[EventFunction]
	events         chan *HubEvent

	stateCallbacks *CallbackList[StateFunction]
}

func NewConnectionManagerWithDefaults(
	ctx context.Context,
	hubUrl string,
	auth AuthService,
) *ConnectionManager {
	return NewConnectionManager(ctx, hubUrl, auth, DefaultConnectionManagerSettings())
}

func NewConnectionManager(
	ctx context.Context,
	hubUrl string,
	auth AuthService,
	settings *ConnectionManagerSettings,
) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	connection := &ConnectionManager{
		ctx:      cancelCtx,
		cancel:   cancel,
		hubUrl:   hubUrl,
		auth:     auth,
		settings: settings,
		backoff: NewBackoff(
			settings.RetryInitialDelay,
			settings.RetryMaxDelay,
			settings.RetryMultiplier,
			settings.RetryAttemptCeiling,
		),
		state:          ConnectionStateDisconnected,
		pendingInvokes: map[string]chan *hubFrame{},
		eventCallbacks: map[EventName]*CallbackList[EventFunction]{},
		events:         make(chan *HubEvent, EventBufferSize),
		stateCallbacks: NewCallbackList[StateFunction](),
	}
	go connection.eventLoop()
	return connection
}

// events are dispatched from a single goroutine in delivery order,
// decoupled from the read pump so handlers may invoke back into the hub
func (self *ConnectionManager) eventLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case event := <-self.events:
			self.dispatchEvent(event)
		}
	}
}

func (self *ConnectionManager) enqueueEvent(event *HubEvent) {
	select {
	case <-self.ctx.Done():
	case self.events <- event:
	}
}

func (self *ConnectionManager) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *ConnectionManager) AddStateChangeCallback(callback StateFunction) func() {
	callbackId := self.stateCallbacks.Add(callback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *ConnectionManager) notifyState(state ConnectionState) {
	for _, callback := range self.stateCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[hub]state callback panic = %s\n", r)
				}
			}()
			callback(state)
		}()
	}
}

// On registers a handler for a hub event and returns a function that
// removes exactly that handler. Handlers run in registration order.
func (self *ConnectionManager) On(event EventName, callback EventFunction) func() {
	self.eventLock.Lock()
	callbacks, ok := self.eventCallbacks[event]
	if !ok {
		callbacks = NewCallbackList[EventFunction]()
		self.eventCallbacks[event] = callbacks
	}
	self.eventLock.Unlock()

	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *ConnectionManager) dispatchEvent(event *HubEvent) {
	self.eventLock.Lock()
	callbacks := self.eventCallbacks[event.Name]
	self.eventLock.Unlock()

	if callbacks == nil {
		return
	}
	for _, callback := range callbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[hub]event callback panic %s = %s\n", event.Name, r)
				}
			}()
			callback(event)
		}()
	}
}

// Connect opens the hub connection. No-op when already connected or an
// attempt is in flight. On failure the `disconnected` event is dispatched
// and the background retry loop is armed. Success is silent.
func (self *ConnectionManager) Connect(ctx context.Context) error {
	self.stateLock.Lock()
	if self.state.IsConnected() || self.connecting {
		self.stateLock.Unlock()
		return nil
	}
	self.connecting = true
	wasReconnecting := self.state == ConnectionStateReconnecting
	if !wasReconnecting {
		self.state = ConnectionStateConnecting
	}
	self.stateLock.Unlock()
	if !wasReconnecting {
		self.notifyState(ConnectionStateConnecting)
	}

	err := self.dial(ctx)

	self.stateLock.Lock()
	self.connecting = false
	reconnected := false
	if err == nil {
		self.state = ConnectionStateConnected
		reconnected = self.reconnectCycle
		self.reconnectCycle = false
	} else {
		self.state = ConnectionStateDisconnected
	}
	self.stateLock.Unlock()

	if err != nil {
		glog.V(1).Infof("[hub]connect error = %s\n", err)
		self.notifyState(ConnectionStateDisconnected)
		self.enqueueEvent(&HubEvent{Name: EventDisconnected})
		self.armRetry()
		return err
	}

	self.backoff.Reset()
	self.stopRetry()
	self.notifyState(ConnectionStateConnected)
	if reconnected {
		self.enqueueEvent(&HubEvent{Name: EventReconnected})
	}
	return nil
}

func (self *ConnectionManager) dial(ctx context.Context) error {
	// the token is evaluated on every (re)connect attempt
	token, err := self.auth.Token(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return ErrAuthRequired
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	header.Add("Authorization", fmt.Sprintf("Bearer %s", token))

	ws, _, err := dialer.DialContext(ctx, self.hubUrl, header)
	if err != nil {
		return err
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	send := make(chan []byte, SendBufferSize)

	self.stateLock.Lock()
	self.conn = ws
	self.send = send
	self.connCancel = handleCancel
	self.stateLock.Unlock()

	go self.writePump(handleCtx, handleCancel, ws, send)
	go self.readPump(handleCtx, handleCancel, ws)

	return nil
}

func (self *ConnectionManager) writePump(
	handleCtx context.Context,
	handleCancel context.CancelFunc,
	ws *websocket.Conn,
	send chan []byte,
) {
	defer handleCancel()

	for {
		select {
		case <-handleCtx.Done():
			return
		case message, ok := <-send:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.V(1).Infof("[hub]-> error = %s\n", err)
				return
			}
			glog.V(2).Infof("[hub]->\n")
		case <-time.After(self.settings.PingTimeout):
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *ConnectionManager) readPump(
	handleCtx context.Context,
	handleCancel context.CancelFunc,
	ws *websocket.Conn,
) {
	defer func() {
		handleCancel()
		self.connectionLost(ws)
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[hub]<- error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[hub]ping<-\n")
				continue
			}

			frame := &hubFrame{}
			if err := json.Unmarshal(message, frame); err != nil {
				glog.Infof("[hub]bad frame = %s\n", err)
				continue
			}

			switch frame.Type {
			case frameTypeResult:
				self.deliverResult(frame)
			case frameTypeEvent:
				glog.V(2).Infof("[hub]event %s<-\n", frame.Event)
				self.enqueueEvent(&HubEvent{
					Name:    frame.Event,
					Payload: frame.Payload,
				})
			default:
				glog.V(2).Infof("[hub]other=%s<-\n", frame.Type)
			}
		}
	}
}

// connectionLost tears down the live connection state after a pump exits.
// Transient loss arms the retry loop. Loss after `Disconnect` or `Close`
// stays down.
func (self *ConnectionManager) connectionLost(ws *websocket.Conn) {
	self.stateLock.Lock()
	if self.conn != ws {
		// already torn down
		self.stateLock.Unlock()
		return
	}
	self.conn = nil
	self.send = nil
	connCancel := self.connCancel
	self.connCancel = nil
	pending := self.pendingInvokes
	self.pendingInvokes = map[string]chan *hubFrame{}
	down := self.ctx.Err() != nil
	if down {
		self.state = ConnectionStateDisconnected
	} else {
		self.state = ConnectionStateReconnecting
		self.reconnectCycle = true
	}
	self.stateLock.Unlock()

	if connCancel != nil {
		connCancel()
	}
	ws.Close()
	for _, result := range pending {
		close(result)
	}

	if down {
		self.notifyState(ConnectionStateDisconnected)
		return
	}
	glog.V(1).Infof("[hub]connection lost\n")
	self.notifyState(ConnectionStateReconnecting)
	self.enqueueEvent(&HubEvent{Name: EventReconnecting})
	self.armRetry()
}

// Disconnect stops the background retry loop and closes the live
// connection. Idempotent. `Connect` may be called again afterwards.
func (self *ConnectionManager) Disconnect() {
	self.stopRetry()

	self.stateLock.Lock()
	ws := self.conn
	connCancel := self.connCancel
	self.conn = nil
	self.send = nil
	self.connCancel = nil
	pending := self.pendingInvokes
	self.pendingInvokes = map[string]chan *hubFrame{}
	changed := self.state != ConnectionStateDisconnected
	self.state = ConnectionStateDisconnected
	self.reconnectCycle = false
	self.stateLock.Unlock()

	if connCancel != nil {
		connCancel()
	}
	if ws != nil {
		ws.Close()
	}
	for _, result := range pending {
		close(result)
	}
	if changed {
		self.notifyState(ConnectionStateDisconnected)
	}
}

// Close permanently tears down the manager and halts all background activity.
func (self *ConnectionManager) Close() {
	self.cancel()
	self.Disconnect()
}

func (self *ConnectionManager) armRetry() {
	self.stateLock.Lock()
	if self.retryCancel != nil || self.ctx.Err() != nil {
		self.stateLock.Unlock()
		return
	}
	retryCtx, retryCancel := context.WithCancel(self.ctx)
	self.retryCancel = retryCancel
	self.stateLock.Unlock()

	go self.retryLoop(retryCtx)
}

func (self *ConnectionManager) stopRetry() {
	self.stateLock.Lock()
	retryCancel := self.retryCancel
	self.retryCancel = nil
	self.stateLock.Unlock()

	if retryCancel != nil {
		retryCancel()
	}
}

func (self *ConnectionManager) retryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.backoff.Delay()):
		}

		if self.State().IsConnected() {
			self.stopRetry()
			return
		}

		err := self.Connect(ctx)
		if self.State().IsConnected() {
			self.stopRetry()
			return
		}
		if err == nil {
			// another attempt was in flight and connect no-oped.
			// its outcome is unknown here. check again next tick.
			continue
		}
		delay := self.backoff.Fail()
		glog.V(1).Infof("[hub]retry in %s\n", delay)
	}
}

// Invoke calls a remote hub method and returns the raw json result.
// When not connected it first attempts `Connect`. Failures surface as
// `*RpcError` so callers can fall back to the rest api.
func (self *ConnectionManager) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	if !self.State().IsConnected() {
		if err := self.Connect(ctx); err != nil {
			return nil, &RpcError{Method: method, Err: err}
		}
	}

	self.stateLock.Lock()
	send := self.send
	if send == nil {
		self.stateLock.Unlock()
		return nil, &RpcError{Method: method, Err: ErrNotConnected}
	}
	invokeId := fmt.Sprintf("%d", self.nextInvokeId)
	self.nextInvokeId += 1
	result := make(chan *hubFrame, 1)
	self.pendingInvokes[invokeId] = result
	self.stateLock.Unlock()

	defer self.removePending(invokeId)

	frame := &hubFrame{
		Type:   frameTypeInvoke,
		Id:     invokeId,
		Method: method,
		Args:   args,
	}
	message, err := json.Marshal(frame)
	if err != nil {
		return nil, &RpcError{Method: method, Err: err}
	}

	select {
	case send <- message:
	case <-ctx.Done():
		return nil, &RpcError{Method: method, Err: ctx.Err()}
	case <-self.ctx.Done():
		return nil, &RpcError{Method: method, Err: ErrNotConnected}
	case <-time.After(self.settings.WriteTimeout):
		return nil, &RpcError{Method: method, Err: errors.New("Send buffer full.")}
	}

	select {
	case resultFrame, ok := <-result:
		if !ok {
			// connection lost while waiting
			return nil, &RpcError{Method: method, Err: ErrNotConnected}
		}
		if resultFrame.Error != "" {
			return nil, &RpcError{Method: method, Err: errors.New(resultFrame.Error)}
		}
		return resultFrame.Result, nil
	case <-ctx.Done():
		return nil, &RpcError{Method: method, Err: ctx.Err()}
	case <-time.After(self.settings.InvokeTimeout):
		return nil, &RpcError{Method: method, Err: errors.New("Invoke timeout.")}
	}
}

func (self *ConnectionManager) removePending(invokeId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.pendingInvokes, invokeId)
}

func (self *ConnectionManager) deliverResult(frame *hubFrame) {
	self.stateLock.Lock()
	result, ok := self.pendingInvokes[frame.Id]
	if ok {
		delete(self.pendingInvokes, frame.Id)
	}
	self.stateLock.Unlock()

	if ok {
		result <- frame
	} else {
		glog.V(1).Infof("[hub]drop result %s<-\n", frame.Id)
	}
}

type groupArgs struct {
	CompanyId Id `json:"companyId"`
}

// group membership scopes which push events the server broadcasts to
// this client. no-ops when not connected. membership is re-established
// by the store on the `reconnected` event.

func (self *ConnectionManager) JoinCompanyGroup(ctx context.Context, companyId Id) error {
	if !self.State().IsConnected() {
		return nil
	}
	_, err := self.Invoke(ctx, "JoinCompanyGroup", &groupArgs{CompanyId: companyId})
	return err
}

func (self *ConnectionManager) LeaveCompanyGroup(ctx context.Context, companyId Id) error {
	if !self.State().IsConnected() {
		return nil
	}
	_, err := self.Invoke(ctx, "LeaveCompanyGroup", &groupArgs{CompanyId: companyId})
	return err
}

func (self *ConnectionManager) JoinAdminGroup(ctx context.Context) error {
	if !self.State().IsConnected() {
		return nil
	}
	_, err := self.Invoke(ctx, "JoinAdminGroup")
	return err
}

func (self *ConnectionManager) LeaveAdminGroup(ctx context.Context) error {
	if !self.State().IsConnected() {
		return nil
	}
	_, err := self.Invoke(ctx, "LeaveAdminGroup")
	return err
}
