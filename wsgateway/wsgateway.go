// Package wsgateway groups WebSocket observers by call. A call's group is
// started by its first connection and stopped when its last one closes.
//
// Every frame is a JSON envelope {"type", "content"}. The gateway sends
// Event and Response frames; observers send Request frames carrying a call
// action, answered by a Response with the same request_id.
package wsgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"sipgateway/call"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

// Frame types.
const (
	TypeEvent    = "Event"
	TypeRequest  = "Request"
	TypeResponse = "Response"
)

// ActionHandler applies an action requested by an observer of callID.
type ActionHandler func(ctx context.Context, callID string, req call.ActionRequest) call.Result

// Message is the frame envelope.
type Message struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

type outgoing struct {
	Type    string `json:"type"`
	Content any    `json:"content"`
}

// Request asks for an action on the observed call.
type Request struct {
	RequestID uint32             `json:"request_id"`
	Request   call.ActionRequest `json:"request"`
}

// Response answers a Request. RequestID is null when the frame could not
// be read as a Request.
type Response struct {
	RequestID *uint32        `json:"request_id"`
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	Error     call.ErrorKind `json:"error,omitempty"`
	Response  *struct{}      `json:"response,omitempty"`
}

type conn struct {
	id     string
	callID string
	ws     *websocket.Conn
	send   chan []byte
}

// Gateway tracks the WebSocket groups of all calls.
type Gateway struct {
	log     *logrus.Entry
	actions ActionHandler

	mu      sync.Mutex
	groups  map[string]map[string]*conn
	started []func(callID string)
	stopped []func(callID string)
}

// New creates an empty Gateway. Requests from observers go to actions; a
// nil handler answers every request with an error.
func New(log *logrus.Entry, actions ActionHandler) *Gateway {
	return &Gateway{
		log:     log,
		actions: actions,
		groups:  make(map[string]map[string]*conn),
	}
}

// OnStarted subscribes fn to groups gaining their first connection.
func (g *Gateway) OnStarted(fn func(callID string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started = append(g.started, fn)
}

// OnStopped subscribes fn to groups losing their last connection.
func (g *Gateway) OnStopped(fn func(callID string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = append(g.stopped, fn)
}

// Serve joins ws to the group of callID and blocks until the connection
// closes.
func (g *Gateway) Serve(callID, connID string, ws *websocket.Conn) {
	c := &conn{id: connID, callID: callID, ws: ws, send: make(chan []byte, sendBuffer)}
	g.join(callID, c)
	go g.writePump(c)
	g.readPump(c)
	g.leave(callID, c)
}

func (g *Gateway) join(callID string, c *conn) {
	g.mu.Lock()
	group, ok := g.groups[callID]
	if !ok {
		group = make(map[string]*conn)
		g.groups[callID] = group
	}
	group[c.id] = c
	listeners := g.started
	g.mu.Unlock()

	g.log.Infof("ws %s joined call %s", c.id, callID)
	if !ok {
		for _, fn := range listeners {
			fn(callID)
		}
	}
}

func (g *Gateway) leave(callID string, c *conn) {
	g.mu.Lock()
	group := g.groups[callID]
	if _, ok := group[c.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(group, c.id)
	close(c.send)
	empty := len(group) == 0
	if empty {
		delete(g.groups, callID)
	}
	listeners := g.stopped
	g.mu.Unlock()

	g.log.Infof("ws %s left call %s", c.id, callID)
	if empty {
		for _, fn := range listeners {
			fn(callID)
		}
	}
}

func (g *Gateway) readPump(c *conn) {
	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.log.Debugf("ws %s read: %v", c.id, err)
			}
			return
		}
		if kind == websocket.TextMessage {
			g.dispatch(c, data)
		}
	}
}

// dispatch answers malformed frames at once and runs requests on their own
// goroutine so the read loop keeps serving pongs.
func (g *Gateway) dispatch(c *conn, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		g.log.Warnf("ws %s sent unreadable frame: %v", c.id, err)
		g.reply(c, Response{Message: fmt.Sprintf("message parse failure: %v", err)})
		return
	}
	if msg.Type != TypeRequest {
		g.log.Warnf("ws %s sent unsupported frame type %q", c.id, msg.Type)
		g.reply(c, Response{Message: "unsupported type"})
		return
	}
	var req Request
	if err := json.Unmarshal(msg.Content, &req); err != nil {
		g.log.Warnf("ws %s sent unreadable request: %v", c.id, err)
		g.reply(c, Response{Message: fmt.Sprintf("message parse failure: %v", err)})
		return
	}

	id := req.RequestID
	if g.actions == nil {
		g.reply(c, Response{RequestID: &id, Message: "actions are not supported"})
		return
	}
	go func() {
		res := g.actions(context.Background(), c.callID, req.Request)
		g.log.Infof("ws %s request %d on call %s: ok=%v %s", c.id, id, c.callID, res.OK, res.Error)
		out := Response{RequestID: &id, Success: res.OK, Message: res.Message, Error: res.Error}
		if res.OK {
			out.Response = &struct{}{}
		}
		g.reply(c, out)
	}()
}

// reply queues res on c unless c has already left its group.
func (g *Gateway) reply(c *conn, res Response) {
	data, err := json.Marshal(outgoing{Type: TypeResponse, Content: res})
	if err != nil {
		g.log.Warnf("encode ws response for %s: %v", c.id, err)
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.groups[c.callID][c.id] != c {
		return
	}
	select {
	case c.send <- data:
	default:
		g.log.Warnf("ws %s of call %s is slow, dropping response", c.id, c.callID)
	}
}

func (g *Gateway) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				g.log.Debugf("ws %s write: %v", c.id, err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Fire sends payload as an Event frame to every connection of callID.
// Connections whose buffer is full miss the message.
func (g *Gateway) Fire(callID string, payload any) {
	data, err := json.Marshal(outgoing{Type: TypeEvent, Content: payload})
	if err != nil {
		g.log.Warnf("encode ws payload for %s: %v", callID, err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	group, ok := g.groups[callID]
	if !ok {
		g.log.Debugf("no ws group for call %s", callID)
		return
	}
	for _, c := range group {
		select {
		case c.send <- data:
		default:
			g.log.Warnf("ws %s of call %s is slow, dropping message", c.id, callID)
		}
	}
}

// Connections returns the number of live connections for callID.
func (g *Gateway) Connections(callID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.groups[callID])
}
