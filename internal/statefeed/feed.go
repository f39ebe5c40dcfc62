// Package statefeed pushes engine state to WebSocket clients and accepts ride
// commands from them.
package statefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lowaak/smart-trainer/erg-engine/internal/engine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/go_func_utils"
)

// Controller is the part of the engine the feed drives.
type Controller interface {
	ListenToState(ch chan<- engine.State) func()
	Start() error
	Pause() error
	Resume() error
	Stop() error
	SkipForward() error
	SkipBackward() error
	AdjustPowerOffset(delta int) error
}

// Message is the envelope for both directions.
type Message struct {
	Type    string        `json:"type"`
	State   *engine.State `json:"state,omitempty"`
	Delta   int           `json:"delta,omitempty"`
	Command string        `json:"command,omitempty"`
	Error   string        `json:"error,omitempty"`
}

const (
	TypeState             = "state"
	TypeError             = "error"
	TypeStart             = "start"
	TypePause             = "pause"
	TypeResume            = "resume"
	TypeStop              = "stop"
	TypeSkipForward       = "skipForward"
	TypeSkipBackward      = "skipBackward"
	TypeAdjustPowerOffset = "adjustPowerOffset"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrOffsetDelta    = errors.New("power offset change out of range")
)

// MaxOffsetDelta bounds a single adjustPowerOffset command.
const MaxOffsetDelta = 50

const (
	// sendDepth is how many messages a client may lag behind before it is dropped.
	sendDepth  = 16
	stateDepth = 16
	writeWait  = 5 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Feed fans engine states out to every connected client.
type Feed struct {
	logger   *log.Logger
	ctl      Controller
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	last    []byte

	states   chan engine.State
	unlisten func()
	quit     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	server   *http.Server
}

func New(logger *log.Logger, ctl Controller) *Feed {
	if logger == nil {
		panic("Feed: logger cannot be nil")
	}
	f := &Feed{
		logger:   logger,
		ctl:      ctl,
		// The zero CheckOrigin rejects browser pages served from another host.
		upgrader: websocket.Upgrader{},
		clients:  make(map[*client]struct{}),
		states:   make(chan engine.State, stateDepth),
		quit:     make(chan struct{}),
	}
	f.unlisten = ctl.ListenToState(f.states)
	go_func_utils.SafeGoWG(logger, &f.wg, f.broadcastLoop)
	return f
}

// Handler serves GET /ws.
func (f *Feed) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.handleWebSocket)
	return mux
}

// ListenAndServe serves the feed on addr in the background until Shutdown.
func (f *Feed) ListenAndServe(addr string) {
	f.server = &http.Server{Addr: addr, Handler: f.Handler(), ReadHeaderTimeout: 5 * time.Second}
	server := f.server
	go_func_utils.SafeGoWG(f.logger, &f.wg, func() {
		f.logger.Printf("Feed: serving ws://%s/ws", server.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			f.logger.Printf("Feed: server error: %v", err)
		}
	})
}

// Shutdown stops the server, drops every client and waits for the feed's
// goroutines.
func (f *Feed) Shutdown() {
	f.once.Do(func() {
		f.unlisten()
		close(f.quit)
		if f.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			defer cancel()
			if err := f.server.Shutdown(ctx); err != nil {
				f.logger.Printf("Feed: error shutting down server: %v", err)
			}
		}
		f.mu.Lock()
		for c := range f.clients {
			_ = c.conn.Close()
		}
		f.mu.Unlock()
		f.wg.Wait()
	})
}

func (f *Feed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *Feed) broadcastLoop() {
	for {
		select {
		case <-f.quit:
			return
		case st := <-f.states:
			msg, err := json.Marshal(Message{Type: TypeState, State: &st})
			if err != nil {
				f.logger.Printf("Feed: cannot encode state: %v", err)
				continue
			}
			f.broadcast(msg)
		}
	}
}

func (f *Feed) broadcast(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = msg
	for c := range f.clients {
		select {
		case c.send <- msg:
		default:
			f.logger.Printf("Feed: dropping slow client %s", c.conn.RemoteAddr())
			delete(f.clients, c)
			c.close()
		}
	}
}

func (f *Feed) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Printf("Feed: upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendDepth)}

	f.mu.Lock()
	select {
	case <-f.quit:
		f.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	f.clients[c] = struct{}{}
	if f.last != nil {
		c.send <- f.last
	}
	// Registered under mu so Shutdown cannot start waiting before the writer is counted.
	go_func_utils.SafeGoWG(f.logger, &f.wg, func() { f.writeLoop(c) })
	f.mu.Unlock()
	f.logger.Printf("Feed: client connected: %s", conn.RemoteAddr())

	defer func() {
		f.mu.Lock()
		if _, ok := f.clients[c]; ok {
			delete(f.clients, c)
			c.close()
		}
		f.mu.Unlock()
		_ = conn.Close()
		f.logger.Printf("Feed: client disconnected: %s", conn.RemoteAddr())
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if err := f.dispatch(msg); err != nil {
			f.logger.Printf("Feed: %s failed: %v", msg.Type, err)
			reply, _ := json.Marshal(Message{Type: TypeError, Command: msg.Type, Error: err.Error()})
			f.mu.Lock()
			if _, ok := f.clients[c]; ok {
				select {
				case c.send <- reply:
				default:
				}
			}
			f.mu.Unlock()
		}
	}
}

func (f *Feed) writeLoop(c *client) {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			_ = c.conn.Close()
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	_ = c.conn.Close()
}

func (f *Feed) dispatch(msg Message) error {
	switch msg.Type {
	case TypeStart:
		return f.ctl.Start()
	case TypePause:
		return f.ctl.Pause()
	case TypeResume:
		return f.ctl.Resume()
	case TypeStop:
		return f.ctl.Stop()
	case TypeSkipForward:
		return f.ctl.SkipForward()
	case TypeSkipBackward:
		return f.ctl.SkipBackward()
	case TypeAdjustPowerOffset:
		if msg.Delta < -MaxOffsetDelta || msg.Delta > MaxOffsetDelta {
			return fmt.Errorf("%w: %d W", ErrOffsetDelta, msg.Delta)
		}
		return f.ctl.AdjustPowerOffset(msg.Delta)
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Type)
}
