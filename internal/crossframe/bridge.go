package crossframe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"chronicle/annotator/internal/util"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

var ErrBridgeClosed = errors.New("crossframe: bridge closed")

// Message is one frame on the wire. Calls carry Method and Params; replies
// carry Reply, the ID of the call and either Result or Error. Calls without
// an ID expect no reply.
type Message struct {
	ID     uint64            `json:"id,omitempty"`
	Method string            `json:"method,omitempty"`
	Params []json.RawMessage `json:"params,omitempty"`
	Reply  bool              `json:"reply,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *Error            `json:"error,omitempty"`
}

// Bridge is a Caller and Receiver over websocket connections. Calls go to
// every connected peer; a request completes with the first reply.
type Bridge struct {
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	handlers  map[string]Handler
	onConnect []func(ctx context.Context)
	peers     map[*peer]struct{}
	pending   map[uint64]chan Message
	nextID    uint64
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
}

type peer struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	// calls feeds the peer's incoming calls to serve one at a time, in the
	// order they arrived. Only readPump sends on it.
	calls  chan Message
	bridge *Bridge
	once   sync.Once
}

func NewBridge(logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		handlers: make(map[string]Handler),
		peers:    make(map[*peer]struct{}),
		pending:  make(map[uint64]chan Message),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// CheckOrigin restricts which sidebar origins may connect.
func (b *Bridge) CheckOrigin(fn func(r *http.Request) bool) {
	b.upgrader.CheckOrigin = fn
}

func (b *Bridge) On(method string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = h
}

func (b *Bridge) OnConnect(fn func(ctx context.Context)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnect = append(b.onConnect, fn)
}

// Handler upgrades sidebar connections.
func (b *Bridge) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Printf("bridge upgrade failed: %v", err)
			return
		}
		if err := b.attach(conn); err != nil {
			conn.Close()
		}
	})
}

// Dial connects to a peer serving Handler.
func (b *Bridge) Dial(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	if err := b.attach(conn); err != nil {
		conn.Close()
		return err
	}
	return nil
}

func (b *Bridge) attach(conn *websocket.Conn) error {
	p := &peer{
		id:     util.NewID("peer"),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		calls:  make(chan Message, sendBuffer),
		bridge: b,
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	b.peers[p] = struct{}{}
	callbacks := append([]func(context.Context){}, b.onConnect...)
	b.mu.Unlock()

	go p.writePump()
	go p.serve()
	go p.readPump()
	for _, fn := range callbacks {
		go fn(b.ctx)
	}
	return nil
}

// PeerCount returns the number of connected peers.
func (b *Bridge) PeerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

func (b *Bridge) broadcast(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Method, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBridgeClosed
	}
	for p := range b.peers {
		select {
		case p.send <- data:
		default:
			b.logger.Printf("bridge peer %s send buffer full, dropping %s", p.id, msg.Method)
		}
	}
	return nil
}

func encodeArgs(args []any) ([]json.RawMessage, error) {
	params := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		params = append(params, raw)
	}
	return params, nil
}

func (b *Bridge) Call(ctx context.Context, method string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params, err := encodeArgs(args)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	return b.broadcast(Message{Method: method, Params: params})
}

func (b *Bridge) Request(ctx context.Context, method string, result any, args ...any) error {
	params, err := encodeArgs(args)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	replies := make(chan Message, 1)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.pending[id] = replies
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if err := b.broadcast(Message{ID: id, Method: method, Params: params}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrBridgeClosed
	case reply := <-replies:
		if reply.Error != nil {
			return reply.Error
		}
		if result == nil || len(reply.Result) == 0 {
			return nil
		}
		return json.Unmarshal(reply.Result, result)
	}
}

func (b *Bridge) deliver(p *peer, msg Message) {
	if msg.Reply {
		b.mu.Lock()
		ch, ok := b.pending[msg.ID]
		b.mu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
		return
	}

	b.mu.Lock()
	h, ok := b.handlers[msg.Method]
	b.mu.Unlock()
	reply := Message{ID: msg.ID, Reply: true}
	if !ok {
		reply.Error = protocolError(CodeMethodNotFound, fmt.Sprintf("no handler for %q", msg.Method), nil)
	} else {
		result, err := b.invoke(h, msg)
		if err != nil {
			reply.Error = AsError(err)
		} else if result != nil {
			raw, err := json.Marshal(result)
			if err != nil {
				reply.Error = protocolError(CodeHandlerFailed, err.Error(), nil)
			} else {
				reply.Result = raw
			}
		}
	}
	if reply.Error != nil {
		b.logger.Printf("bridge %s from %s: %v", msg.Method, p.id, reply.Error)
	}
	if msg.ID == 0 {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		b.logger.Printf("bridge encode reply: %v", err)
		return
	}
	p.enqueue(data)
}

func (b *Bridge) invoke(h Handler, msg Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = protocolError(CodeHandlerFailed, fmt.Sprintf("panic in %s: %v", msg.Method, r), nil)
		}
	}()
	return h(b.ctx, msg.Params)
}

func (b *Bridge) detach(p *peer) {
	b.mu.Lock()
	delete(b.peers, p)
	b.mu.Unlock()
	p.close()
}

// Destroy closes every connection. Pending requests fail with
// ErrBridgeClosed.
func (b *Bridge) Destroy() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	peers := make([]*peer, 0, len(b.peers))
	for p := range b.peers {
		peers = append(peers, p)
	}
	b.peers = make(map[*peer]struct{})
	b.mu.Unlock()
	b.cancel()
	for _, p := range peers {
		p.close()
	}
}

func (p *peer) enqueue(data []byte) {
	defer func() {
		// send is closed when the peer goes away mid-reply.
		_ = recover()
	}()
	select {
	case p.send <- data:
	default:
		p.bridge.logger.Printf("bridge peer %s send buffer full, dropping reply", p.id)
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.send)
	})
}

// readPump reads frames until the connection fails. Replies are matched to
// their requests right away, so a handler waiting on a request of its own
// does not hold up the reply.
func (p *peer) readPump() {
	defer func() {
		close(p.calls)
		p.bridge.detach(p)
		p.conn.Close()
	}()
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var msg Message
		if err := p.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.bridge.logger.Printf("bridge peer %s closed: %v", p.id, err)
			}
			return
		}
		if msg.Reply {
			p.bridge.deliver(p, msg)
			continue
		}
		p.calls <- msg
	}
}

// serve runs the handlers of the peer's calls one after another.
func (p *peer) serve() {
	for msg := range p.calls {
		p.bridge.deliver(p, msg)
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()
	for {
		select {
		case data, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
