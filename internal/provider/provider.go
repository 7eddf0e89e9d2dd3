// Package provider connects a replicated document and its awareness to a
// collaboration endpoint over a websocket.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"docagent/api/internal/awareness"
	"docagent/api/internal/crdt"
	"docagent/api/internal/protocol"
)

const (
	defaultMaxBackoff        = 5 * time.Second
	defaultSendBuffer        = 1024
	defaultAwarenessInterval = awareness.OutdatedTimeout / 10
	writeWait                = 10 * time.Second
)

var ErrAlreadyStarted = errors.New("provider already started")

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

type Options struct {
	Dialer            *websocket.Dialer
	Header            http.Header
	Logger            *zap.Logger
	MaxBackoff        time.Duration
	SendBuffer        int
	AwarenessInterval time.Duration
}

// Provider keeps one document replica in sync with a room on the
// collaboration endpoint. Remote messages are applied while holding lock, the
// same lock the owner takes for local edits.
type Provider struct {
	url               string
	doc               *crdt.Doc
	aw                *awareness.Awareness
	lock              sync.Locker
	dialer            *websocket.Dialer
	header            http.Header
	logger            *zap.Logger
	maxBackoff        time.Duration
	awarenessInterval time.Duration

	send     chan []byte
	synced   chan struct{}
	syncOnce sync.Once

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	destroyOnce sync.Once

	mu        sync.Mutex
	status    Status
	started   bool
	unobserve []func()
}

// New prepares a provider for room on endpoint (http, https, ws or wss). It
// must be created while the caller has exclusive access to doc.
func New(endpoint, room string, doc *crdt.Doc, aw *awareness.Awareness, lock sync.Locker, opts Options) (*Provider, error) {
	target, err := RoomURL(endpoint, room)
	if err != nil {
		return nil, err
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.AwarenessInterval <= 0 {
		opts.AwarenessInterval = defaultAwarenessInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		url:               target,
		doc:               doc,
		aw:                aw,
		lock:              lock,
		dialer:            opts.Dialer,
		header:            opts.Header,
		logger:            opts.Logger.With(zap.String("room", room)),
		maxBackoff:        opts.MaxBackoff,
		awarenessInterval: opts.AwarenessInterval,
		send:              make(chan []byte, opts.SendBuffer),
		synced:            make(chan struct{}),
		ctx:               ctx,
		cancel:            cancel,
		status:            StatusDisconnected,
	}
	p.unobserve = append(p.unobserve,
		doc.OnUpdate(p.onDocUpdate),
		aw.OnChange(p.onAwarenessChange),
	)
	return p, nil
}

// RoomURL derives the websocket URL of room on endpoint.
func RoomURL(endpoint, room string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse collaboration url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("parse collaboration url: unsupported scheme %q", u.Scheme)
	}
	if room == "" {
		return "", errors.New("parse collaboration url: empty room")
	}
	return u.JoinPath(url.PathEscape(room)).String(), nil
}

func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// Connect dials the endpoint, retrying with backoff until ctx is done, and
// starts the connection loop. It does not wait for the initial sync.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.status = StatusConnecting
	p.mu.Unlock()

	conn, err := p.dial(ctx)
	if err != nil {
		p.setStatus(StatusDisconnected)
		return err
	}
	p.wg.Add(2)
	go p.run(conn)
	go p.heartbeat()
	return nil
}

// WaitSynced blocks until the initial sync completed or ctx is done.
func (p *Provider) WaitSynced(ctx context.Context) error {
	select {
	case <-p.synced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy flushes queued messages, closes the connection and detaches from
// the doc and awareness. It is safe to call more than once.
func (p *Provider) Destroy() {
	p.destroyOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		p.lock.Lock()
		for _, fn := range p.unobserve {
			fn()
		}
		p.lock.Unlock()
		p.setStatus(StatusDisconnected)
	})
}

func (p *Provider) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	attempt := 0
	op := func() error {
		attempt++
		c, resp, err := p.dialer.DialContext(ctx, p.url, p.header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("handshake rejected with %s: %w", resp.Status, err))
			}
			p.logger.Debug("dial failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		conn = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = p.maxBackoff
	b.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("connect %s: %w", p.url, err)
	}
	return conn, nil
}

func (p *Provider) run(conn *websocket.Conn) {
	defer p.wg.Done()
	for {
		p.serve(conn)
		if p.ctx.Err() != nil {
			return
		}
		p.setStatus(StatusConnecting)
		p.logger.Warn("collaboration connection lost, reconnecting")
		var err error
		conn, err = p.dial(p.ctx)
		if err != nil {
			p.setStatus(StatusDisconnected)
			return
		}
	}
}

func (p *Provider) heartbeat() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.awarenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.aw.CheckOutdated()
		}
	}
}

func (p *Provider) serve(conn *websocket.Conn) {
	p.setStatus(StatusConnected)
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.writeLoop(conn, done)
	}()

	p.lock.Lock()
	step1 := protocol.SyncStep1(p.doc)
	p.lock.Unlock()
	p.enqueue(step1)
	if p.aw.LocalState() != nil {
		if u, err := p.aw.Encode([]uint64{p.aw.ClientID()}); err == nil {
			p.enqueue(protocol.AwarenessMessage(u))
		}
	}

	p.readLoop(conn)
	close(done)
	<-writerDone
	_ = conn.Close()
}

func (p *Provider) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if p.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Warn("collaboration read failed", zap.Error(err))
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			p.logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		p.handle(msg)
	}
}

func (p *Provider) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeSyncStep1, protocol.TypeSyncStep2, protocol.TypeUpdate:
		p.lock.Lock()
		reply, err := protocol.HandleSync(p.doc, msg, p)
		p.lock.Unlock()
		if err != nil {
			p.logger.Warn("sync message rejected", zap.String("type", string(msg.Type)), zap.Error(err))
			return
		}
		if reply != nil {
			p.enqueue(*reply)
		}
		if msg.Type == protocol.TypeSyncStep2 {
			p.syncOnce.Do(func() {
				p.logger.Debug("initial sync complete")
				close(p.synced)
			})
		}
	case protocol.TypeAwareness:
		if err := p.aw.Apply(*msg.Awareness, p); err != nil {
			p.logger.Warn("awareness update rejected", zap.Error(err))
		}
	case protocol.TypeQueryAwareness:
		if u, err := p.aw.EncodeAll(); err == nil {
			p.enqueue(protocol.AwarenessMessage(u))
		}
	}
}

func (p *Provider) writeLoop(conn *websocket.Conn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-p.ctx.Done():
			p.flush(conn)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case data := <-p.send:
			if err := p.write(conn, data); err != nil {
				p.logger.Warn("collaboration write failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (p *Provider) flush(conn *websocket.Conn) {
	for {
		select {
		case data := <-p.send:
			if err := p.write(conn, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *Provider) write(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (p *Provider) enqueue(m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		p.logger.Error("encode outgoing message", zap.Error(err))
		return
	}
	select {
	case p.send <- data:
	default:
		p.logger.Warn("send buffer full, dropping message", zap.String("type", string(m.Type)))
	}
}

// onDocUpdate runs under the owner's lock and only queues.
func (p *Provider) onDocUpdate(u crdt.Update, origin any) {
	if origin == p {
		return
	}
	p.enqueue(protocol.UpdateMessage(u))
}

func (p *Provider) onAwarenessChange(c awareness.Change, origin any) {
	if origin != awareness.OriginLocal {
		return
	}
	u, err := p.aw.Encode(c.All())
	if err != nil {
		p.logger.Warn("encode awareness", zap.Error(err))
		return
	}
	p.enqueue(protocol.AwarenessMessage(u))
}
