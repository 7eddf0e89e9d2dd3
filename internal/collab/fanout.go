package collab

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"docagent/api/internal/protocol"
)

const (
	channelPrefix = "docagent:room:"
	publishBuffer = 1024
)

type outbound struct {
	room string
	data []byte
}

// fanout relays room traffic between endpoint instances over Redis pub/sub.
// Every instance publishes the changes its own clients make and applies the
// changes of others to the rooms it has loaded.
type fanout struct {
	server *Server
	client *redis.Client
	logger *zap.Logger
	out    chan outbound

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool
	wg     sync.WaitGroup
}

func newFanout(s *Server, client *redis.Client) *fanout {
	return &fanout{
		server: s,
		client: client,
		logger: s.logger.Named("fanout"),
		out:    make(chan outbound, publishBuffer),
	}
}

// start subscribes and returns once the subscription is confirmed.
func (f *fanout) start(ctx context.Context) error {
	pubsub := f.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe room channels: %w", err)
	}
	f.mu.Lock()
	f.pubsub = pubsub
	f.mu.Unlock()

	f.wg.Add(2)
	go f.receiveLoop(pubsub.Channel())
	go f.publishLoop()
	return nil
}

// publish queues msg for the other instances. It never blocks the caller.
func (f *fanout) publish(room string, msg protocol.Message) {
	msg.Origin = f.server.opts.InstanceID
	data, err := protocol.Encode(msg)
	if err != nil {
		f.logger.Error("encode relayed message", zap.Error(err))
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.pubsub == nil {
		return
	}
	select {
	case f.out <- outbound{room: room, data: data}:
	default:
		f.logger.Warn("publish queue full, dropping message", zap.String("room", room))
	}
}

func (f *fanout) publishLoop() {
	defer f.wg.Done()
	for m := range f.out {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := f.client.Publish(ctx, channelPrefix+m.room, m.data).Err(); err != nil {
			f.logger.Warn("publish room message", zap.String("room", m.room), zap.Error(err))
		}
		cancel()
	}
}

func (f *fanout) receiveLoop(ch <-chan *redis.Message) {
	defer f.wg.Done()
	for raw := range ch {
		msg, err := protocol.Decode([]byte(raw.Payload))
		if err != nil {
			f.logger.Warn("dropping relayed message", zap.Error(err))
			continue
		}
		if msg.Origin == f.server.opts.InstanceID {
			continue
		}
		name := strings.TrimPrefix(raw.Channel, channelPrefix)
		if r, ok := f.server.loaded(name); ok {
			r.applyRemote(msg)
		}
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	if f.closed || f.pubsub == nil {
		f.closed = true
		f.mu.Unlock()
		return
	}
	f.closed = true
	pubsub := f.pubsub
	close(f.out)
	f.mu.Unlock()

	_ = pubsub.Close()
	f.wg.Wait()
}
