package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"

	"workshop_rt/server/common/log"
)

const (
	DefaultFanoutChannel = "workshop:session:fanout"

	fanoutTargetGroup = "group"
	fanoutTargetActor = "actor"
)

type fanoutMessage struct {
	Kind   string          `json:"kind"`
	Target string          `json:"target"`
	Frame  json.RawMessage `json:"frame"`
}

// RedisFanout relays broadcasts between instances over a Redis pub/sub
// channel. Each instance, including the publisher, delivers to its own
// sessions when the message comes back.
type RedisFanout struct {
	mu      sync.Mutex
	client  *redis.Client
	channel string
	sub     *redis.PubSub
	cancel  context.CancelFunc
	logger  log.Logger
}

func NewRedisFanout(client *redis.Client, channel string, logger log.Logger) *RedisFanout {
	if channel == "" {
		channel = DefaultFanoutChannel
	}
	return &RedisFanout{client: client, channel: channel, logger: log.OrNop(logger)}
}

// Start subscribes and begins delivering relayed frames into r. It also
// attaches the fanout to r.
func (f *RedisFanout) Start(ctx context.Context, r *Registry) error {
	f.mu.Lock()
	if f.client == nil {
		f.mu.Unlock()
		return errors.New("redis client is nil")
	}
	if f.sub != nil {
		f.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := f.client.Subscribe(subCtx, f.channel)
	if _, err := sub.Receive(subCtx); err != nil {
		cancel()
		_ = sub.Close()
		f.mu.Unlock()
		return err
	}
	f.sub = sub
	f.cancel = cancel
	f.mu.Unlock()

	r.UseFanout(f)
	go f.consume(subCtx, sub, r)
	f.logger.Infof("event=session_fanout action=subscribe status=ok channel=%s", f.channel)
	return nil
}

func (f *RedisFanout) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	if f.sub != nil {
		_ = f.sub.Close()
		f.sub = nil
	}
}

// Publish reports whether the frame was handed to Redis. On false the
// caller delivers locally.
func (f *RedisFanout) Publish(ctx context.Context, kind, target string, frame []byte) bool {
	f.mu.Lock()
	active := f.sub != nil
	f.mu.Unlock()
	if !active {
		return false
	}
	b, err := json.Marshal(fanoutMessage{Kind: kind, Target: target, Frame: frame})
	if err != nil {
		return false
	}
	if err := f.client.Publish(ctx, f.channel, b).Err(); err != nil {
		f.logger.Warnf("event=session_fanout action=publish status=failed kind=%s target=%s error=%v", kind, target, err)
		return false
	}
	return true
}

func (f *RedisFanout) consume(ctx context.Context, sub *redis.PubSub, r *Registry) {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		var m fanoutMessage
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			f.logger.Warnf("event=session_fanout action=consume status=invalid error=%v", err)
			continue
		}
		if m.Kind != fanoutTargetGroup && m.Kind != fanoutTargetActor {
			continue
		}
		count := r.deliverLocal(m.Kind, m.Target, m.Frame)
		f.logger.Debugf("event=session_fanout action=consume status=ok kind=%s target=%s fanout_count=%d", m.Kind, m.Target, count)
	}
}
