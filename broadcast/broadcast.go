// Package broadcast links query clients in different processes over
// redis pub/sub: invalidations, removals, and manual data writes on one
// client replay onto the caches of its peers. Peers only apply events
// for keys they already track, so one busy process cannot flood
// another's cache with entries it never asked for.
package broadcast

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/agentuity/go-query/query"
	"github.com/agentuity/go-query/querykey"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "goquery:broadcast"

const (
	typeInvalidate = "invalidate"
	typeRemove     = "remove"
	typeUpdate     = "update"
)

// envelope is the wire format. Data must be msgpack-encodable, which
// manual writes intended for broadcast need to respect.
type envelope struct {
	ClientID string       `msgpack:"clientId"`
	Type     string       `msgpack:"type"`
	Hash     string       `msgpack:"hash"`
	Key      querykey.Key `msgpack:"key"`
	Data     any          `msgpack:"data,omitempty"`
	At       time.Time    `msgpack:"at"`
}

// Config configures a Broadcaster.
type Config struct {
	// Redis is the connection used for both publishing and the
	// subscription.
	Redis redis.UniversalClient
	// Client is the local query client to mirror.
	Client *query.Client
	// Channel defaults to DefaultChannel.
	Channel string
	// ClientID identifies this process in envelopes so its own messages
	// are ignored on receipt. Defaults to a random UUID.
	ClientID string
	Logger   logger.Logger
}

// Broadcaster mirrors selected cache events between processes. Create
// with New, wire with Start, release with Close.
type Broadcaster struct {
	cfg     Config
	id      string
	channel string
	log     logger.Logger

	out        chan envelope
	sub        *redis.PubSub
	unsubCache func()
	stop       chan struct{}
	wg         sync.WaitGroup

	mu       sync.Mutex
	applying map[string]int
}

// New validates the config. Nothing happens until Start.
func New(cfg Config) (*Broadcaster, error) {
	if cfg.Redis == nil {
		return nil, errors.New("broadcast: redis client is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("broadcast: query client is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = cfg.Client.Logger()
	}
	return &Broadcaster{
		cfg:      cfg,
		id:       cfg.ClientID,
		channel:  cfg.Channel,
		log:      cfg.Logger.WithPrefix("[broadcast]"),
		out:      make(chan envelope, 256),
		stop:     make(chan struct{}),
		applying: make(map[string]int),
	}, nil
}

// ClientID returns the identity used in published envelopes.
func (b *Broadcaster) ClientID() string { return b.id }

// Start subscribes to the channel and begins mirroring. ctx bounds the
// subscription handshake only.
func (b *Broadcaster) Start(ctx context.Context) error {
	sub := b.cfg.Redis.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return errors.Wrap(err, "broadcast: subscribe")
	}
	b.sub = sub
	b.unsubCache = b.cfg.Client.Cache().Subscribe(b.onCacheEvent)

	b.wg.Add(2)
	go b.sendLoop()
	go b.recvLoop(sub.Channel())
	return nil
}

// Close stops mirroring and releases the subscription.
func (b *Broadcaster) Close() error {
	if b.unsubCache != nil {
		b.unsubCache()
		b.unsubCache = nil
	}
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	var err error
	if b.sub != nil {
		err = b.sub.Close()
	}
	b.wg.Wait()
	return err
}

// onCacheEvent turns local cache changes into envelopes. Events caused
// by applying a remote envelope are suppressed to stop ping-pong
// between peers.
func (b *Broadcaster) onCacheEvent(ev query.Event) {
	if ev.Query == nil || b.isApplying(ev.Query.Hash()) {
		return
	}
	var env envelope
	switch ev.Type {
	case query.EventQueryUpdated:
		switch ev.Action {
		case "invalidate":
			env = envelope{Type: typeInvalidate}
		case "setData":
			env = envelope{Type: typeUpdate, Data: ev.Query.State().Data}
		default:
			return
		}
	case query.EventQueryRemoved:
		// Collection and Clear are local lifecycle, not shared intent.
		if ev.Action != "remove" {
			return
		}
		env = envelope{Type: typeRemove}
	default:
		return
	}
	env.ClientID = b.id
	env.Hash = ev.Query.Hash()
	env.Key = ev.Query.Key()
	env.At = time.Now()

	select {
	case b.out <- env:
	default:
		b.log.Warn("publish queue full, dropping %s for %s", env.Type, env.Hash)
	}
}

func (b *Broadcaster) sendLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case env := <-b.out:
			payload, err := msgpack.Marshal(&env)
			if err != nil {
				b.log.Warn("encode %s for %s failed: %s", env.Type, env.Hash, err)
				continue
			}
			if err := b.cfg.Redis.Publish(context.Background(), b.channel, payload).Err(); err != nil {
				b.log.Warn("publish %s for %s failed: %s", env.Type, env.Hash, err)
			}
		}
	}
}

func (b *Broadcaster) recvLoop(ch <-chan *redis.Message) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := msgpack.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("discarding undecodable envelope: %s", err)
				continue
			}
			if env.ClientID == b.id {
				continue
			}
			b.apply(env)
		}
	}
}

// apply replays a peer's envelope on the local cache, but only for
// queries this process already tracks.
func (b *Broadcaster) apply(env envelope) {
	cache := b.cfg.Client.Cache()
	q := cache.Get(env.Hash)
	if q == nil {
		return
	}
	b.beginApply(env.Hash)
	defer b.endApply(env.Hash)

	switch env.Type {
	case typeInvalidate:
		b.log.Trace("peer %s invalidated %s", env.ClientID, env.Hash)
		q.Invalidate()
	case typeRemove:
		b.log.Trace("peer %s removed %s", env.ClientID, env.Hash)
		cache.Remove(q)
	case typeUpdate:
		// An incoming value equal to the local data is a no-op.
		if reflect.DeepEqual(q.State().Data, env.Data) {
			return
		}
		b.log.Trace("peer %s updated %s", env.ClientID, env.Hash)
		b.cfg.Client.SetQueryData(env.Key, env.Data)
	}
}

func (b *Broadcaster) beginApply(hash string) {
	b.mu.Lock()
	b.applying[hash]++
	b.mu.Unlock()
}

func (b *Broadcaster) endApply(hash string) {
	b.mu.Lock()
	if b.applying[hash] <= 1 {
		delete(b.applying, hash)
	} else {
		b.applying[hash]--
	}
	b.mu.Unlock()
}

func (b *Broadcaster) isApplying(hash string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applying[hash] > 0
}
