package table

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livevote/go/internal/models"
)

// KVConfig holds configuration for the JetStream KeyValue backed table
type KVConfig struct {
	URL             string
	Bucket          string        // vote records, keyed "<room>.<participant>"
	HeartbeatBucket string        // one key per live gateway instance
	HeartbeatTTL    time.Duration // a gateway missing heartbeats this long is dead
	InstanceID      string
	MaxReconnects   int
	ReconnectWait   time.Duration
	RequestTimeout  time.Duration
}

// DefaultKVConfig returns default KV table configuration
func DefaultKVConfig() KVConfig {
	return KVConfig{
		URL:             nats.DefaultURL,
		Bucket:          "VOTES",
		HeartbeatBucket: "VOTE_GATEWAYS",
		HeartbeatTTL:    15 * time.Second,
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		RequestTimeout:  5 * time.Second,
	}
}

// kvRecord is the stored value. Gateway records which instance holds the
// connection that owns the key, so a sweeper can clean up after a dead one.
type kvRecord struct {
	Name    models.DisplayName `json:"name"`
	Vote    int                `json:"vote"`
	Gateway string             `json:"gateway"`
}

// KVTable shares rooms between gateway instances through a JetStream
// KeyValue bucket. Every instance watches the whole bucket and keeps a local
// mirror, so changes written by any gateway reach every subscriber.
type KVTable struct {
	nc      *nats.Conn
	votes   jetstream.KeyValue
	beats   jetstream.KeyValue
	watcher jetstream.KeyWatcher
	config  KVConfig
	clock   clockwork.Clock

	mu        sync.RWMutex
	rooms     map[string]models.VoteTable
	owners    map[string]map[models.ParticipantID]string
	ready     chan struct{}
	readyOnce sync.Once

	changes chan Change
	done    chan struct{}
	once    sync.Once
}

// NewKVTable connects to NATS, ensures both buckets exist and starts
// mirroring the vote bucket.
func NewKVTable(ctx context.Context, cfg KVConfig, clock clockwork.Clock) (*KVTable, error) {
	if cfg.InstanceID == "" {
		return nil, errors.New("kv table requires an instance id")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	votes, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "Live vote records",
		History:     1,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure vote bucket: %w", err)
	}

	beats, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.HeartbeatBucket,
		Description: "Vote gateway liveness",
		History:     1,
		TTL:         cfg.HeartbeatTTL,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure heartbeat bucket: %w", err)
	}

	watcher, err := votes.WatchAll(context.Background())
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("watch vote bucket: %w", err)
	}

	t := &KVTable{
		nc:      nc,
		votes:   votes,
		beats:   beats,
		watcher: watcher,
		config:  cfg,
		clock:   clock,
		rooms:   make(map[string]models.VoteTable),
		owners:  make(map[string]map[models.ParticipantID]string),
		ready:   make(chan struct{}),
		changes: make(chan Change, changeBuffer),
		done:    make(chan struct{}),
	}
	go t.mirror()

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("heartbeat_bucket", cfg.HeartbeatBucket).
		Str("instance_id", cfg.InstanceID).
		Msg("kv vote table ready")

	return t, nil
}

func (t *KVTable) Set(ctx context.Context, room string, key models.ParticipantID, record models.VoteRecord) error {
	if !ValidRoom(room) {
		return ErrInvalidRoom
	}

	entry, err := t.votes.Get(ctx, kvKey(room, key))
	switch {
	case err == nil:
		var existing kvRecord
		if err := json.Unmarshal(entry.Value(), &existing); err == nil && existing.Name != record.DisplayName {
			return ErrNameImmutable
		}
	case errors.Is(err, jetstream.ErrKeyNotFound):
	default:
		return fmt.Errorf("get vote record: %w", err)
	}

	data, err := json.Marshal(kvRecord{Name: record.DisplayName, Vote: record.Vote, Gateway: t.config.InstanceID})
	if err != nil {
		return fmt.Errorf("marshal vote record: %w", err)
	}
	if _, err := t.votes.Put(ctx, kvKey(room, key), data); err != nil {
		return fmt.Errorf("put vote record: %w", err)
	}
	return nil
}

func (t *KVTable) Remove(ctx context.Context, room string, key models.ParticipantID) error {
	if !ValidRoom(room) {
		return ErrInvalidRoom
	}
	if err := t.votes.Delete(ctx, kvKey(room, key)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete vote record: %w", err)
	}
	return nil
}

// Snapshot serves the room from the local mirror once the initial bucket
// replay has finished.
func (t *KVTable) Snapshot(ctx context.Context, room string) (models.VoteTable, error) {
	if !ValidRoom(room) {
		return nil, ErrInvalidRoom
	}
	select {
	case <-t.ready:
	case <-t.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if votes, ok := t.rooms[room]; ok {
		return votes.Clone(), nil
	}
	return models.VoteTable{}, nil
}

func (t *KVTable) Changes() <-chan Change {
	return t.changes
}

// Owned lists every live record with the gateway instance holding it.
func (t *KVTable) Owned(ctx context.Context) ([]OwnedKey, error) {
	select {
	case <-t.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []OwnedKey
	for room, owners := range t.owners {
		for key, owner := range owners {
			out = append(out, OwnedKey{Room: room, Key: key, Owner: owner})
		}
	}
	return out, nil
}

// Alive reports whether a gateway instance has heartbeated within the TTL.
func (t *KVTable) Alive(ctx context.Context, instanceID string) (bool, error) {
	if instanceID == t.config.InstanceID {
		return true, nil
	}
	_, err := t.beats.Get(ctx, instanceID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get heartbeat: %w", err)
	}
	return true, nil
}

// Heartbeat refreshes this instance's liveness key until ctx is cancelled.
func (t *KVTable) Heartbeat(ctx context.Context) {
	interval := t.config.HeartbeatTTL / 3
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := t.clock.NewTicker(interval)
	defer ticker.Stop()

	t.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.Chan():
			t.beat(ctx)
		}
	}
}

func (t *KVTable) beat(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, t.config.RequestTimeout)
	defer cancel()
	stamp := t.clock.Now().UTC().Format(time.RFC3339Nano)
	if _, err := t.beats.PutString(reqCtx, t.config.InstanceID, stamp); err != nil {
		log.Error().Err(err).Str("instance_id", t.config.InstanceID).Msg("failed to write gateway heartbeat")
	}
}

func (t *KVTable) Close() error {
	t.once.Do(func() {
		close(t.done)
		if err := t.watcher.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop vote bucket watcher")
		}
		t.nc.Close()
	})
	return nil
}

// mirror applies bucket updates to the local copy and announces each one.
func (t *KVTable) mirror() {
	defer close(t.changes)

	for {
		select {
		case <-t.done:
			return
		case entry, ok := <-t.watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				// End of the initial replay.
				t.readyOnce.Do(func() { close(t.ready) })
				continue
			}
			change, ok := t.apply(entry)
			if !ok {
				continue
			}
			select {
			case t.changes <- change:
			case <-t.done:
				return
			}
		}
	}
}

func (t *KVTable) apply(entry jetstream.KeyValueEntry) (Change, bool) {
	room, key, ok := splitKVKey(entry.Key())
	if !ok {
		log.Warn().Str("key", entry.Key()).Msg("ignoring malformed vote key")
		return Change{}, false
	}

	put := entry.Operation() == jetstream.KeyValuePut
	var rec kvRecord
	if put {
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			log.Warn().Err(err).Str("key", entry.Key()).Msg("ignoring undecodable vote record")
			return Change{}, false
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	votes, ok := t.rooms[room]
	if !ok {
		votes = make(models.VoteTable)
		t.rooms[room] = votes
		t.owners[room] = make(map[models.ParticipantID]string)
	}

	if put {
		votes[key] = models.VoteRecord{DisplayName: rec.Name, Vote: rec.Vote}
		t.owners[room][key] = rec.Gateway
	} else {
		// Delete and purge markers
		delete(votes, key)
		delete(t.owners[room], key)
	}

	snapshot := votes.Clone()
	if len(votes) == 0 {
		delete(t.rooms, room)
		delete(t.owners, room)
	}
	return Change{Room: room, Table: snapshot}, true
}

func kvKey(room string, key models.ParticipantID) string {
	return room + "." + string(key)
}

func splitKVKey(raw string) (string, models.ParticipantID, bool) {
	room, key, ok := strings.Cut(raw, ".")
	if !ok || room == "" || key == "" {
		return "", "", false
	}
	return room, models.ParticipantID(key), true
}
