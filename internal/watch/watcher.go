package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/events"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
)

// Update is one message received for the owner.
type Update struct {
	RoutingKey string
	CloudID    string
	// Kind and Doc are set for patches; Doc is the document after the patch.
	Kind models.Kind
	Ops  int
	Doc  map[string]any
	// Inventory is set for machines_inventory messages.
	Inventory *events.InventoryMessage
	Err       error
}

// Conn is the part of a NATS connection the watcher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error)
}

// Watcher subscribes to an owner's messages and keeps it marked as listening
// with periodic heartbeats.
type Watcher struct {
	conn      Conn
	owner     string
	mirror    *Mirror
	heartbeat time.Duration
	clock     clock.WithTicker
	log       *zap.Logger
}

type Option func(*Watcher)

func WithHeartbeat(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.heartbeat = d
		}
	}
}

func WithClock(c clock.WithTicker) Option {
	return func(w *Watcher) { w.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

func New(conn Conn, owner string, mirror *Mirror, opts ...Option) *Watcher {
	w := &Watcher{
		conn:      conn,
		owner:     owner,
		mirror:    mirror,
		heartbeat: events.DefaultPresenceTTL / 3,
		clock:     clock.RealClock{},
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run delivers updates to fn until ctx is done.
func (w *Watcher) Run(ctx context.Context, fn func(Update)) error {
	if !models.ValidOwnerID(w.owner) {
		return fmt.Errorf("invalid owner id %q", w.owner)
	}
	msgs := make(chan *nats.Msg, 64)
	sub, err := w.conn.ChanSubscribe(events.OwnerSubjects(w.owner), msgs)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	w.beat()
	ticker := w.clock.NewTicker(w.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			w.beat()
		case m := <-msgs:
			fn(w.Handle(m.Subject, m.Data))
		}
	}
}

func (w *Watcher) beat() {
	if err := w.conn.Publish(events.PresenceSubject(w.owner), nil); err != nil {
		w.log.Warn("heartbeat failed", zap.Error(err))
	}
}

// Handle decodes one message and applies patches to the mirror.
func (w *Watcher) Handle(subject string, data []byte) Update {
	u := Update{RoutingKey: subject[strings.LastIndex(subject, ".")+1:]}
	if u.RoutingKey == events.RoutingInventory {
		var inv events.InventoryMessage
		if err := json.Unmarshal(data, &inv); err != nil {
			u.Err = fmt.Errorf("decode inventory: %w", err)
			return u
		}
		u.CloudID = inv.CloudID
		u.Inventory = &inv
		return u
	}

	kind, ok := KindOf(u.RoutingKey)
	if !ok {
		u.Err = fmt.Errorf("unexpected routing key %q", u.RoutingKey)
		return u
	}
	var msg struct {
		CloudID string            `json:"cloud_id"`
		Patch   []json.RawMessage `json:"patch"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		u.Err = fmt.Errorf("decode patch message: %w", err)
		return u
	}
	u.CloudID, u.Kind, u.Ops = msg.CloudID, kind, len(msg.Patch)
	ops, err := json.Marshal(msg.Patch)
	if err != nil {
		u.Err = err
		return u
	}
	u.Doc, u.Err = w.mirror.Apply(msg.CloudID, kind, ops)
	return u
}
