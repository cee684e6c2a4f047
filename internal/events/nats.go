package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
)

const (
	subjectRoot     = "cloudsync"
	presenceSubject = subjectRoot + ".presence."

	// DefaultPresenceTTL is how long one heartbeat keeps an owner listening.
	DefaultPresenceTTL = 90 * time.Second
)

// Subject is where messages for an owner and routing key are published.
func Subject(ownerID, routingKey string) string {
	return fmt.Sprintf("%s.%s.%s", subjectRoot, ownerID, routingKey)
}

// OwnerSubjects matches every message published for an owner.
func OwnerSubjects(ownerID string) string {
	return fmt.Sprintf("%s.%s.>", subjectRoot, ownerID)
}

// PresenceSubject is where subscribers of an owner send heartbeats.
func PresenceSubject(ownerID string) string {
	return presenceSubject + ownerID
}

// NATSPublisher publishes JSON messages on NATS. Subscribers announce
// themselves with heartbeats on PresenceSubject; an owner counts as listened
// to while its last heartbeat is younger than the presence TTL.
type NATSPublisher struct {
	nc    *nats.Conn
	sub   *nats.Subscription
	ttl   time.Duration
	clock clock.PassiveClock
	log   *zap.Logger

	mu       sync.Mutex
	presence map[string]time.Time
}

func NewNATSPublisher(url string, ttl time.Duration, log *zap.Logger) (*NATSPublisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	p := &NATSPublisher{
		ttl:      ttl,
		clock:    clock.RealClock{},
		log:      log,
		presence: map[string]time.Time{},
	}
	opts := []nats.Option{
		nats.Name("cloudsyncd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	sub, err := nc.Subscribe(presenceSubject+"*", func(m *nats.Msg) {
		p.markPresent(strings.TrimPrefix(m.Subject, presenceSubject))
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}
	p.nc = nc
	p.sub = sub
	return p, nil
}

func (p *NATSPublisher) markPresent(ownerID string) {
	if !models.ValidOwnerID(ownerID) {
		p.log.Debug("ignoring heartbeat of invalid owner", zap.String("owner", ownerID))
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presence[ownerID] = p.clock.Now()
}

func (p *NATSPublisher) IsAnyoneListening(_ context.Context, ownerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen, ok := p.presence[ownerID]
	if !ok {
		return false
	}
	if p.clock.Since(seen) > p.ttl {
		delete(p.presence, ownerID)
		return false
	}
	return true
}

func (p *NATSPublisher) Publish(_ context.Context, ownerID, routingKey string, payload any) error {
	if !models.ValidOwnerID(ownerID) {
		publishErrors.WithLabelValues(routingKey).Inc()
		return fmt.Errorf("invalid owner id %q", ownerID)
	}
	if p.nc == nil || p.nc.IsClosed() {
		publishErrors.WithLabelValues(routingKey).Inc()
		return fmt.Errorf("nats not connected")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		publishErrors.WithLabelValues(routingKey).Inc()
		return fmt.Errorf("encode %s payload: %w", routingKey, err)
	}
	if err := p.nc.Publish(Subject(ownerID, routingKey), data); err != nil {
		publishErrors.WithLabelValues(routingKey).Inc()
		return err
	}
	published.WithLabelValues(routingKey).Inc()
	return nil
}

func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if p.sub != nil {
		_ = p.sub.Unsubscribe()
	}
	err := p.nc.Drain()
	p.nc.Close()
	return err
}
