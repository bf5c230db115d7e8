package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bms/funds-service/internal/domain"
	"github.com/bms/funds-service/internal/metrics"
	"github.com/bms/funds-service/internal/store"
	"github.com/bms/funds-service/pkg/rabbitmq"
)

const sideEffectTimeout = 15 * time.Second

// SideEffectStore is where consumed side effects land.
type SideEffectStore interface {
	store.AuditStore
	store.NotificationStore
}

// SideEffectConsumer persists notifications and audit records published through the outbox.
// A malformed message is acknowledged and dropped; a storage failure re-queues it.
type SideEffectConsumer struct {
	repo    SideEffectStore
	logger  *slog.Logger
	metrics metrics.Collector
}

func NewSideEffectConsumer(repo SideEffectStore, logger *slog.Logger) *SideEffectConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SideEffectConsumer{repo: repo, logger: logger, metrics: metrics.NoOpCollector{}}
}

// SetMetrics replaces the no-op metrics collector.
func (c *SideEffectConsumer) SetMetrics(collector metrics.Collector) {
	if collector != nil {
		c.metrics = collector
	}
}

// Bindings maps each routing key to its handler.
func (c *SideEffectConsumer) Bindings() map[string]rabbitmq.Handler {
	return map[string]rabbitmq.Handler{
		domain.RoutingKeyNotificationCreated: c.HandleNotification,
		domain.RoutingKeyAuditRecorded:       c.HandleAudit,
	}
}

func (c *SideEffectConsumer) HandleNotification(body []byte) bool {
	var event domain.NotificationEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("dropping malformed notification event", "error", err)
		c.metrics.RecordSideEffectConsumed(domain.RoutingKeyNotificationCreated, false)
		return true
	}
	if event.UserID <= 0 || strings.TrimSpace(event.Title) == "" {
		c.logger.Warn("dropping notification event without recipient or title", "user_id", event.UserID)
		c.metrics.RecordSideEffectConsumed(domain.RoutingKeyNotificationCreated, false)
		return true
	}
	if event.Category == "" {
		event.Category = domain.NotificationSystem
	}

	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	if err := c.repo.InsertNotification(ctx, event); err != nil {
		c.logger.Error("failed to store notification; re-queuing", "user_id", event.UserID, "error", err)
		c.metrics.RecordSideEffectConsumed(domain.RoutingKeyNotificationCreated, false)
		return false
	}
	c.metrics.RecordSideEffectConsumed(domain.RoutingKeyNotificationCreated, true)
	return true
}

func (c *SideEffectConsumer) HandleAudit(body []byte) bool {
	var event domain.AuditEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("dropping malformed audit event", "error", err)
		c.metrics.RecordSideEffectConsumed(domain.RoutingKeyAuditRecorded, false)
		return true
	}
	if strings.TrimSpace(event.Action) == "" {
		c.logger.Warn("dropping audit event without action", "actor", event.ActorUsername)
		c.metrics.RecordSideEffectConsumed(domain.RoutingKeyAuditRecorded, false)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	if err := c.repo.InsertAuditLog(ctx, event); err != nil {
		c.logger.Error("failed to store audit record; re-queuing", "action", event.Action, "error", err)
		c.metrics.RecordSideEffectConsumed(domain.RoutingKeyAuditRecorded, false)
		return false
	}
	c.metrics.RecordSideEffectConsumed(domain.RoutingKeyAuditRecorded, true)
	return true
}

// Publish hands body straight to the matching handler. It lets the outbox dispatcher
// deliver side effects in-process when no broker is configured.
func (c *SideEffectConsumer) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	handler, ok := c.Bindings()[routingKey]
	if !ok {
		c.logger.Warn("no side-effect handler for routing key", "routing_key", routingKey)
		return nil
	}
	if !handler(body) {
		return fmt.Errorf("side effect %s was not stored", routingKey)
	}
	return nil
}

func (c *SideEffectConsumer) Close() {}
