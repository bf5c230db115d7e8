/**
 * @description
 * This file contains the core of the funds-service. The `Service` struct orchestrates every
 * balance-affecting operation (deposits, withdrawals and two-phase transfers) together with
 * account lifecycle, history queries and privileged administration.
 *
 * Key features:
 * - Every mutation runs inside a single store unit of work; either balances and ledger entries
 *   all commit or nothing does.
 * - Actors are passed explicitly; ownership and privilege are checked here, never read from
 *   ambient state.
 * - Notifications and audit records are appended to the event outbox only after the unit of
 *   work commits. Their failure is logged and never changes an operation's outcome.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Money arithmetic.
 * - internal/domain, internal/store, internal/limits: Models, persistence and the limit policy.
 * - internal/metrics: Operation counters and latencies.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/bms/funds-service/internal/domain"
	"github.com/bms/funds-service/internal/metrics"
	"github.com/bms/funds-service/internal/store"
	"github.com/shopspring/decimal"
)

const (
	operationDeposit          = "deposit"
	operationWithdraw         = "withdraw"
	operationTransferInitiate = "transfer_initiate"
	operationTransferComplete = "transfer_complete"
	operationApprove          = "approve"

	maxReferenceAttempts = 5
)

// StepUpGate issues and verifies one-time codes.
type StepUpGate interface {
	Issue(ctx context.Context, userID int64, purpose domain.OtpPurpose, reference *string) error
	Verify(ctx context.Context, userID int64, code string, purpose domain.OtpPurpose, reference *string) bool
}

// Config carries the policy constants of the engine.
type Config struct {
	StepUpThreshold            decimal.Decimal
	DefaultDailyLimit          decimal.Decimal
	DefaultPerTransactionLimit decimal.Decimal
	DefaultMinimumBalance      decimal.Decimal
	PendingTransferTTL         time.Duration
	EventsExchange             string
	Location                   *time.Location
}

// Service provides the funds-movement business logic.
type Service struct {
	repo    store.Repository
	gate    StepUpGate
	metrics metrics.Collector
	cfg     Config
	now     func() time.Time
}

// NewService creates a new funds service instance.
func NewService(repo store.Repository, gate StepUpGate, cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.PendingTransferTTL <= 0 {
		cfg.PendingTransferTTL = 15 * time.Minute
	}
	return &Service{
		repo:    repo,
		gate:    gate,
		metrics: metrics.NoOpCollector{},
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetMetrics replaces the no-op metrics collector.
func (s *Service) SetMetrics(collector metrics.Collector) {
	if collector != nil {
		s.metrics = collector
	}
}

// businessNow is the current instant in the business timezone; limit days roll over at its midnight.
func (s *Service) businessNow() time.Time {
	return s.now().In(s.cfg.Location)
}

func (s *Service) requiresStepUp(amount decimal.Decimal) bool {
	return amount.GreaterThan(s.cfg.StepUpThreshold)
}

func (s *Service) observe(operation string, started time.Time, outcome string, err error) {
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindPolicyViolation, domain.KindValidation, domain.KindAuthorizationDenied, domain.KindStepUpFailed:
			outcome = metrics.OutcomeRejected
		default:
			outcome = metrics.OutcomeError
		}
	}
	s.metrics.RecordOperation(operation, outcome, time.Since(started))
}

// inTxWithReference runs fn in a unit of work under a freshly generated reference number and
// retries the whole unit with a new reference if the ledger reports a collision.
func (s *Service) inTxWithReference(ctx context.Context, fn func(uow store.UnitOfWork, reference string) error) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxReferenceAttempts; attempt++ {
		reference := newReference()
		err := s.repo.InTx(ctx, func(uow store.UnitOfWork) error {
			return fn(uow, reference)
		})
		if err == nil {
			return reference, nil
		}
		if !errors.Is(err, store.ErrDuplicateReference) {
			return "", err
		}
		log.Printf("level=warn component=app msg=\"reference collision; retrying\" reference=%s attempt=%d", reference, attempt+1)
		lastErr = err
	}
	return "", fmt.Errorf("failed to allocate a unique reference number: %w", lastErr)
}

// emit appends side effects to the outbox after a unit of work committed.
func (s *Service) emit(ctx context.Context, events ...domain.OutboxEvent) {
	if len(events) == 0 {
		return
	}
	if err := s.repo.EnqueueEvents(ctx, s.cfg.EventsExchange, events); err != nil {
		log.Printf("level=warn component=app msg=\"failed to enqueue side effects\" count=%d err=%v", len(events), err)
	}
}

func (s *Service) notification(userID int64, title, message string, category domain.NotificationCategory, accountID *int64, transactionID *int64) domain.OutboxEvent {
	return domain.OutboxEvent{
		RoutingKey: domain.RoutingKeyNotificationCreated,
		Payload: domain.NotificationEvent{
			UserID:               userID,
			Title:                title,
			Message:              message,
			Category:             category,
			RelatedAccountID:     accountID,
			RelatedTransactionID: transactionID,
			OccurredAt:           s.now().UTC(),
		},
	}
}

func (s *Service) audit(actor domain.Actor, action, details string, severity domain.AuditSeverity, accountID *int64, transactionID *int64) domain.OutboxEvent {
	return domain.OutboxEvent{
		RoutingKey: domain.RoutingKeyAuditRecorded,
		Payload: domain.AuditEvent{
			ActorUsername:        actor.Username,
			Action:               action,
			Details:              details,
			ClientIP:             actor.ClientIP,
			Severity:             severity,
			RelatedAccountID:     accountID,
			RelatedTransactionID: transactionID,
			OccurredAt:           s.now().UTC(),
		},
	}
}

// highValueAlert flags settled movements above the step-up threshold to the account owner.
func (s *Service) highValueAlert(acct *domain.Account, txn *domain.Transaction) []domain.OutboxEvent {
	if !s.requiresStepUp(txn.Amount) {
		return nil
	}
	return []domain.OutboxEvent{s.notification(
		acct.OwnerUserID,
		"High-Value Transaction Alert",
		fmt.Sprintf("A %s of %s was made on account %s. If this was not you, contact support immediately.",
			describeType(txn.Type), formatAmount(txn.Amount), acct.AccountNumber),
		domain.NotificationSecurity,
		ptrInt64(acct.ID),
		ptrInt64(txn.ID),
	)}
}

func checkActor(actor domain.Actor) error {
	if actor.Locked {
		return domain.ErrActorLocked
	}
	return nil
}

func authorizeAccount(actor domain.Actor, acct *domain.Account) error {
	if actor.IsPrivileged() || acct.OwnedBy(actor.UserID) {
		return nil
	}
	return domain.ErrNotOwner
}

func requirePrivileged(actor domain.Actor) error {
	if err := checkActor(actor); err != nil {
		return err
	}
	if !actor.IsPrivileged() {
		return domain.ErrNotPrivileged
	}
	return nil
}

func describeType(t domain.TransactionType) string {
	switch t {
	case domain.TransactionTypeDeposit:
		return "deposit"
	case domain.TransactionTypeWithdraw:
		return "withdrawal"
	case domain.TransactionTypeTransferIn:
		return "incoming transfer"
	default:
		return "transfer"
	}
}

func formatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}

func ptrInt64(v int64) *int64 {
	return &v
}

func ptrString(v string) *string {
	return &v
}
