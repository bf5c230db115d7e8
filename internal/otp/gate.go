/**
 * @description
 * The step-up authentication gate. It issues short-lived numeric codes bound to a
 * (user, purpose) slot and optionally to a transfer reference, and verifies them with a
 * fail-closed contract: every abnormal condition yields false rather than an error.
 *
 * Codes are stored only as bcrypt hashes. Delivery to the user happens on a background
 * goroutine so issuing never waits on the mail provider.
 *
 * @dependencies
 * - golang.org/x/crypto/bcrypt: Code hashing.
 * - internal/store: OTP and user persistence.
 * - internal/metrics: Issue/verify counters.
 */

package otp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bms/funds-service/internal/domain"
	"github.com/bms/funds-service/internal/metrics"
	"github.com/bms/funds-service/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultExpiry         = 5 * time.Minute
	defaultMaxAttempts    = 3
	deliveryTimeout       = 30 * time.Second
	verifyRateLimitScope  = "otp_verify"
	verifyRateLimitWindow = time.Minute
)

// Deliverer sends a code to the user out of band.
type Deliverer interface {
	DeliverCode(ctx context.Context, email, code string, purpose domain.OtpPurpose, expiryMinutes int) error
}

// RateLimiter throttles verification attempts per user.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Config holds the gate's policy constants.
type Config struct {
	Length                   int
	Expiry                   time.Duration
	MaxAttempts              int
	HashCost                 int
	VerifyRateLimitPerMinute int
}

// Gate issues and verifies one-time codes.
type Gate struct {
	codes     store.OtpStore
	users     store.UserStore
	deliverer Deliverer
	limiter   RateLimiter
	metrics   metrics.Collector
	cfg       Config
	now       func() time.Time

	deliveries sync.WaitGroup
}

// NewGate creates a gate. A nil deliverer disables out-of-band delivery.
func NewGate(codes store.OtpStore, users store.UserStore, deliverer Deliverer, cfg Config) *Gate {
	if cfg.Length <= 0 {
		cfg.Length = defaultCodeLength
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = defaultExpiry
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.HashCost < bcrypt.MinCost || cfg.HashCost > bcrypt.MaxCost {
		cfg.HashCost = bcrypt.DefaultCost
	}
	return &Gate{
		codes:     codes,
		users:     users,
		deliverer: deliverer,
		metrics:   metrics.NoOpCollector{},
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetRateLimiter enables the per-user verification throttle.
func (g *Gate) SetRateLimiter(limiter RateLimiter) {
	g.limiter = limiter
}

// SetMetrics replaces the no-op metrics collector.
func (g *Gate) SetMetrics(collector metrics.Collector) {
	if collector != nil {
		g.metrics = collector
	}
}

// ExpiryMinutes is the code lifetime reported to users.
func (g *Gate) ExpiryMinutes() int {
	return int(g.cfg.Expiry / time.Minute)
}

// Issue invalidates any unused code for (userID, purpose), stores a fresh one and hands it to
// the deliverer in the background. Delivery failures are logged only.
func (g *Gate) Issue(ctx context.Context, userID int64, purpose domain.OtpPurpose, reference *string) error {
	if !purpose.Valid() {
		return fmt.Errorf("%w: unknown otp purpose %q", domain.ErrInvalidInput, purpose)
	}

	user, err := g.users.FindUserByID(ctx, userID)
	if err != nil {
		return err
	}

	code, err := GenerateCode(g.cfg.Length)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), g.cfg.HashCost)
	if err != nil {
		return fmt.Errorf("failed to hash otp: %w", err)
	}

	now := g.now()
	record := &domain.OneTimeCode{
		UserID:               userID,
		Purpose:              purpose,
		CodeHash:             string(hash),
		CreatedAt:            now,
		ExpiresAt:            now.Add(g.cfg.Expiry),
		TransactionReference: reference,
	}
	if err := g.codes.ReplaceOtp(ctx, record); err != nil {
		return fmt.Errorf("failed to store otp: %w", err)
	}
	g.metrics.RecordOtpIssued(string(purpose))

	g.deliver(user.Email, code, purpose)
	return nil
}

func (g *Gate) deliver(email, code string, purpose domain.OtpPurpose) {
	if g.deliverer == nil {
		log.Printf("level=warn component=otp msg=\"no deliverer configured; code not sent\" purpose=%s", purpose)
		return
	}
	if strings.TrimSpace(email) == "" {
		log.Printf("level=warn component=otp msg=\"user has no email; code not sent\" purpose=%s", purpose)
		return
	}

	g.deliveries.Add(1)
	go func() {
		defer g.deliveries.Done()
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		if err := g.deliverer.DeliverCode(ctx, email, code, purpose, g.ExpiryMinutes()); err != nil {
			log.Printf("level=warn component=otp msg=\"otp delivery failed\" purpose=%s err=%v", purpose, err)
		}
	}()
}

// WaitForDeliveries blocks until in-flight deliveries finish.
func (g *Gate) WaitForDeliveries() {
	g.deliveries.Wait()
}

// Verify checks code against the active code for (userID, purpose). When reference is set the
// code must have been issued for that reference. A wrong code spends one attempt; the first
// correct code is consumed. Verify never returns an error: any failure, including store
// failures, yields false.
func (g *Gate) Verify(ctx context.Context, userID int64, code string, purpose domain.OtpPurpose, reference *string) bool {
	ok := g.verify(ctx, userID, strings.TrimSpace(code), purpose, reference)
	g.metrics.RecordOtpVerification(string(purpose), ok)
	return ok
}

func (g *Gate) verify(ctx context.Context, userID int64, code string, purpose domain.OtpPurpose, reference *string) bool {
	if code == "" {
		return false
	}

	if !g.allowAttempt(ctx, userID) {
		return false
	}

	active, err := g.codes.FindActiveOtp(ctx, userID, purpose)
	if err != nil {
		if !errors.Is(err, store.ErrOtpNotFound) {
			log.Printf("level=warn component=otp msg=\"otp lookup failed\" user_id=%d err=%v", userID, err)
		}
		return false
	}

	if reference != nil && (active.TransactionReference == nil || !strings.EqualFold(*active.TransactionReference, *reference)) {
		return false
	}
	if active.Expired(g.now()) {
		return false
	}

	if _, ok, err := g.codes.RegisterOtpAttempt(ctx, active.ID, g.cfg.MaxAttempts); err != nil {
		log.Printf("level=warn component=otp msg=\"otp attempt registration failed\" user_id=%d err=%v", userID, err)
		return false
	} else if !ok {
		return false
	}

	if bcrypt.CompareHashAndPassword([]byte(active.CodeHash), []byte(code)) != nil {
		return false
	}

	consumed, err := g.codes.ConsumeOtp(ctx, active.ID)
	if err != nil {
		log.Printf("level=warn component=otp msg=\"otp consume failed\" user_id=%d err=%v", userID, err)
		return false
	}
	return consumed
}

func (g *Gate) allowAttempt(ctx context.Context, userID int64) bool {
	if g.limiter == nil || g.cfg.VerifyRateLimitPerMinute <= 0 {
		return true
	}
	count, retryAfter, err := g.limiter.ConsumeRateLimit(
		ctx,
		verifyRateLimitScope,
		strconv.FormatInt(userID, 10),
		g.cfg.VerifyRateLimitPerMinute,
		verifyRateLimitWindow,
	)
	if err != nil {
		log.Printf("level=warn component=otp msg=\"rate limiter unavailable; allowing attempt\" user_id=%d err=%v", userID, err)
		return true
	}
	if count > g.cfg.VerifyRateLimitPerMinute {
		g.metrics.RecordRateLimited(verifyRateLimitScope)
		log.Printf("level=warn component=otp msg=\"otp verification throttled\" user_id=%d retry_after_seconds=%d", userID, retryAfter)
		return false
	}
	return true
}

// Purge removes used and expired codes.
func (g *Gate) Purge(ctx context.Context) (int64, error) {
	return g.codes.DeleteExpiredOtps(ctx, g.now())
}
