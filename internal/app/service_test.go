package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bms/funds-service/internal/domain"
	"github.com/bms/funds-service/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	aliceID  int64 = 1
	bobID    int64 = 2
	adminID  int64 = 3
	carolID  int64 = 4
	testCode       = "424242"
)

var (
	alice  = domain.Actor{UserID: aliceID, Username: "alice", Role: domain.RoleUser, ClientIP: "10.0.0.1"}
	bob    = domain.Actor{UserID: bobID, Username: "bob", Role: domain.RoleUser}
	admin  = domain.Actor{UserID: adminID, Username: "root", Role: domain.RoleAdmin}
	carol  = domain.Actor{UserID: carolID, Username: "carol", Role: domain.RoleUser}
	locked = domain.Actor{UserID: aliceID, Username: "alice", Role: domain.RoleUser, Locked: true}
)

// fakeGate hands out a fixed code per reference and consumes it on the first correct guess.
type fakeGate struct {
	mu          sync.Mutex
	codes       map[string]string
	issued      int
	verifyCalls int
	issueErr    error
}

func newFakeGate() *fakeGate {
	return &fakeGate{codes: make(map[string]string)}
}

func (g *fakeGate) Issue(ctx context.Context, userID int64, purpose domain.OtpPurpose, reference *string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.issueErr != nil {
		return g.issueErr
	}
	g.issued++
	g.codes[*reference] = testCode
	return nil
}

func (g *fakeGate) Verify(ctx context.Context, userID int64, code string, purpose domain.OtpPurpose, reference *string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	want, ok := g.codes[*reference]
	if !ok || code != want {
		return false
	}
	delete(g.codes, *reference)
	return true
}

func (g *fakeGate) issueCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.issued
}

func newTestService(t *testing.T) (*Service, *memoryRepo, *fakeGate) {
	t.Helper()
	repo := newMemoryRepo()
	repo.addUser(domain.User{ID: aliceID, Username: "alice", Email: "alice@example.com", Role: domain.RoleUser})
	repo.addUser(domain.User{ID: bobID, Username: "bob", Email: "bob@example.com", Role: domain.RoleUser})
	repo.addUser(domain.User{ID: adminID, Username: "root", Email: "root@example.com", Role: domain.RoleAdmin})
	repo.addUser(domain.User{ID: carolID, Username: "carol", Email: "carol@example.com", Role: domain.RoleUser})

	gate := newFakeGate()
	svc := NewService(repo, gate, Config{
		StepUpThreshold:            dec("25000"),
		DefaultDailyLimit:          dec("100000"),
		DefaultPerTransactionLimit: dec("50000"),
		DefaultMinimumBalance:      decimal.Zero,
		PendingTransferTTL:         15 * time.Minute,
		EventsExchange:             "bms.events",
		Location:                   time.UTC,
	})
	return svc, repo, gate
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "expected %s, got %s", want, got.String())
}

func totalBalance(repo *memoryRepo) decimal.Decimal {
	accounts, _ := repo.ListAccounts(context.Background(), 0)
	sum := decimal.Zero
	for _, acct := range accounts {
		sum = sum.Add(acct.Balance)
	}
	return sum
}

func TestDepositCreditsAndRecordsLedgerEntry(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "10000", "50000", "100000")

	txn, err := svc.Deposit(context.Background(), alice, a.ID, dec("5000"), "")
	require.NoError(t, err)

	assertAmount(t, "15000", repo.account(a.ID).Balance)
	assertAmount(t, "5000", repo.account(a.ID).DailyTransactionTotal)
	assert.NotNil(t, repo.account(a.ID).LastTransactionAt)

	entries := repo.ledgerFor(a.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.TransactionTypeDeposit, entries[0].Type)
	assert.Equal(t, domain.TransactionStatusSuccess, entries[0].Status)
	assert.Equal(t, "Deposit", entries[0].Description)
	assertAmount(t, "15000", entries[0].BalanceAfter)
	assert.Equal(t, txn.ReferenceNumber, entries[0].ReferenceNumber)
	assert.Regexp(t, `^TXN[0-9A-F]{8}$`, txn.ReferenceNumber)

	assert.Equal(t, []string{"Deposit Successful"}, repo.notificationTitles(aliceID))
	assert.Equal(t, []string{domain.AuditDeposit}, repo.auditActions())
}

func TestWithdrawInsufficientBalanceLeavesStateUntouched(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "15000", "50000", "100000")

	_, err := svc.Withdraw(context.Background(), alice, a.ID, dec("20000"), "rent")
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.ErrorIs(t, err, domain.KindPolicyViolation)

	assertAmount(t, "15000", repo.account(a.ID).Balance)
	assert.Empty(t, repo.ledgerFor(a.ID))
	assert.Empty(t, repo.outboxEvents())
}

func TestWithdrawDebits(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "15000", "50000", "100000")

	txn, err := svc.Withdraw(context.Background(), alice, a.ID, dec("4000.50"), "  groceries ")
	require.NoError(t, err)

	assertAmount(t, "10999.50", repo.account(a.ID).Balance)
	assert.Equal(t, "groceries", txn.Description)
	assert.Equal(t, domain.TransactionTypeWithdraw, txn.Type)
	assertAmount(t, "10999.50", txn.BalanceAfter)
	assert.Equal(t, []string{"Withdrawal Successful"}, repo.notificationTitles(aliceID))
}

func TestDepositAndWithdrawValidation(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "1000", "50000", "100000")
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"zero deposit", func() error { _, err := svc.Deposit(ctx, alice, a.ID, decimal.Zero, ""); return err }, domain.ErrInvalidAmount},
		{"negative withdrawal", func() error { _, err := svc.Withdraw(ctx, alice, a.ID, dec("-5"), ""); return err }, domain.ErrInvalidAmount},
		{"sub-cent deposit", func() error { _, err := svc.Deposit(ctx, alice, a.ID, dec("0.005"), ""); return err }, domain.ErrInvalidAmount},
		{"sub-cent withdrawal", func() error { _, err := svc.Withdraw(ctx, alice, a.ID, dec("0.005"), ""); return err }, domain.ErrInvalidAmount},
		{"amount too large to store", func() error { _, err := svc.Deposit(ctx, alice, a.ID, dec("1e1000000000"), ""); return err }, domain.ErrInvalidAmount},
		{"unknown account", func() error { _, err := svc.Deposit(ctx, alice, 999, dec("5"), ""); return err }, domain.ErrAccountNotFound},
		{"foreign account", func() error { _, err := svc.Deposit(ctx, bob, a.ID, dec("5"), ""); return err }, domain.ErrNotOwner},
		{"locked actor", func() error { _, err := svc.Withdraw(ctx, locked, a.ID, dec("5"), ""); return err }, domain.ErrActorLocked},
		{"per-transaction limit", func() error { _, err := svc.Deposit(ctx, alice, a.ID, dec("50000.01"), ""); return err }, domain.ErrLimitExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), tt.want)
		})
	}

	assertAmount(t, "1000", repo.account(a.ID).Balance)
	assert.Empty(t, repo.ledger())
}

func TestPrivilegedActorMayMoveMoneyOnAnyAccount(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "0", "50000", "100000")

	_, err := svc.Deposit(context.Background(), admin, a.ID, dec("250"), "branch deposit")
	require.NoError(t, err)
	assertAmount(t, "250", repo.account(a.ID).Balance)
	assert.Equal(t, []string{"Deposit Successful"}, repo.notificationTitles(aliceID))
}

func TestDailyLimitSpansOperations(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "0", "50000", "100000")
	ctx := context.Background()

	_, err := svc.Deposit(ctx, alice, a.ID, dec("50000"), "")
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, alice, a.ID, dec("50000"), "")
	require.NoError(t, err)

	_, err = svc.Withdraw(ctx, alice, a.ID, dec("1"), "")
	require.ErrorIs(t, err, domain.ErrLimitExceeded)

	acct := repo.account(a.ID)
	assertAmount(t, "100000", acct.Balance)
	assertAmount(t, "100000", acct.DailyTransactionTotal)
	assert.True(t, acct.DailyTransactionTotal.LessThanOrEqual(acct.DailyTransactionLimit))
}

func TestDailyTotalResetsOnNewBusinessDay(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "0", "50000", "100000")

	// 23:30 UTC on March 10th is already March 11th at UTC+9.
	svc.cfg.Location = time.FixedZone("UTC+9", 9*60*60)
	svc.now = func() time.Time { return time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC) }
	repo.updateAccount(a.ID, func(acct *domain.Account) {
		acct.DailyTransactionTotal = dec("100000")
		acct.LastLimitResetDate = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	})

	_, err := svc.Deposit(context.Background(), alice, a.ID, dec("100"), "")
	require.NoError(t, err)

	acct := repo.account(a.ID)
	assertAmount(t, "100", acct.DailyTransactionTotal)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), acct.LastLimitResetDate)
}

func TestDailyTotalDoesNotResetWithinBusinessDay(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "0", "50000", "100000")

	svc.now = func() time.Time { return time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC) }
	repo.updateAccount(a.ID, func(acct *domain.Account) {
		acct.DailyTransactionTotal = dec("100000")
		acct.LastLimitResetDate = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	})

	_, err := svc.Deposit(context.Background(), alice, a.ID, dec("100"), "")
	require.ErrorIs(t, err, domain.ErrLimitExceeded)
}

func TestMinimumBalanceBlocksWithdrawal(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "5000", "50000", "100000")
	ctx := context.Background()

	_, err := svc.UpdateAccountLimits(ctx, admin, a.ID, domain.AccountLimits{
		DailyTransactionLimit: dec("100000"),
		PerTransactionLimit:   dec("50000"),
		MinimumBalance:        dec("1000"),
	})
	require.NoError(t, err)

	_, err = svc.Withdraw(ctx, alice, a.ID, dec("4000.01"), "")
	require.ErrorIs(t, err, domain.ErrMinimumBalanceViolation)

	_, err = svc.Withdraw(ctx, alice, a.ID, dec("4000"), "")
	require.NoError(t, err)
	assertAmount(t, "1000", repo.account(a.ID).Balance)
}

func TestFrozenAccountRejectsDeposit(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "15000", "50000", "100000")
	ctx := context.Background()

	_, err := svc.FreezeAccount(ctx, admin, a.ID, "suspicious activity")
	require.NoError(t, err)

	_, err = svc.Deposit(ctx, alice, a.ID, dec("100"), "")
	require.ErrorIs(t, err, domain.ErrAccountNotActive)
	assert.ErrorIs(t, err, domain.KindPolicyViolation)
	assertAmount(t, "15000", repo.account(a.ID).Balance)
	assert.Empty(t, repo.ledgerFor(a.ID))
}

func TestConcurrentWithdrawalsApplyOnce(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "10000", "50000", "100000")

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Withdraw(context.Background(), alice, a.ID, dec("8000"), "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	}
	assert.Equal(t, 1, succeeded)
	assertAmount(t, "2000", repo.account(a.ID).Balance)
	assert.Len(t, repo.ledgerFor(a.ID), 1)
}

func TestReferenceCollisionRetriesWholeUnitOfWork(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "100", "50000", "100000")
	repo.collisions = 2

	_, err := svc.Deposit(context.Background(), alice, a.ID, dec("50"), "")
	require.NoError(t, err)
	assertAmount(t, "150", repo.account(a.ID).Balance)
	assert.Len(t, repo.ledgerFor(a.ID), 1)
}

func TestReferenceCollisionGivesUpAfterMaxAttempts(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "100", "50000", "100000")
	repo.collisions = maxReferenceAttempts + 1

	_, err := svc.Deposit(context.Background(), alice, a.ID, dec("50"), "")
	require.ErrorIs(t, err, store.ErrDuplicateReference)
	assertAmount(t, "100", repo.account(a.ID).Balance)
	assert.Empty(t, repo.ledger())
}

func TestSideEffectFailureDoesNotFailOperation(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "100", "50000", "100000")
	repo.enqueueErr = errors.New("outbox unavailable")

	_, err := svc.Deposit(context.Background(), alice, a.ID, dec("50"), "")
	require.NoError(t, err)
	assertAmount(t, "150", repo.account(a.ID).Balance)
	assert.Len(t, repo.ledgerFor(a.ID), 1)
}

func TestHighValueMovementRaisesSecurityAlert(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "0", "50000", "100000")

	_, err := svc.Deposit(context.Background(), alice, a.ID, dec("30000"), "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Deposit Successful", "High-Value Transaction Alert"}, repo.notificationTitles(aliceID))
}
