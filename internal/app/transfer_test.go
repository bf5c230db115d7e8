package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bms/funds-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferRequest(from, to domain.Account, amount string) domain.TransferRequest {
	return domain.TransferRequest{
		FromAccountNumber: from.AccountNumber,
		ToAccountNumber:   to.AccountNumber,
		Amount:            dec(amount),
		Description:       "rent",
	}
}

func TestTransferBelowThresholdSettlesImmediately(t *testing.T) {
	svc, repo, gate := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "15000", "50000", "100000")
	b := repo.seedAccount(t, bobID, "AC0000000002", "0", "50000", "100000")
	before := totalBalance(repo)

	result, err := svc.InitiateTransfer(context.Background(), alice, transferRequest(a, b, "10000"))
	require.NoError(t, err)

	assert.Equal(t, domain.TransactionStatusSuccess, result.Status)
	assert.False(t, result.VerificationRequired)
	assertAmount(t, "5000", result.BalanceAfter)
	assert.Zero(t, gate.issueCount())

	assertAmount(t, "5000", repo.account(a.ID).Balance)
	assertAmount(t, "10000", repo.account(b.ID).Balance)
	assertAmount(t, "10000", repo.account(a.ID).DailyTransactionTotal)
	assert.True(t, before.Equal(totalBalance(repo)), "transfer must conserve money")

	legs, err := repo.FindTransactionsByReference(context.Background(), result.ReferenceNumber)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	out, in := legs[0], legs[1]
	assert.Equal(t, domain.TransactionTypeTransferOut, out.Type)
	assert.Equal(t, domain.TransactionTypeTransferIn, in.Type)
	assert.Equal(t, a.ID, out.AccountID)
	assert.Equal(t, b.ID, in.AccountID)
	assert.Equal(t, domain.TransactionStatusSuccess, out.Status)
	assert.Equal(t, domain.TransactionStatusSuccess, in.Status)
	assert.True(t, out.Amount.Equal(in.Amount))
	assertAmount(t, "5000", out.BalanceAfter)
	assertAmount(t, "10000", in.BalanceAfter)
	assert.Equal(t, "Transfer from AC0000000001", in.Description)

	assert.Contains(t, repo.notificationTitles(aliceID), "Transfer Successful")
	assert.Contains(t, repo.notificationTitles(bobID), "Money Received")
	assert.Contains(t, repo.auditActions(), domain.AuditTransferCompleted)
}

func TestTransferAboveThresholdRequiresVerification(t *testing.T) {
	svc, repo, gate := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "100000", "50000", "100000")
	b := repo.seedAccount(t, bobID, "AC0000000002", "0", "50000", "100000")
	ctx := context.Background()

	result, err := svc.InitiateTransfer(ctx, alice, transferRequest(a, b, "30000"))
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusPending, result.Status)
	assert.True(t, result.VerificationRequired)
	assert.Equal(t, verificationRequiredMessage, result.Message)
	assert.Equal(t, 1, gate.issueCount())

	// Nothing moved yet; the pending entry carries the prospective balance.
	assertAmount(t, "100000", repo.account(a.ID).Balance)
	assertAmount(t, "0", repo.account(b.ID).Balance)
	assertAmount(t, "0", repo.account(a.ID).DailyTransactionTotal)
	pending := repo.ledgerFor(a.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.TransactionStatusPending, pending[0].Status)
	assert.True(t, pending[0].RequiresOtp)
	assertAmount(t, "70000", pending[0].BalanceAfter)

	_, err = svc.CompleteTransfer(ctx, alice, result.ReferenceNumber, "")
	require.ErrorIs(t, err, domain.ErrInvalidOrExpiredOtp)
	assert.ErrorIs(t, err, domain.KindStepUpFailed)

	_, err = svc.CompleteTransfer(ctx, alice, result.ReferenceNumber, "000000")
	require.ErrorIs(t, err, domain.ErrInvalidOrExpiredOtp)
	assert.Equal(t, domain.TransactionStatusPending, repo.ledgerFor(a.ID)[0].Status)

	completed, err := svc.CompleteTransfer(ctx, alice, " "+result.ReferenceNumber+" ", testCode)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusSuccess, completed.Status)
	assertAmount(t, "70000", repo.account(a.ID).Balance)
	assertAmount(t, "30000", repo.account(b.ID).Balance)
	assertAmount(t, "30000", repo.account(a.ID).DailyTransactionTotal)

	_, err = svc.CompleteTransfer(ctx, alice, result.ReferenceNumber, testCode)
	require.ErrorIs(t, err, domain.ErrTransactionNotPending)
	assertAmount(t, "70000", repo.account(a.ID).Balance)
	assertAmount(t, "30000", repo.account(b.ID).Balance)
	assert.Len(t, repo.ledger(), 2)
}

func TestTransferInitiationValidation(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "1000", "50000", "100000")
	b := repo.seedAccount(t, bobID, "AC0000000002", "0", "50000", "100000")
	frozen := repo.seedAccount(t, bobID, "AC0000000003", "0", "50000", "100000")
	repo.updateAccount(frozen.ID, func(acct *domain.Account) { acct.Status = domain.AccountStatusFrozen })
	ctx := context.Background()

	tests := []struct {
		name  string
		actor domain.Actor
		req   domain.TransferRequest
		want  error
	}{
		{"same account", alice, transferRequest(a, a, "10"), domain.ErrSameAccount},
		{"same account different case", alice, domain.TransferRequest{FromAccountNumber: "ac0000000001", ToAccountNumber: "AC0000000001 ", Amount: dec("10")}, domain.ErrSameAccount},
		{"zero amount", alice, transferRequest(a, b, "0"), domain.ErrInvalidAmount},
		{"sub-cent amount", alice, transferRequest(a, b, "0.005"), domain.ErrInvalidAmount},
		{"missing destination", alice, domain.TransferRequest{FromAccountNumber: a.AccountNumber, Amount: dec("10")}, domain.ErrInvalidInput},
		{"unknown destination", alice, domain.TransferRequest{FromAccountNumber: a.AccountNumber, ToAccountNumber: "AC9999999999", Amount: dec("10")}, domain.ErrAccountNotFound},
		{"not owner", bob, transferRequest(a, b, "10"), domain.ErrNotOwner},
		{"frozen destination", alice, transferRequest(a, frozen, "10"), domain.ErrAccountNotActive},
		{"insufficient balance", alice, transferRequest(a, b, "1000.01"), domain.ErrInsufficientBalance},
		{"locked actor", locked, transferRequest(a, b, "10"), domain.ErrActorLocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.InitiateTransfer(ctx, tt.actor, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Empty(t, repo.ledger())
	assertAmount(t, "1000", repo.account(a.ID).Balance)
}

func TestTransferRespectsSourceLimits(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "200000", "20000", "100000")
	b := repo.seedAccount(t, bobID, "AC0000000002", "0", "50000", "100000")

	_, err := svc.InitiateTransfer(context.Background(), alice, transferRequest(a, b, "20000.01"))
	require.ErrorIs(t, err, domain.ErrLimitExceeded)
	assert.Empty(t, repo.ledger())
}

func TestCompletionRechecksBalanceAndMarksFailed(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "100000", "50000", "100000")
	b := repo.seedAccount(t, bobID, "AC0000000002", "0", "50000", "100000")
	ctx := context.Background()

	result, err := svc.InitiateTransfer(ctx, alice, transferRequest(a, b, "30000"))
	require.NoError(t, err)

	repo.updateAccount(a.ID, func(acct *domain.Account) { acct.Balance = dec("10000") })

	_, err = svc.CompleteTransfer(ctx, alice, result.ReferenceNumber, testCode)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	entries := repo.ledgerFor(a.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.TransactionStatusFailed, entries[0].Status)
	require.NotNil(t, entries[0].Remarks)
	assert.Contains(t, *entries[0].Remarks, "insufficient balance")
	assertAmount(t, "10000", repo.account(a.ID).Balance)
	assertAmount(t, "0", repo.account(b.ID).Balance)
	assert.Contains(t, repo.notificationTitles(aliceID), "Transfer Failed")

	_, err = svc.CompleteTransfer(ctx, alice, result.ReferenceNumber, testCode)
	require.ErrorIs(t, err, domain.ErrTransactionNotPending)
}

func TestCompletionFailsWhenDestinationFrozenMeanwhile(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "100000", "50000", "100000")
	b := repo.seedAccount(t, bobID, "AC0000000002", "0", "50000", "100000")
	ctx := context.Background()

	result, err := svc.InitiateTransfer(ctx, alice, transferRequest(a, b, "30000"))
	require.NoError(t, err)
	_, err = svc.FreezeAccount(ctx, admin, b.ID, "court order")
	require.NoError(t, err)

	_, err = svc.CompleteTransfer(ctx, alice, result.ReferenceNumber, testCode)
	require.ErrorIs(t, err, domain.ErrAccountNotActive)
	assert.Equal(t, domain.TransactionStatusFailed, repo.ledgerFor(a.ID)[0].Status)
	assertAmount(t, "100000", repo.account(a.ID).Balance)
}

func TestCompleteTransferOwnership(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "100000", "50000", "100000")
	b := repo.seedAccount(t, bobID, "AC0000000002", "0", "50000", "100000")
	ctx := context.Background()

	result, err := svc.InitiateTransfer(ctx, alice, transferRequest(a, b, "30000"))
	require.NoError(t, err)

	_, err = svc.CompleteTransfer(ctx, bob, result.ReferenceNumber, testCode)
	require.ErrorIs(t, err, domain.ErrNotOwner)

	_, err = svc.CompleteTransfer(ctx, alice, "TXNDEADBEEF", testCode)
	require.ErrorIs(t, err, domain.ErrTransactionNotFound)

	_, err = svc.CompleteTransfer(ctx, alice, "", testCode)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConcurrentCompletionAppliesOnce(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "100000", "50000", "100000")
	b := repo.seedAccount(t, bobID, "AC0000000002", "0", "50000", "100000")
	ctx := context.Background()

	result, err := svc.InitiateTransfer(ctx, alice, transferRequest(a, b, "30000"))
	require.NoError(t, err)
	out := repo.ledgerFor(a.ID)[0]

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = svc.CompleteTransfer(ctx, alice, result.ReferenceNumber, testCode)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = svc.ApproveTransaction(ctx, admin, out.ID, "")
	}()
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, domain.ErrTransactionNotPending), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assertAmount(t, "70000", repo.account(a.ID).Balance)
	assertAmount(t, "30000", repo.account(b.ID).Balance)
	assert.Len(t, repo.ledgerFor(b.ID), 1)
}

func TestInitiationToleratesOtpDeliveryFailureAndResend(t *testing.T) {
	svc, repo, gate := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "100000", "50000", "100000")
	b := repo.seedAccount(t, bobID, "AC0000000002", "0", "50000", "100000")
	ctx := context.Background()

	gate.issueErr = errors.New("mail relay down")
	result, err := svc.InitiateTransfer(ctx, alice, transferRequest(a, b, "30000"))
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusPending, result.Status)
	assert.Zero(t, gate.issueCount())

	gate.issueErr = nil
	require.NoError(t, svc.ResendTransferOtp(ctx, alice, result.ReferenceNumber))
	assert.Equal(t, 1, gate.issueCount())

	_, err = svc.CompleteTransfer(ctx, alice, result.ReferenceNumber, testCode)
	require.NoError(t, err)
	assertAmount(t, "30000", repo.account(b.ID).Balance)
}

func TestResendTransferOtpGuards(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "100000", "50000", "100000")
	b := repo.seedAccount(t, bobID, "AC0000000002", "0", "50000", "100000")
	ctx := context.Background()

	pending, err := svc.InitiateTransfer(ctx, alice, transferRequest(a, b, "30000"))
	require.NoError(t, err)
	settled, err := svc.InitiateTransfer(ctx, alice, transferRequest(a, b, "100"))
	require.NoError(t, err)

	assert.ErrorIs(t, svc.ResendTransferOtp(ctx, bob, pending.ReferenceNumber), domain.ErrNotOwner)
	assert.ErrorIs(t, svc.ResendTransferOtp(ctx, alice, settled.ReferenceNumber), domain.ErrTransactionNotPending)
	assert.ErrorIs(t, svc.ResendTransferOtp(ctx, alice, "TXN00000000"), domain.ErrTransactionNotFound)
}

func TestExpirePendingTransfers(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := repo.seedAccount(t, aliceID, "AC0000000001", "100000", "50000", "100000")
	b := repo.seedAccount(t, bobID, "AC0000000002", "0", "50000", "100000")
	ctx := context.Background()

	result, err := svc.InitiateTransfer(ctx, alice, transferRequest(a, b, "30000"))
	require.NoError(t, err)

	expired, err := svc.ExpirePendingTransfers(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired, "fresh transfers are not expired")

	repo.ageTransactions(16 * time.Minute)
	expired, err = svc.ExpirePendingTransfers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	entry := repo.ledgerFor(a.ID)[0]
	assert.Equal(t, domain.TransactionStatusFailed, entry.Status)
	require.NotNil(t, entry.Remarks)
	assert.Contains(t, *entry.Remarks, "15 minutes")
	assert.Contains(t, repo.notificationTitles(aliceID), "Transfer Expired")
	assert.Contains(t, repo.auditActions(), domain.AuditTransferExpired)

	_, err = svc.CompleteTransfer(ctx, alice, result.ReferenceNumber, testCode)
	require.ErrorIs(t, err, domain.ErrTransactionNotPending)
	assertAmount(t, "100000", repo.account(a.ID).Balance)

	expired, err = svc.ExpirePendingTransfers(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)
}
