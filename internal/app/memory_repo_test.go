package app

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bms/funds-service/internal/domain"
	"github.com/bms/funds-service/internal/store"
	"github.com/shopspring/decimal"
)

// memoryRepo is an in-memory store.Repository. Units of work run one at a time against a
// copy of the state, which is swapped in only when the callback succeeds.
type memoryRepo struct {
	txMu sync.Mutex
	mu   sync.Mutex

	state    memState
	users    map[int64]*domain.User
	events   []domain.OutboxEvent
	audits   []domain.AuditEvent
	inbox    []domain.Notification
	nextNote int64

	// collisions forces the next n ledger inserts to report a duplicate reference.
	collisions int
	enqueueErr error
	clock      func() time.Time
}

type memState struct {
	accounts map[int64]domain.Account
	txns     []domain.Transaction
	nextAcct int64
	nextTxn  int64
}

func (s memState) clone() memState {
	accounts := make(map[int64]domain.Account, len(s.accounts))
	for id, acct := range s.accounts {
		accounts[id] = acct
	}
	txns := make([]domain.Transaction, len(s.txns))
	copy(txns, s.txns)
	return memState{accounts: accounts, txns: txns, nextAcct: s.nextAcct, nextTxn: s.nextTxn}
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		state: memState{accounts: make(map[int64]domain.Account)},
		users: make(map[int64]*domain.User),
		clock: time.Now,
	}
}

var _ store.Repository = (*memoryRepo)(nil)

func (r *memoryRepo) addUser(user domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := user
	r.users[u.ID] = &u
}

// seedAccount stores an ACTIVE account owned by ownerID with the given balance and limits.
func (r *memoryRepo) seedAccount(t *testing.T, ownerID int64, number string, balance, perTxn, daily string) domain.Account {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.nextAcct++
	now := r.clock()
	acct := domain.Account{
		ID:                    r.state.nextAcct,
		AccountNumber:         number,
		HolderName:            "Holder " + number,
		AccountType:           "SAVINGS",
		Balance:               decimal.RequireFromString(balance),
		Status:                domain.AccountStatusActive,
		PerTransactionLimit:   decimal.RequireFromString(perTxn),
		DailyTransactionLimit: decimal.RequireFromString(daily),
		DailyTransactionTotal: decimal.Zero,
		LastLimitResetDate:    time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		MinimumBalance:        decimal.Zero,
		OwnerUserID:           ownerID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	r.state.accounts[acct.ID] = acct
	return acct
}

func (r *memoryRepo) account(id int64) domain.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.accounts[id]
}

func (r *memoryRepo) updateAccount(id int64, mutate func(acct *domain.Account)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct := r.state.accounts[id]
	mutate(&acct)
	r.state.accounts[id] = acct
}

func (r *memoryRepo) ledger() []domain.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Transaction, len(r.state.txns))
	copy(out, r.state.txns)
	return out
}

func (r *memoryRepo) ledgerFor(accountID int64) []domain.Transaction {
	var out []domain.Transaction
	for _, txn := range r.ledger() {
		if txn.AccountID == accountID {
			out = append(out, txn)
		}
	}
	return out
}

func (r *memoryRepo) ageTransactions(by time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.state.txns {
		r.state.txns[i].CreatedAt = r.state.txns[i].CreatedAt.Add(-by)
	}
}

func (r *memoryRepo) outboxEvents() []domain.OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.OutboxEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *memoryRepo) notificationTitles(userID int64) []string {
	var titles []string
	for _, event := range r.outboxEvents() {
		if n, ok := event.Payload.(domain.NotificationEvent); ok && n.UserID == userID {
			titles = append(titles, n.Title)
		}
	}
	return titles
}

func (r *memoryRepo) auditActions() []string {
	var actions []string
	for _, event := range r.outboxEvents() {
		if a, ok := event.Payload.(domain.AuditEvent); ok {
			actions = append(actions, a.Action)
		}
	}
	return actions
}

// InTx runs fn against a working copy and commits it on success.
func (r *memoryRepo) InTx(ctx context.Context, fn func(uow store.UnitOfWork) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	work := r.state.clone()
	r.mu.Unlock()

	uow := &memoryUnitOfWork{repo: r, state: &work}
	if err := fn(uow); err != nil {
		return err
	}

	r.mu.Lock()
	r.state = work
	r.mu.Unlock()
	return nil
}

type memoryUnitOfWork struct {
	repo  *memoryRepo
	state *memState
}

func (u *memoryUnitOfWork) LockAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	acct, ok := u.state.accounts[accountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return &acct, nil
}

func (u *memoryUnitOfWork) LockAccountsInOrder(ctx context.Context, accountIDs ...int64) (map[int64]*domain.Account, error) {
	locked := make(map[int64]*domain.Account, len(accountIDs))
	for _, id := range accountIDs {
		acct, err := u.LockAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = acct
	}
	return locked, nil
}

func (u *memoryUnitOfWork) SaveAccountBalance(ctx context.Context, acct *domain.Account) error {
	stored, ok := u.state.accounts[acct.ID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	stored.Balance = acct.Balance
	stored.DailyTransactionTotal = acct.DailyTransactionTotal
	stored.LastLimitResetDate = acct.LastLimitResetDate
	stored.LastTransactionAt = acct.LastTransactionAt
	u.state.accounts[acct.ID] = stored
	return nil
}

func (u *memoryUnitOfWork) SaveAccountStatus(ctx context.Context, acct *domain.Account) error {
	stored, ok := u.state.accounts[acct.ID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	stored.Status = acct.Status
	stored.FrozenReason = acct.FrozenReason
	stored.ClosedReason = acct.ClosedReason
	u.state.accounts[acct.ID] = stored
	return nil
}

func (u *memoryUnitOfWork) SaveAccountLimits(ctx context.Context, accountID int64, limits domain.AccountLimits) error {
	stored, ok := u.state.accounts[accountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	stored.DailyTransactionLimit = limits.DailyTransactionLimit
	stored.PerTransactionLimit = limits.PerTransactionLimit
	stored.MinimumBalance = limits.MinimumBalance
	u.state.accounts[accountID] = stored
	return nil
}

func (u *memoryUnitOfWork) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	return u.repo.insertTransaction(u.state, txn)
}

func (r *memoryRepo) insertTransaction(state *memState, txn *domain.Transaction) error {
	r.mu.Lock()
	forced := r.collisions > 0
	if forced {
		r.collisions--
	}
	r.mu.Unlock()
	if forced {
		return store.ErrDuplicateReference
	}

	for _, existing := range state.txns {
		if existing.ReferenceNumber == txn.ReferenceNumber && existing.Type == txn.Type {
			return store.ErrDuplicateReference
		}
	}
	state.nextTxn++
	txn.ID = state.nextTxn
	txn.CreatedAt = r.clock()
	txn.UpdatedAt = txn.CreatedAt
	state.txns = append(state.txns, *txn)
	return nil
}

func (u *memoryUnitOfWork) LockTransaction(ctx context.Context, transactionID int64) (*domain.Transaction, error) {
	for _, txn := range u.state.txns {
		if txn.ID == transactionID {
			found := txn
			return &found, nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

func (u *memoryUnitOfWork) LockTransactionByReference(ctx context.Context, reference string, txnType domain.TransactionType) (*domain.Transaction, error) {
	for _, txn := range u.state.txns {
		if txn.ReferenceNumber == reference && txn.Type == txnType {
			found := txn
			return &found, nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

func (u *memoryUnitOfWork) UpdateTransactionOutcome(ctx context.Context, txn *domain.Transaction) error {
	for i := range u.state.txns {
		stored := &u.state.txns[i]
		if stored.ID != txn.ID {
			continue
		}
		if stored.Status != domain.TransactionStatusPending {
			return domain.ErrTransactionNotPending
		}
		stored.Status = txn.Status
		stored.BalanceAfter = txn.BalanceAfter
		stored.Description = txn.Description
		stored.Remarks = txn.Remarks
		stored.UpdatedAt = u.repo.clock()
		return nil
	}
	return domain.ErrTransactionNotPending
}

func (r *memoryRepo) CreateAccount(ctx context.Context, acct *domain.Account, opening *domain.Transaction) error {
	return r.InTx(ctx, func(uow store.UnitOfWork) error {
		state := uow.(*memoryUnitOfWork).state
		for _, existing := range state.accounts {
			if existing.AccountNumber == acct.AccountNumber {
				return store.ErrDuplicateAccountNumber
			}
		}
		state.nextAcct++
		acct.ID = state.nextAcct
		acct.CreatedAt = r.clock()
		acct.UpdatedAt = acct.CreatedAt
		state.accounts[acct.ID] = *acct
		if opening != nil {
			opening.AccountID = acct.ID
			return r.insertTransaction(state, opening)
		}
		return nil
	})
}

func (r *memoryRepo) FindAccountByID(ctx context.Context, accountID int64) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.state.accounts[accountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return &acct, nil
}

func (r *memoryRepo) FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, acct := range r.state.accounts {
		if acct.AccountNumber == accountNumber {
			found := acct
			return &found, nil
		}
	}
	return nil, domain.ErrAccountNotFound
}

func (r *memoryRepo) ListAccountsByOwner(ctx context.Context, ownerUserID int64) ([]domain.Account, error) {
	all, _ := r.ListAccounts(ctx, 0)
	var owned []domain.Account
	for _, acct := range all {
		if acct.OwnerUserID == ownerUserID {
			owned = append(owned, acct)
		}
	}
	return owned, nil
}

func (r *memoryRepo) ListAccounts(ctx context.Context, limit int) ([]domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]domain.Account, 0, len(r.state.accounts))
	for _, acct := range r.state.accounts {
		all = append(all, acct)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *memoryRepo) FindTransactionByID(ctx context.Context, transactionID int64) (*domain.Transaction, error) {
	for _, txn := range r.ledger() {
		if txn.ID == transactionID {
			found := txn
			return &found, nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

func (r *memoryRepo) FindTransactionsByReference(ctx context.Context, reference string) ([]domain.Transaction, error) {
	reference = strings.ToUpper(strings.TrimSpace(reference))
	var legs []domain.Transaction
	for _, txn := range r.ledger() {
		if txn.ReferenceNumber == reference {
			legs = append(legs, txn)
		}
	}
	if len(legs) == 0 {
		return nil, domain.ErrTransactionNotFound
	}
	return legs, nil
}

func (r *memoryRepo) ListTransactions(ctx context.Context, query domain.HistoryQuery) ([]domain.Transaction, error) {
	out := []domain.Transaction{}
	for _, txn := range r.ledger() {
		switch {
		case !containsID(query.AccountIDs, txn.AccountID),
			txn.CreatedAt.Before(query.From),
			!query.To.IsZero() && !txn.CreatedAt.Before(query.To),
			query.Type != "" && txn.Type != query.Type,
			query.Status != "" && txn.Status != query.Status,
			query.MinAmount.Valid && txn.Amount.LessThan(query.MinAmount.Decimal),
			query.MaxAmount.Valid && txn.Amount.GreaterThan(query.MaxAmount.Decimal):
			continue
		}
		out = append(out, txn)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (r *memoryRepo) SearchTransactions(ctx context.Context, accountIDs []int64, term string, limit int) ([]domain.Transaction, error) {
	term = strings.ToLower(term)
	var out []domain.Transaction
	for _, txn := range r.ledger() {
		if !containsID(accountIDs, txn.AccountID) {
			continue
		}
		if strings.Contains(strings.ToLower(txn.Description), term) || strings.Contains(strings.ToLower(txn.ReferenceNumber), term) {
			out = append(out, txn)
		}
	}
	return out, nil
}

func (r *memoryRepo) TransactionStats(ctx context.Context, accountIDs []int64, from, to time.Time) (*domain.TransactionStats, error) {
	stats := &domain.TransactionStats{TotalDebit: decimal.Zero, TotalCredit: decimal.Zero, StartDate: from, EndDate: to}
	for _, txn := range r.ledger() {
		if !containsID(accountIDs, txn.AccountID) || !txn.Status.IsSettled() {
			continue
		}
		if txn.CreatedAt.Before(from) || !txn.CreatedAt.Before(to) {
			continue
		}
		if txn.Type.IsDebit() {
			stats.TotalDebit = stats.TotalDebit.Add(txn.Amount)
		} else {
			stats.TotalCredit = stats.TotalCredit.Add(txn.Amount)
		}
		stats.TotalCount++
	}
	stats.NetAmount = stats.TotalCredit.Sub(stats.TotalDebit)
	return stats, nil
}

func (r *memoryRepo) ListPendingTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, txn := range r.ledger() {
		if txn.Status == domain.TransactionStatusPending {
			out = append(out, txn)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListStalePendingTransfers(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, txn := range r.ledger() {
		if txn.Status == domain.TransactionStatusPending && txn.Type == domain.TransactionTypeTransferOut && txn.CreatedAt.Before(olderThan) {
			out = append(out, txn)
		}
	}
	return out, nil
}

func (r *memoryRepo) ExpirePendingTransfer(ctx context.Context, transactionID int64, remarks string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.state.txns {
		txn := &r.state.txns[i]
		if txn.ID == transactionID && txn.Status == domain.TransactionStatusPending {
			txn.Status = domain.TransactionStatusFailed
			txn.Remarks = &remarks
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) ReplaceOtp(ctx context.Context, code *domain.OneTimeCode) error {
	return errors.New("otp codes are not stored by memoryRepo")
}

func (r *memoryRepo) FindActiveOtp(ctx context.Context, userID int64, purpose domain.OtpPurpose) (*domain.OneTimeCode, error) {
	return nil, store.ErrOtpNotFound
}

func (r *memoryRepo) RegisterOtpAttempt(ctx context.Context, codeID int64, maxAttempts int) (int, bool, error) {
	return 0, false, nil
}

func (r *memoryRepo) ConsumeOtp(ctx context.Context, codeID int64) (bool, error) {
	return false, nil
}

func (r *memoryRepo) DeleteExpiredOtps(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (r *memoryRepo) EnqueueEvents(ctx context.Context, exchange string, events []domain.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enqueueErr != nil {
		return r.enqueueErr
	}
	r.events = append(r.events, events...)
	return nil
}

func (r *memoryRepo) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error) {
	return nil, nil
}

func (r *memoryRepo) MarkOutboxPublished(ctx context.Context, id int64) error { return nil }

func (r *memoryRepo) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	return nil
}

func (r *memoryRepo) InsertAuditLog(ctx context.Context, event domain.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, event)
	return nil
}

func (r *memoryRepo) InsertNotification(ctx context.Context, event domain.NotificationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextNote++
	r.inbox = append(r.inbox, domain.Notification{
		ID:                   r.nextNote,
		UserID:               event.UserID,
		Title:                event.Title,
		Message:              event.Message,
		Category:             event.Category,
		RelatedAccountID:     event.RelatedAccountID,
		RelatedTransactionID: event.RelatedTransactionID,
		CreatedAt:            event.OccurredAt,
	})
	return nil
}

func (r *memoryRepo) ListNotifications(ctx context.Context, userID int64, limit int) ([]domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Notification
	for i := len(r.inbox) - 1; i >= 0; i-- {
		if r.inbox[i].UserID == userID {
			out = append(out, r.inbox[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) MarkNotificationRead(ctx context.Context, userID int64, notificationID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.inbox {
		if r.inbox[i].ID == notificationID && r.inbox[i].UserID == userID {
			r.inbox[i].IsRead = true
			return nil
		}
	}
	return domain.ErrNotificationNotFound
}

func (r *memoryRepo) FindUserByID(ctx context.Context, userID int64) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	found := *user
	return &found, nil
}

func (r *memoryRepo) FindUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if strings.EqualFold(user.Username, username) {
			found := *user
			return &found, nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
