package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"poseidon/internal/domain"
	"poseidon/internal/ledger"
	pkgerrors "poseidon/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const entryColumns = `id, account_id, entry_type, direction, amount, currency, status,
	reference_id, correlation_id, metadata, created_at, updated_at`

// LedgerStore implements ledger.Store on PostgreSQL. Every AtomicUpdate runs in a
// SERIALIZABLE transaction and takes row locks on accounts in ascending id order.
type LedgerStore struct {
	db         *sqlx.DB
	maxRetries int
	now        func() time.Time
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(db *sqlx.DB, maxRetries int) *LedgerStore {
	return &LedgerStore{
		db:         db,
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// AtomicUpdate implements ledger.Store.
func (s *LedgerStore) AtomicUpdate(ctx context.Context, refs []ledger.AccountRef, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return ledger.RetryOnConflict(ctx, s.maxRetries, func() error {
		return s.atomicUpdateOnce(ctx, refs, fn)
	})
}

func (s *LedgerStore) atomicUpdateOnce(ctx context.Context, refs []ledger.AccountRef, fn func(ctx context.Context, tx ledger.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return classify(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	ptx := &pgTx{
		store:    s,
		tx:       tx,
		working:  make(map[uuid.UUID]*domain.Account),
		original: make(map[uuid.UUID]*domain.Account),
		resolved: make(map[string]uuid.UUID),
	}

	ids := make([]uuid.UUID, 0, len(refs))
	for _, ref := range refs {
		if ref.External == nil {
			ptx.resolved[ref.Key()] = ref.ID
			ids = append(ids, ref.ID)
			continue
		}
		id, err := resolveExternal(ctx, tx, ledger.NewPlaceholder(*ref.External, s.now()))
		if err != nil {
			return err
		}
		ptx.resolved[ref.Key()] = id
		ids = append(ids, id)
	}

	// Lock accounts in deterministic order to prevent deadlocks
	for _, id := range ledger.SortedIDs(ids) {
		account, err := lockAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		ptx.working[id] = account
		ptx.original[id] = account.Clone()
	}

	if err := fn(ctx, ptx); err != nil {
		return err
	}

	for id, after := range ptx.working {
		changed, err := ledger.ChangedBalances(ptx.original[id], after)
		if err != nil {
			return err
		}
		for _, c := range changed {
			if err := upsertBalance(ctx, tx, id, c, after.Balance(c)); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(err, "failed to commit ledger update")
	}
	return nil
}

// FindEntryByReference returns the entry with the given reference.
func (s *LedgerStore) FindEntryByReference(ctx context.Context, reference string) (*domain.LedgerEntry, error) {
	entry := &domain.LedgerEntry{}
	err := s.db.GetContext(ctx, entry, `SELECT `+entryColumns+` FROM ledger_entries WHERE reference_id = $1`, reference)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, pkgerrors.ErrEntryNotFound
		}
		return nil, pkgerrors.Wrap(err, "failed to find entry by reference")
	}
	return entry, nil
}

// FindEntriesByCorrelation returns all entries of a transfer in journal order.
func (s *LedgerStore) FindEntriesByCorrelation(ctx context.Context, correlationID string) ([]*domain.LedgerEntry, error) {
	var entries []*domain.LedgerEntry
	err := s.db.SelectContext(ctx, &entries,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE correlation_id = $1 ORDER BY created_at, reference_id`,
		correlationID,
	)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to find entries by correlation")
	}
	return entries, nil
}

// ListEntriesByAccount returns an account's journal, newest first.
func (s *LedgerStore) ListEntriesByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*domain.LedgerEntry, error) {
	entries := []*domain.LedgerEntry{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, reference_id DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list entries")
	}
	return entries, nil
}

// FindStalePending returns transfer credits still pending since before olderThan.
func (s *LedgerStore) FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.LedgerEntry, error) {
	var entries []*domain.LedgerEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE status = 'pending' AND direction = 'credit' AND entry_type = 'transfer'
		AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to find stale pending entries")
	}
	return entries, nil
}

// SumDebitsSince returns transfer debits net of reversal refunds.
func (s *LedgerStore) SumDebitsSince(ctx context.Context, accountID uuid.UUID, currency domain.Currency, since time.Time) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(CASE
			WHEN entry_type = 'transfer' AND direction = 'debit' THEN amount
			WHEN entry_type = 'reversal' AND direction = 'credit' THEN -amount
			ELSE 0 END), 0)
		FROM ledger_entries
		WHERE account_id = $1 AND currency = $2 AND created_at >= $3
	`, accountID, currency, since)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "failed to sum debits")
	}
	if total < 0 {
		total = 0
	}
	return total, nil
}

// Totals aggregates balances and successful deposits per currency.
func (s *LedgerStore) Totals(ctx context.Context) ([]ledger.CurrencyTotal, error) {
	var totals []ledger.CurrencyTotal
	err := s.db.SelectContext(ctx, &totals, `
		WITH b AS (
			SELECT currency, SUM(available)::BIGINT AS available, SUM(pending)::BIGINT AS pending
			FROM balances GROUP BY currency
		), d AS (
			SELECT currency, SUM(amount)::BIGINT AS deposits
			FROM ledger_entries WHERE entry_type = 'deposit' AND status = 'success'
			GROUP BY currency
		)
		SELECT COALESCE(b.currency, d.currency) AS currency,
			COALESCE(b.available, 0) AS available,
			COALESCE(b.pending, 0) AS pending,
			COALESCE(d.deposits, 0) AS deposits
		FROM b FULL OUTER JOIN d ON b.currency = d.currency
		ORDER BY 1
	`)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to compute totals")
	}
	return totals, nil
}

// Ping checks database connectivity.
func (s *LedgerStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type pgTx struct {
	store    *LedgerStore
	tx       *sqlx.Tx
	working  map[uuid.UUID]*domain.Account
	original map[uuid.UUID]*domain.Account
	resolved map[string]uuid.UUID
}

func (t *pgTx) Account(id uuid.UUID) (*domain.Account, error) {
	a, ok := t.working[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not locked by this update", pkgerrors.ErrAccountNotFound, id)
	}
	return a, nil
}

func (t *pgTx) Resolve(ref ledger.AccountRef) (*domain.Account, error) {
	id, ok := t.resolved[ref.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrAccountNotFound, ref)
	}
	return t.Account(id)
}

func (t *pgTx) EntryByReference(ctx context.Context, reference string) (*domain.LedgerEntry, error) {
	entry := &domain.LedgerEntry{}
	err := t.tx.GetContext(ctx, entry,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE reference_id = $1 FOR UPDATE`, reference)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, pkgerrors.ErrEntryNotFound
		}
		return nil, classify(err, "failed to load entry")
	}
	return entry, nil
}

func (t *pgTx) InsertEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	now := t.store.now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	if entry.Metadata == nil {
		entry.Metadata = domain.Metadata{}
	}

	query := `
		INSERT INTO ledger_entries (` + entryColumns + `) VALUES (
			:id, :account_id, :entry_type, :direction, :amount, :currency, :status,
			:reference_id, :correlation_id, :metadata, :created_at, :updated_at
		)
	`
	if _, err := t.tx.NamedExecContext(ctx, query, entry); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", pkgerrors.ErrDuplicateReference, entry.ReferenceID)
		}
		return classify(err, "failed to insert ledger entry")
	}
	return nil
}

func (t *pgTx) UpdateEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	entry.UpdatedAt = t.store.now()
	result, err := t.tx.ExecContext(ctx, `
		UPDATE ledger_entries SET status = $1, metadata = $2, updated_at = $3
		WHERE reference_id = $4 AND status = 'pending'
	`, entry.Status, entry.Metadata, entry.UpdatedAt, entry.ReferenceID)
	if err != nil {
		return classify(err, "failed to update ledger entry")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to read affected rows")
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", pkgerrors.ErrEntryFinalized, entry.ReferenceID)
	}
	return nil
}

// classify maps retryable PostgreSQL failures onto ErrSerializationConflict.
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%s: %w: %v", message, pkgerrors.ErrSerializationConflict, pqErr)
		}
	}
	return pkgerrors.Wrap(err, message)
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}
