package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"poseidon/internal/domain"
	"poseidon/pkg/errors"
)

const accountColumns = `id, display_name, kind, external_account_number, external_bank_code, created_at, updated_at`

type balanceRow struct {
	Currency  domain.Currency `db:"currency"`
	Available int64           `db:"available"`
	Pending   int64           `db:"pending"`
}

// CreateAccount inserts an account and its opening balances.
func (s *LedgerStore) CreateAccount(ctx context.Context, account *domain.Account) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	now := s.now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES (:id, :display_name, :kind, :external_account_number, :external_bank_code, :created_at, :updated_at)
	`
	if _, err := tx.NamedExecContext(ctx, query, account); err != nil {
		if isUniqueViolation(err) {
			return errors.ErrAccountAlreadyExists
		}
		return errors.Wrap(err, "failed to create account")
	}

	for _, c := range account.Currencies() {
		if err := upsertBalance(ctx, tx, account.ID, c, account.Balance(c)); err != nil {
			return err
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit account")
}

// GetAccount loads an account with all its balance pairs.
func (s *LedgerStore) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	account := &domain.Account{}
	err := s.db.GetContext(ctx, account, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrAccountNotFound
		}
		return nil, errors.Wrap(err, "failed to find account by id")
	}

	var rows []balanceRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT currency, available, pending FROM balances WHERE account_id = $1`, id); err != nil {
		return nil, errors.Wrap(err, "failed to load balances")
	}
	account.Balances = make(map[domain.Currency]domain.BalancePair, len(rows))
	for _, r := range rows {
		account.Balances[r.Currency] = domain.BalancePair{Available: r.Available, Pending: r.Pending}
	}
	return account, nil
}

// lockAccount takes row locks on an account and its balances inside tx.
func lockAccount(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*domain.Account, error) {
	account := &domain.Account{}
	err := tx.GetContext(ctx, account, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrap(errors.ErrAccountNotFound, id.String())
		}
		return nil, classify(err, "failed to lock account")
	}

	var rows []balanceRow
	if err := tx.SelectContext(ctx, &rows,
		`SELECT currency, available, pending FROM balances WHERE account_id = $1 ORDER BY currency FOR UPDATE`, id,
	); err != nil {
		return nil, classify(err, "failed to lock balances")
	}
	account.Balances = make(map[domain.Currency]domain.BalancePair, len(rows))
	for _, r := range rows {
		account.Balances[r.Currency] = domain.BalancePair{Available: r.Available, Pending: r.Pending}
	}
	return account, nil
}

// resolveExternal returns the placeholder id for a bank destination, inserting it when missing.
func resolveExternal(ctx context.Context, tx *sqlx.Tx, placeholder *domain.Account) (uuid.UUID, error) {
	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES (:id, :display_name, :kind, :external_account_number, :external_bank_code, :created_at, :updated_at)
		ON CONFLICT (external_account_number, external_bank_code) DO NOTHING
	`
	if _, err := tx.NamedExecContext(ctx, query, placeholder); err != nil {
		return uuid.Nil, classify(err, "failed to create external placeholder")
	}

	var id uuid.UUID
	err := tx.GetContext(ctx, &id,
		`SELECT id FROM accounts WHERE external_account_number = $1 AND external_bank_code = $2`,
		*placeholder.ExternalAccountNumber, *placeholder.ExternalBankCode,
	)
	if err != nil {
		return uuid.Nil, classify(err, "failed to resolve external placeholder")
	}
	return id, nil
}

func upsertBalance(ctx context.Context, tx *sqlx.Tx, accountID uuid.UUID, currency domain.Currency, pair domain.BalancePair) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balances (account_id, currency, available, pending, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (account_id, currency) DO UPDATE SET
			available = EXCLUDED.available,
			pending = EXCLUDED.pending,
			updated_at = NOW()
	`, accountID, currency, pair.Available, pair.Pending)
	if err != nil {
		return classify(err, "failed to write balance")
	}
	return nil
}
