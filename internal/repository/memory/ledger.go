// Package memory provides an in-process ledger store used in development mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"poseidon/internal/domain"
	"poseidon/internal/ledger"
	pkgerrors "poseidon/pkg/errors"

	"github.com/google/uuid"
)

// LedgerStore keeps accounts and entries in maps. Account mutexes are taken in
// ascending id order for the duration of an AtomicUpdate; the store mutex only
// guards the maps themselves.
type LedgerStore struct {
	mu         sync.RWMutex
	accounts   map[uuid.UUID]*domain.Account
	external   map[string]uuid.UUID
	entries    []*domain.LedgerEntry
	byRef      map[string]*domain.LedgerEntry
	locks      map[uuid.UUID]*sync.Mutex
	maxRetries int
	now        func() time.Time
}

// NewLedgerStore creates an empty store.
func NewLedgerStore(maxRetries int) *LedgerStore {
	return &LedgerStore{
		accounts:   make(map[uuid.UUID]*domain.Account),
		external:   make(map[string]uuid.UUID),
		byRef:      make(map[string]*domain.LedgerEntry),
		locks:      make(map[uuid.UUID]*sync.Mutex),
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateAccount registers a new account.
func (s *LedgerStore) CreateAccount(ctx context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	if _, ok := s.accounts[account.ID]; ok {
		return pkgerrors.ErrAccountAlreadyExists
	}
	if account.IsExternal() && account.ExternalAccountNumber != nil && account.ExternalBankCode != nil {
		key := ledger.ExternalKey(*account.ExternalAccountNumber, *account.ExternalBankCode)
		if _, ok := s.external[key]; ok {
			return pkgerrors.ErrAccountAlreadyExists
		}
		s.external[key] = account.ID
	}
	now := s.now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	s.accounts[account.ID] = account.Clone()
	s.locks[account.ID] = &sync.Mutex{}
	return nil
}

// GetAccount returns a copy of the account.
func (s *LedgerStore) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, pkgerrors.ErrAccountNotFound
	}
	return a.Clone(), nil
}

// AtomicUpdate implements ledger.Store.
func (s *LedgerStore) AtomicUpdate(ctx context.Context, refs []ledger.AccountRef, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return ledger.RetryOnConflict(ctx, s.maxRetries, func() error {
		return s.atomicUpdateOnce(ctx, refs, fn)
	})
}

func (s *LedgerStore) atomicUpdateOnce(ctx context.Context, refs []ledger.AccountRef, fn func(ctx context.Context, tx ledger.Tx) error) error {
	tx := &memTx{
		store:    s,
		working:  make(map[uuid.UUID]*domain.Account),
		original: make(map[uuid.UUID]*domain.Account),
		resolved: make(map[string]uuid.UUID),
		created:  make(map[uuid.UUID]string),
		updates:  make(map[string]*domain.LedgerEntry),
		inserted: make(map[string]*domain.LedgerEntry),
	}

	// Resolve every ref to an id; unseen external destinations get a staged placeholder.
	ids := make([]uuid.UUID, 0, len(refs))
	s.mu.RLock()
	for _, ref := range refs {
		if ref.External == nil {
			if _, ok := s.accounts[ref.ID]; !ok {
				s.mu.RUnlock()
				return fmt.Errorf("%w: %s", pkgerrors.ErrAccountNotFound, ref.ID)
			}
			tx.resolved[ref.Key()] = ref.ID
			ids = append(ids, ref.ID)
			continue
		}
		if id, ok := s.external[ref.Key()]; ok {
			tx.resolved[ref.Key()] = id
			ids = append(ids, id)
			continue
		}
		if id, ok := tx.resolved[ref.Key()]; ok {
			ids = append(ids, id)
			continue
		}
		placeholder := ledger.NewPlaceholder(*ref.External, s.now())
		tx.resolved[ref.Key()] = placeholder.ID
		tx.created[placeholder.ID] = ref.Key()
		tx.working[placeholder.ID] = placeholder
		tx.original[placeholder.ID] = placeholder.Clone()
	}
	locks := make([]*sync.Mutex, 0, len(ids))
	sorted := ledger.SortedIDs(ids)
	for _, id := range sorted {
		locks = append(locks, s.locks[id])
	}
	s.mu.RUnlock()

	for _, l := range locks {
		l.Lock()
	}
	defer func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}()

	s.mu.RLock()
	for _, id := range sorted {
		a := s.accounts[id]
		tx.working[id] = a.Clone()
		tx.original[id] = a.Clone()
	}
	s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *LedgerStore) commit(tx *memTx) error {
	changed := make(map[uuid.UUID]bool)
	for id, after := range tx.working {
		cs, err := ledger.ChangedBalances(tx.original[id], after)
		if err != nil {
			return err
		}
		if len(cs) > 0 {
			changed[id] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range tx.created {
		if _, taken := s.external[key]; taken {
			return fmt.Errorf("%w: placeholder %s created concurrently", pkgerrors.ErrSerializationConflict, key)
		}
	}
	for ref := range tx.inserted {
		if _, dup := s.byRef[ref]; dup {
			return fmt.Errorf("%w: %s", pkgerrors.ErrDuplicateReference, ref)
		}
	}
	for ref := range tx.updates {
		stored, ok := s.byRef[ref]
		if !ok {
			return fmt.Errorf("%w: %s", pkgerrors.ErrEntryNotFound, ref)
		}
		if stored.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", pkgerrors.ErrEntryFinalized, ref)
		}
	}

	now := s.now()
	for id, key := range tx.created {
		a := tx.working[id].Clone()
		a.UpdatedAt = now
		s.accounts[id] = a
		s.external[key] = id
		s.locks[id] = &sync.Mutex{}
	}
	for id := range changed {
		if _, created := tx.created[id]; created {
			continue
		}
		a := tx.working[id].Clone()
		a.UpdatedAt = now
		s.accounts[id] = a
	}
	for _, e := range tx.insertOrder {
		stored := e.Clone()
		s.entries = append(s.entries, stored)
		s.byRef[stored.ReferenceID] = stored
	}
	for ref, e := range tx.updates {
		stored := s.byRef[ref]
		stored.Status = e.Status
		stored.Metadata = e.Metadata.Merge(nil)
		stored.UpdatedAt = now
	}
	return nil
}

// FindEntryByReference returns a copy of the entry with the given reference.
func (s *LedgerStore) FindEntryByReference(ctx context.Context, reference string) (*domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byRef[reference]
	if !ok {
		return nil, pkgerrors.ErrEntryNotFound
	}
	return e.Clone(), nil
}

// FindEntriesByCorrelation returns entries sharing a correlation id in journal order.
func (s *LedgerStore) FindEntriesByCorrelation(ctx context.Context, correlationID string) ([]*domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.LedgerEntry
	for _, e := range s.entries {
		if e.CorrelationID == correlationID {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// ListEntriesByAccount returns an account's entries, newest first.
func (s *LedgerStore) ListEntriesByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].AccountID == accountID {
			out = append(out, s.entries[i].Clone())
		}
	}
	if offset >= len(out) {
		return []*domain.LedgerEntry{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// FindStalePending returns pending transfer credits created before olderThan.
func (s *LedgerStore) FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.LedgerEntry
	for _, e := range s.entries {
		if e.Status != domain.EntryStatusPending || e.Direction != domain.DirectionCredit || e.Type != domain.EntryTypeTransfer {
			continue
		}
		if !e.CreatedAt.Before(olderThan) {
			continue
		}
		out = append(out, e.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SumDebitsSince returns transfer debits minus reversal refunds for an account since a point in time.
func (s *LedgerStore) SumDebitsSince(ctx context.Context, accountID uuid.UUID, currency domain.Currency, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, e := range s.entries {
		if e.AccountID != accountID || e.Currency != currency || e.CreatedAt.Before(since) {
			continue
		}
		switch {
		case e.Type == domain.EntryTypeTransfer && e.Direction == domain.DirectionDebit:
			total += e.Amount
		case e.Type == domain.EntryTypeReversal && e.Direction == domain.DirectionCredit:
			total -= e.Amount
		}
	}
	if total < 0 {
		total = 0
	}
	return total, nil
}

// Totals sums balances and successful deposits per currency.
func (s *LedgerStore) Totals(ctx context.Context) ([]ledger.CurrencyTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byCurrency := make(map[domain.Currency]*ledger.CurrencyTotal)
	get := func(c domain.Currency) *ledger.CurrencyTotal {
		t, ok := byCurrency[c]
		if !ok {
			t = &ledger.CurrencyTotal{Currency: c}
			byCurrency[c] = t
		}
		return t
	}
	for _, a := range s.accounts {
		for c, p := range a.Balances {
			t := get(c)
			t.Available += p.Available
			t.Pending += p.Pending
		}
	}
	for _, e := range s.entries {
		if e.Type == domain.EntryTypeDeposit && e.Status == domain.EntryStatusSuccess {
			get(e.Currency).Deposits += e.Amount
		}
	}

	out := make([]ledger.CurrencyTotal, 0, len(byCurrency))
	for _, t := range byCurrency {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

// Ping always succeeds.
func (s *LedgerStore) Ping(ctx context.Context) error {
	return nil
}

type memTx struct {
	store       *LedgerStore
	working     map[uuid.UUID]*domain.Account
	original    map[uuid.UUID]*domain.Account
	resolved    map[string]uuid.UUID
	created     map[uuid.UUID]string
	updates     map[string]*domain.LedgerEntry
	inserted    map[string]*domain.LedgerEntry
	insertOrder []*domain.LedgerEntry
}

func (t *memTx) Account(id uuid.UUID) (*domain.Account, error) {
	a, ok := t.working[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not locked by this update", pkgerrors.ErrAccountNotFound, id)
	}
	return a, nil
}

func (t *memTx) Resolve(ref ledger.AccountRef) (*domain.Account, error) {
	id, ok := t.resolved[ref.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrAccountNotFound, ref)
	}
	return t.Account(id)
}

func (t *memTx) EntryByReference(ctx context.Context, reference string) (*domain.LedgerEntry, error) {
	if e, ok := t.inserted[reference]; ok {
		return e, nil
	}
	if e, ok := t.updates[reference]; ok {
		return e, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	e, ok := t.store.byRef[reference]
	if !ok {
		return nil, pkgerrors.ErrEntryNotFound
	}
	return e.Clone(), nil
}

func (t *memTx) InsertEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	if _, ok := t.working[entry.AccountID]; !ok {
		return fmt.Errorf("%w: entry account %s is not locked", pkgerrors.ErrAccountNotFound, entry.AccountID)
	}
	if _, dup := t.inserted[entry.ReferenceID]; dup {
		return fmt.Errorf("%w: %s", pkgerrors.ErrDuplicateReference, entry.ReferenceID)
	}
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
	stored := entry.Clone()
	t.inserted[entry.ReferenceID] = stored
	t.insertOrder = append(t.insertOrder, stored)
	return nil
}

func (t *memTx) UpdateEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	if e, ok := t.inserted[entry.ReferenceID]; ok {
		e.Status = entry.Status
		e.Metadata = entry.Metadata.Merge(nil)
		return nil
	}
	current, err := t.EntryByReference(ctx, entry.ReferenceID)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", pkgerrors.ErrEntryFinalized, entry.ReferenceID)
	}
	t.updates[entry.ReferenceID] = entry.Clone()
	return nil
}
