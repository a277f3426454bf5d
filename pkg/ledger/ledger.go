// Package ledger holds virtual accounts and their immutable transaction
// histories. Balances are mutated only through ApplyTransfer; shadow
// simulations run against named balance projections so real balances never
// move outside an authorized commit.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chainbridge-labs/shadowcore/pkg/money"
)

var (
	ErrDuplicateAccount  = errors.New("account already exists")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Transfer is a request to move funds between two accounts.
type Transfer struct {
	TxID   string
	From   string
	To     string
	Amount money.Amount
}

// account is the internal mutable record. Balance is reachable only through
// the Store API; snapshots are handed out, never the live struct.
type account struct {
	mu      sync.Mutex
	id      string
	balance money.Amount
	history []string
}

// Account is an immutable snapshot of an account's state.
type Account struct {
	ID      string       `json:"id"`
	Balance money.Amount `json:"balance"`
	History []string     `json:"history"`
}

func (a *account) snapshot() Account {
	return Account{
		ID:      a.id,
		Balance: a.balance,
		History: append([]string(nil), a.history...),
	}
}

// Store is the in-memory ledger. Accounts are created on demand and never
// deleted within a session.
type Store struct {
	mu          sync.RWMutex
	accounts    map[string]*account
	projections map[string]*Projection
}

// NewStore creates an empty ledger store.
func NewStore() *Store {
	return &Store{
		accounts:    make(map[string]*account),
		projections: make(map[string]*Projection),
	}
}

// CreateAccount registers a new account with an initial funding balance.
func (s *Store) CreateAccount(id string, initial money.Amount) (Account, error) {
	if id == "" {
		return Account{}, fmt.Errorf("%w: empty account id", ErrAccountNotFound)
	}
	if initial.IsNegative() {
		return Account{}, fmt.Errorf("%w: initial balance %s is negative", ErrInvalidAmount, initial)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[id]; exists {
		return Account{}, fmt.Errorf("%w: %s", ErrDuplicateAccount, id)
	}
	acct := &account{id: id, balance: initial}
	s.accounts[id] = acct
	return acct.snapshot(), nil
}

// GetAccount returns a snapshot of an account.
func (s *Store) GetAccount(id string) (Account, error) {
	acct, err := s.lookup(id)
	if err != nil {
		return Account{}, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.snapshot(), nil
}

func (s *Store) lookup(id string) (*account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return acct, nil
}

// ApplyTransfer debits the source and credits the destination as one atomic
// step, then appends the transaction to both histories. It is the only
// mutator of real balances. The amount > 0 check is safety-critical and is
// never skipped, regardless of what upstream validation ran.
func (s *Store) ApplyTransfer(t Transfer) (Account, Account, error) {
	if !t.Amount.IsPositive() {
		return Account{}, Account{}, fmt.Errorf("%w: transfer amount %s must be positive", ErrInvalidAmount, t.Amount)
	}
	if t.From == t.To {
		return Account{}, Account{}, fmt.Errorf("%w: self transfer %s", ErrInvalidAmount, t.From)
	}

	from, err := s.lookup(t.From)
	if err != nil {
		return Account{}, Account{}, err
	}
	to, err := s.lookup(t.To)
	if err != nil {
		return Account{}, Account{}, err
	}

	// Lock both accounts in ID order to avoid deadlock between concurrent
	// transfers over the same pair.
	first, second := from, to
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	cmp, err := from.balance.Cmp(t.Amount)
	if err != nil {
		return Account{}, Account{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if cmp < 0 {
		return Account{}, Account{}, fmt.Errorf("%w: account %s holds %s, transfer needs %s",
			ErrInsufficientFunds, from.id, from.balance, t.Amount)
	}

	debited, err := from.balance.Sub(t.Amount)
	if err != nil {
		return Account{}, Account{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	credited, err := to.balance.Add(t.Amount)
	if err != nil {
		return Account{}, Account{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	from.balance = debited
	to.balance = credited
	from.history = append(from.history, t.TxID)
	to.history = append(to.history, t.TxID)

	return from.snapshot(), to.snapshot(), nil
}

// RecordParticipation appends a transaction identifier to both accounts'
// histories without touching balances. Used by the shadow path, where the
// audit trail records the attempt but settlement is virtual.
func (s *Store) RecordParticipation(txID, fromID, toID string) error {
	from, err := s.lookup(fromID)
	if err != nil {
		return err
	}
	to, err := s.lookup(toID)
	if err != nil {
		return err
	}

	first, second := from, to
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	from.history = append(from.history, txID)
	to.history = append(to.history, txID)
	return nil
}

// TotalMinor sums all real balances held in the given currency.
// Conservation checks compare this value before and after simulation runs.
func (s *Store) TotalMinor(currency string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, acct := range s.accounts {
		acct.mu.Lock()
		if acct.balance.Currency == currency {
			total += acct.balance.Minor
		}
		acct.mu.Unlock()
	}
	return total
}

// Snapshot returns read-only copies of every account, ordered by ID.
func (s *Store) Snapshot() []Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		acct.mu.Lock()
		out = append(out, acct.snapshot())
		acct.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
