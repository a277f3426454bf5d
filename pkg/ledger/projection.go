package ledger

import (
	"fmt"
	"sync"

	"github.com/chainbridge-labs/shadowcore/pkg/money"
)

// Projection is a virtual balance overlay on top of the real ledger. Transfers
// applied to a projection move projected balances only; the underlying real
// balances are untouched. Each execution mode gets its own named projection,
// so repeated simulation is idempotent with respect to real state.
type Projection struct {
	mu      sync.Mutex
	name    string
	store   *Store
	virtual map[string]money.Amount
}

// Projection returns the named projection, creating it on first use.
func (s *Store) Projection(name string) *Projection {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.projections[name]; ok {
		return p
	}
	p := &Projection{
		name:    name,
		store:   s,
		virtual: make(map[string]money.Amount),
	}
	s.projections[name] = p
	return p
}

// Name returns the projection's name.
func (p *Projection) Name() string { return p.name }

// Balance returns the projected balance for an account: the overlay value if
// the projection has touched the account, otherwise the real balance.
func (p *Projection) Balance(id string) (money.Amount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balanceLocked(id)
}

func (p *Projection) balanceLocked(id string) (money.Amount, error) {
	if v, ok := p.virtual[id]; ok {
		return v, nil
	}
	acct, err := p.store.GetAccount(id)
	if err != nil {
		return money.Amount{}, err
	}
	return acct.Balance, nil
}

// ApplyTransfer applies a transfer against projected balances. Validation
// mirrors the real ledger: amount > 0, both accounts exist, sufficient
// projected funds. The projection mutex serializes the balance check with the
// apply, so concurrent simulations observe a serializable order.
func (p *Projection) ApplyTransfer(t Transfer) (money.Amount, money.Amount, error) {
	if !t.Amount.IsPositive() {
		return money.Amount{}, money.Amount{}, fmt.Errorf("%w: transfer amount %s must be positive", ErrInvalidAmount, t.Amount)
	}
	if t.From == t.To {
		return money.Amount{}, money.Amount{}, fmt.Errorf("%w: self transfer %s", ErrInvalidAmount, t.From)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fromBal, err := p.balanceLocked(t.From)
	if err != nil {
		return money.Amount{}, money.Amount{}, err
	}
	toBal, err := p.balanceLocked(t.To)
	if err != nil {
		return money.Amount{}, money.Amount{}, err
	}

	cmp, err := fromBal.Cmp(t.Amount)
	if err != nil {
		return money.Amount{}, money.Amount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if cmp < 0 {
		return money.Amount{}, money.Amount{}, fmt.Errorf("%w: projected balance of %s is %s, transfer needs %s",
			ErrInsufficientFunds, t.From, fromBal, t.Amount)
	}

	debited, err := fromBal.Sub(t.Amount)
	if err != nil {
		return money.Amount{}, money.Amount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	credited, err := toBal.Add(t.Amount)
	if err != nil {
		return money.Amount{}, money.Amount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	p.virtual[t.From] = debited
	p.virtual[t.To] = credited
	return debited, credited, nil
}

// Rollback reverses a transfer previously applied to the projection. The
// engine uses this when the audit witness fails after the projection moved:
// no success may be acknowledged without a witnessed event, so the overlay is
// restored before the failure propagates.
func (p *Projection) Rollback(t Transfer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fromBal, err := p.balanceLocked(t.From)
	if err != nil {
		return err
	}
	toBal, err := p.balanceLocked(t.To)
	if err != nil {
		return err
	}

	restoredFrom, err := fromBal.Add(t.Amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	restoredTo, err := toBal.Sub(t.Amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	p.virtual[t.From] = restoredFrom
	p.virtual[t.To] = restoredTo
	return nil
}
