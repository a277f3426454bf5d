// Package approvals brokers human-in-the-loop decisions for gated
// transactions. A request stays pending until an operator resolves it or its
// deadline passes; an expired request counts as a rejection.
package approvals

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainbridge-labs/shadowcore/pkg/clock"
)

// DefaultTimeout bounds how long a request may stay pending.
const DefaultTimeout = 30 * time.Second

var (
	ErrUnknownRequest  = errors.New("unknown approval request")
	ErrAlreadyResolved = errors.New("approval request already resolved")
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

// PendingApproval is a read-only snapshot of a request.
type PendingApproval struct {
	RequestID    string    `json:"request_id"`
	IntentDigest string    `json:"intent_digest"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type request struct {
	id           string
	intentDigest string
	status       Status
	createdAt    time.Time
	expiresAt    time.Time
	done         chan struct{}
}

// Broker tracks approval requests and wakes waiters on resolution.
type Broker struct {
	mu       sync.Mutex
	clock    clock.Clock
	timeout  time.Duration
	requests map[string]*request
}

// NewBroker creates a broker with the given pending timeout. A non-positive
// timeout falls back to DefaultTimeout.
func NewBroker(c clock.Clock, timeout time.Duration) *Broker {
	if c == nil {
		c = clock.System{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		clock:    c,
		timeout:  timeout,
		requests: make(map[string]*request),
	}
}

// Request registers a new pending approval for an intent digest.
func (b *Broker) Request(intentDigest string) PendingApproval {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	r := &request{
		id:           uuid.New().String(),
		intentDigest: intentDigest,
		status:       StatusPending,
		createdAt:    now,
		expiresAt:    now.Add(b.timeout),
		done:         make(chan struct{}),
	}
	b.requests[r.id] = r
	return r.snapshot()
}

// Resolve marks a pending request approved or rejected and wakes its waiters.
func (b *Broker) Resolve(requestID string, granted bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.requests[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if r.status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, requestID, r.status)
	}
	if granted {
		r.status = StatusApproved
	} else {
		r.status = StatusRejected
	}
	close(r.done)
	return nil
}

// Await blocks until the request resolves, expires, or ctx is canceled.
// It returns true only for an explicit approval; expiry is a rejection, not
// an error.
func (b *Broker) Await(ctx context.Context, requestID string) (bool, error) {
	b.mu.Lock()
	r, ok := b.requests[requestID]
	if !ok {
		b.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	wait := r.expiresAt.Sub(b.clock.Now())
	done := r.done
	b.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-done:
		b.mu.Lock()
		defer b.mu.Unlock()
		return r.status == StatusApproved, nil
	case <-timer.C:
		b.mu.Lock()
		defer b.mu.Unlock()
		if r.status == StatusPending {
			r.status = StatusExpired
			close(r.done)
		}
		return r.status == StatusApproved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Get returns a snapshot of a request.
func (b *Broker) Get(requestID string) (PendingApproval, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.requests[requestID]
	if !ok {
		return PendingApproval{}, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return r.snapshot(), nil
}

// Pending returns snapshots of all requests still awaiting resolution.
func (b *Broker) Pending() []PendingApproval {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []PendingApproval
	for _, r := range b.requests {
		if r.status == StatusPending {
			out = append(out, r.snapshot())
		}
	}
	return out
}

func (r *request) snapshot() PendingApproval {
	return PendingApproval{
		RequestID:    r.id,
		IntentDigest: r.intentDigest,
		Status:       r.status,
		CreatedAt:    r.createdAt,
		ExpiresAt:    r.expiresAt,
	}
}
