package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meter-pay/meter_pay/internal/utility"
)

var (
	// ErrCodeTaken is returned by a Store when a token code already exists.
	ErrCodeTaken = errors.New("token code already exists")

	// ErrStateConflict indicates the token was not in the expected state when a
	// transition was applied, typically because a concurrent request won the race.
	ErrStateConflict = errors.New("token state conflict")

	// ErrExhaustedRetries is returned when every generated code collided.
	ErrExhaustedRetries = errors.New("token code generation exhausted retries")
)

const defaultMaxAttempts = 5

// Store is the transactional view the lifecycle manager writes through. Ledger
// transactions implement it.
type Store interface {
	InsertToken(ctx context.Context, tok RechargeToken) error
	ActiveToken(ctx context.Context, code string, u utility.Type, owner string) (RechargeToken, bool, error)
	TransitionToken(ctx context.Context, t Transition) error
}

var transitions = map[Status][]Status{
	StatusActive: {StatusUsed, StatusInactive},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Manager owns token creation and state transitions.
type Manager struct {
	gen         Generator
	maxAttempts int
	now         func() time.Time
}

// NewManager builds a lifecycle manager. maxAttempts bounds code generation retries.
func NewManager(gen Generator, maxAttempts int) *Manager {
	if gen == nil {
		gen = NewGenerator()
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Manager{gen: gen, maxAttempts: maxAttempts, now: time.Now}
}

// SetClock overrides the time source used for timestamps.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Mint creates an active token from draft, retrying with a fresh code whenever
// the store reports a collision.
func (m *Manager) Mint(ctx context.Context, st Store, draft Draft) (RechargeToken, error) {
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		code, err := m.gen.Generate()
		if err != nil {
			return RechargeToken{}, err
		}
		tok := RechargeToken{
			ID:            uuid.NewString(),
			Code:          code,
			OwnerEmail:    draft.OwnerEmail,
			Utility:       draft.Utility,
			Units:         draft.Units,
			TotalAmount:   draft.TotalAmount,
			PaymentMethod: draft.PaymentMethod,
			TransactionID: draft.TransactionID,
			Status:        StatusActive,
			CreatedAt:     m.now().UTC(),
		}
		err = st.InsertToken(ctx, tok)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, ErrCodeTaken) {
			return RechargeToken{}, err
		}
	}
	return RechargeToken{}, fmt.Errorf("%w after %d attempts", ErrExhaustedRetries, m.maxAttempts)
}

// FindActive looks up an active token matching code, utility and owner. A miss
// is reported through found=false; callers must not tell the reasons apart.
func (m *Manager) FindActive(ctx context.Context, st Store, code string, u utility.Type, owner string) (RechargeToken, bool, error) {
	return st.ActiveToken(ctx, Normalize(code), u, owner)
}

// MarkUsed moves an active token to used and records the consuming meter.
func (m *Manager) MarkUsed(ctx context.Context, st Store, tokenID, meterID string) error {
	return m.transition(ctx, st, tokenID, StatusUsed, meterID)
}

// Void moves an active token to inactive.
func (m *Manager) Void(ctx context.Context, st Store, tokenID string) error {
	return m.transition(ctx, st, tokenID, StatusInactive, "")
}

func (m *Manager) transition(ctx context.Context, st Store, tokenID string, to Status, meterID string) error {
	if !CanTransition(StatusActive, to) {
		return fmt.Errorf("%w: active -> %s", ErrStateConflict, to)
	}
	return st.TransitionToken(ctx, Transition{
		TokenID: tokenID,
		From:    StatusActive,
		To:      to,
		At:      m.now().UTC(),
		MeterID: meterID,
	})
}
