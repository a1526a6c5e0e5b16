package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockGateway is a test double that records calls and returns configurable
// results. Error fields let tests inject specific failures per operation.
type MockGateway struct {
	mu sync.Mutex

	// Tokens collects every token handed out by Tokenize.
	Tokens []Token
	// Charges collects every charge request received, in order.
	Charges []ChargeRequest
	// Recurring maps external refs to the plan they bill.
	Recurring map[string]string
	// Canceled collects external refs passed to CancelRecurring.
	Canceled []string

	TokenizeErr        error
	ChargeErr          error
	CreateRecurringErr error
	CancelRecurringErr error
	ParseWebhookErr    error

	// ChargePending makes Charge return an async pending result.
	ChargePending bool
	// ChargeHook, when set, runs at the start of every Charge call. Lets
	// tests hold a charge in flight to exercise concurrent paths.
	ChargeHook func()
	// ParsedEvent is returned by ParseWebhook when ParseWebhookErr is nil.
	ParsedEvent *Event

	nextTokenSeq  int
	nextChargeSeq int
	nextSubSeq    int
}

// NewMockGateway creates a MockGateway ready for use.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		Recurring: make(map[string]string),
	}
}

func (m *MockGateway) Name() string { return "mock" }

func (m *MockGateway) Tokenize(_ context.Context, _ RawPaymentData) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.TokenizeErr != nil {
		return "", m.TokenizeErr
	}

	m.nextTokenSeq++
	token := Token(fmt.Sprintf("tok_mock_%d", m.nextTokenSeq))
	m.Tokens = append(m.Tokens, token)
	return token, nil
}

func (m *MockGateway) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	if m.ChargeHook != nil {
		m.ChargeHook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ChargeErr != nil {
		return ChargeResult{}, m.ChargeErr
	}

	// Same idempotency key never produces a second provider charge.
	for i, prev := range m.Charges {
		if prev.IdempotencyKey == req.IdempotencyKey {
			return ChargeResult{
				ProviderChargeID: fmt.Sprintf("ch_mock_%d", i+1),
				Succeeded:        !m.ChargePending,
				Pending:          m.ChargePending,
				ProcessedAt:      time.Now().UTC(),
			}, nil
		}
	}

	m.Charges = append(m.Charges, req)
	m.nextChargeSeq++
	return ChargeResult{
		ProviderChargeID: fmt.Sprintf("ch_mock_%d", m.nextChargeSeq),
		Succeeded:        !m.ChargePending,
		Pending:          m.ChargePending,
		ProcessedAt:      time.Now().UTC(),
	}, nil
}

func (m *MockGateway) CreateRecurring(_ context.Context, req RecurringRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateRecurringErr != nil {
		return "", m.CreateRecurringErr
	}

	m.nextSubSeq++
	ref := fmt.Sprintf("sub_mock_%d", m.nextSubSeq)
	m.Recurring[ref] = req.PlanID
	return ref, nil
}

func (m *MockGateway) CancelRecurring(_ context.Context, externalRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CancelRecurringErr != nil {
		return m.CancelRecurringErr
	}

	delete(m.Recurring, externalRef)
	m.Canceled = append(m.Canceled, externalRef)
	return nil
}

func (m *MockGateway) ParseWebhook(_ context.Context, _ []byte, _ string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ParseWebhookErr != nil {
		return nil, m.ParseWebhookErr
	}
	if m.ParsedEvent != nil {
		return m.ParsedEvent, nil
	}
	return &Event{Provider: m.Name()}, nil
}

// ChargeCount returns how many distinct charges the mock has recorded.
func (m *MockGateway) ChargeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Charges)
}
