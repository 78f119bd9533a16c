package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	sqlite "github.com/Asort97/marzbanBot/clients/sqLite"
)

type memStore struct {
	mu   sync.Mutex
	rows map[int64]sqlite.Account

	// beforeClear runs inside ClearSubscription before the compare.
	beforeClear func(userID int64)
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]sqlite.Account)}
}

func (s *memStore) Ensure(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[userID]; ok {
		return false, nil
	}
	s.rows[userID] = sqlite.Account{UserID: userID}
	return true, nil
}

func (s *memStore) Get(_ context.Context, userID int64) (*sqlite.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.rows[userID]
	if !ok {
		return nil, sqlite.ErrNotFound
	}
	return &acc, nil
}

func (s *memStore) Upsert(_ context.Context, userID int64, f sqlite.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.rows[userID]
	acc.UserID = userID
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&acc.PaymentID, f.PaymentID)
	set(&acc.PaymentPlan, f.PaymentPlan)
	set(&acc.EndDate, f.EndDate)
	set(&acc.AccessKey, f.AccessKey)
	set(&acc.CreditedPaymentID, f.CreditedPaymentID)
	s.rows[userID] = acc
	return nil
}

func (s *memStore) ListWithExpiry(_ context.Context) ([]sqlite.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sqlite.Account
	for _, acc := range s.rows {
		if acc.EndDate != "" {
			out = append(out, acc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *memStore) ClearSubscription(_ context.Context, userID int64, endDate string) (bool, error) {
	if s.beforeClear != nil {
		s.beforeClear(userID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.rows[userID]
	if !ok || acc.EndDate != endDate {
		return false, nil
	}
	acc.EndDate = ""
	acc.AccessKey = ""
	s.rows[userID] = acc
	return true, nil
}

func (s *memStore) row(userID int64) sqlite.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[userID]
}

type fakeGateway struct {
	mu        sync.Mutex
	next      int
	payments  map[string]PaymentState
	requests  []PaymentRequest
	createErr error
	statusErr error

	// beforeStatus runs at the start of PaymentStatus.
	beforeStatus func()
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payments: make(map[string]PaymentState)}
}

func (g *fakeGateway) CreatePayment(_ context.Context, req PaymentRequest) (PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return PaymentIntent{}, g.createErr
	}
	g.next++
	ref := fmt.Sprintf("pay-%d", g.next)
	g.requests = append(g.requests, req)
	g.payments[ref] = PaymentState{Ref: ref, Status: "pending"}
	return PaymentIntent{Ref: ref, CheckoutURL: "https://pay.example/" + ref}, nil
}

func (g *fakeGateway) PaymentStatus(_ context.Context, ref string) (PaymentState, error) {
	if g.beforeStatus != nil {
		g.beforeStatus()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return PaymentState{}, g.statusErr
	}
	state, ok := g.payments[ref]
	if !ok {
		return PaymentState{}, errors.New("payment not found")
	}
	return state, nil
}

func (g *fakeGateway) settle(ref, amount string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[ref] = PaymentState{Ref: ref, Status: PaymentSucceeded, Amount: amount, Currency: Currency}
}

type fakePanel struct {
	mu       sync.Mutex
	accounts map[string]*Account
	created  int
	enabled  int

	createErr  error
	disableErr error
}

func newFakePanel() *fakePanel {
	return &fakePanel{accounts: make(map[string]*Account)}
}

func (p *fakePanel) CreateAccount(_ context.Context, name string) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return Account{}, p.createErr
	}
	if _, ok := p.accounts[name]; ok {
		return Account{}, ErrAccountExists
	}
	p.created++
	acc := &Account{Name: name, Status: "active", Links: []string{"ss://" + name, ""}}
	p.accounts[name] = acc
	return *acc, nil
}

func (p *fakePanel) GetAccount(_ context.Context, name string) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[name]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return *acc, nil
}

func (p *fakePanel) Disable(_ context.Context, name string) error {
	return p.setStatus(name, "disabled", p.disableErr)
}

func (p *fakePanel) Enable(_ context.Context, name string) error {
	p.mu.Lock()
	p.enabled++
	p.mu.Unlock()
	return p.setStatus(name, "active", nil)
}

func (p *fakePanel) setStatus(name, status string, failWith error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if failWith != nil {
		return failWith
	}
	acc, ok := p.accounts[name]
	if !ok {
		return ErrAccountNotFound
	}
	acc.Status = status
	return nil
}

func (p *fakePanel) status(name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acc, ok := p.accounts[name]; ok {
		return acc.Status
	}
	return ""
}

type recordingNotifier struct {
	mu    sync.Mutex
	users []int64
}

func (n *recordingNotifier) NotifyExpired(_ context.Context, userID int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
