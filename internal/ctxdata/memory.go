package ctxdata

import (
	"context"
	"sync"
	"time"
)

// MemoryProvider is an in-process Provider seeded with fixture profiles. It
// doubles as the settlement sink so completed payments are reflected in the
// ground truth the next evaluation reads.
type MemoryProvider struct {
	mu        sync.Mutex
	users     map[string]UserContext
	merchants map[string]MerchantContext
	history   map[string][]Settlement
	now       func() time.Time
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		users:     make(map[string]UserContext),
		merchants: make(map[string]MerchantContext),
		history:   make(map[string][]Settlement),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// NewSeededProvider returns a provider pre-populated with the standard demo
// profiles: a normal user, a low-balance user, a high-velocity user, a
// new-device user, and a mix of trusted and risky merchants.
func NewSeededProvider() *MemoryProvider {
	p := NewMemoryProvider()

	p.PutUser(UserContext{
		UserID:               "user_normal",
		WalletBalance:        1500,
		DailySpendToday:      200,
		TransactionsLast5Min: 1,
		TransactionsToday:    3,
		DeviceFingerprint:    "device_abc123",
		IsKnownDevice:        true,
		SessionAgeSeconds:    3600,
		Location:             "Vellore, TN",
		AccountAgeDays:       180,
	})
	p.PutUser(UserContext{
		UserID:               "user_low_balance",
		WalletBalance:        50,
		DailySpendToday:      450,
		TransactionsLast5Min: 0,
		TransactionsToday:    5,
		DeviceFingerprint:    "device_xyz789",
		IsKnownDevice:        true,
		SessionAgeSeconds:    1800,
		Location:             "Chennai, TN",
		AccountAgeDays:       90,
	})
	p.PutUser(UserContext{
		UserID:               "user_high_velocity",
		WalletBalance:        2000,
		DailySpendToday:      1800,
		TransactionsLast5Min: 8,
		TransactionsToday:    12,
		DeviceFingerprint:    "device_def456",
		IsKnownDevice:        true,
		SessionAgeSeconds:    600,
		Location:             "Bangalore, KA",
		AccountAgeDays:       365,
	})
	p.PutUser(UserContext{
		UserID:            "user_new_device",
		WalletBalance:     1000,
		DeviceFingerprint: "device_new999",
		IsKnownDevice:     false,
		SessionAgeSeconds: 60,
		Location:          "Mumbai, MH",
		AccountAgeDays:    30,
	})

	p.PutMerchant(MerchantContext{
		MerchantVPA:            "canteen@vit",
		ReputationScore:        0.95,
		IsWhitelisted:          true,
		TotalTransactions:      5000,
		SuccessfulTransactions: 4950,
		RefundRate:             0.01,
		FraudReports:           0,
		MerchantCategory:       "food",
	})
	p.PutMerchant(MerchantContext{
		MerchantVPA:            "shop@upi",
		ReputationScore:        0.9,
		IsWhitelisted:          false,
		TotalTransactions:      1200,
		SuccessfulTransactions: 1150,
		RefundRate:             0.03,
		FraudReports:           1,
		MerchantCategory:       "retail",
	})
	p.PutMerchant(MerchantContext{
		MerchantVPA:       "sketchy@pay",
		ReputationScore:   0.15,
		TotalTransactions: 40,
		RefundRate:        0.4,
		FraudReports:      12,
	})
	p.PutMerchant(MerchantContext{
		MerchantVPA: "newstall@upi",
	})

	return p
}

func (p *MemoryProvider) PutUser(u UserContext) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.users[u.UserID] = u
}

func (p *MemoryProvider) PutMerchant(m MerchantContext) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.merchants[m.MerchantVPA] = m
}

func (p *MemoryProvider) UserContext(_ context.Context, userID string) (*UserContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	u, ok := p.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	p.refreshVelocityLocked(&u)
	return &u, nil
}

func (p *MemoryProvider) MerchantContext(_ context.Context, merchantVPA string) (*MerchantContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.merchants[merchantVPA]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

// RecordSettlement applies a completed payment to the stored ground truth:
// balance debit, daily spend, velocity counters, merchant totals.
func (p *MemoryProvider) RecordSettlement(_ context.Context, s Settlement) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.history[s.UserID] = append(p.history[s.UserID], s)

	if u, ok := p.users[s.UserID]; ok {
		u.WalletBalance -= s.Amount
		if u.WalletBalance < 0 {
			u.WalletBalance = 0
		}
		u.DailySpendToday += s.Amount
		u.TransactionsToday++
		ts := s.Timestamp
		u.LastTransactionTime = &ts
		p.refreshVelocityLocked(&u)
		p.users[s.UserID] = u
	}

	if m, ok := p.merchants[s.MerchantVPA]; ok {
		m.TotalTransactions++
		m.SuccessfulTransactions++
		p.merchants[s.MerchantVPA] = m
	}

	return nil
}

func (p *MemoryProvider) refreshVelocityLocked(u *UserContext) {
	cutoff := p.now().Add(-5 * time.Minute)
	count := 0
	for _, s := range p.history[u.UserID] {
		if s.Timestamp.After(cutoff) {
			count++
		}
	}
	// Seeded counters stand in for history that predates this process.
	if count > u.TransactionsLast5Min {
		u.TransactionsLast5Min = count
	}
}
