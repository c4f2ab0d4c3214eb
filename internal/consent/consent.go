// Package consent issues and consumes scoped, single-use payment grants.
//
// A grant authorizes one payment, to one merchant, up to one amount, for one
// agent. Validation consumes the grant: a second validation of the same
// token is a replay and fails, no matter how the first one was used.
package consent

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/clearlane/payguard/internal/ledger"
)

var (
	ErrMalformed          = errors.New("consent token is malformed or has an invalid signature")
	ErrExpired            = errors.New("consent token is expired")
	ErrReplayed           = errors.New("consent token has already been used")
	ErrAgentMismatch      = errors.New("consent token was issued to a different agent")
	ErrMerchantMismatch   = errors.New("consent token is scoped to a different merchant")
	ErrAmountExceedsScope = errors.New("amount exceeds the consented maximum")
)

const (
	issuer     = "payguard"
	defaultTTL = 5 * time.Minute
)

// Scope is what the user actually agreed to. Anything outside it is not
// covered by the grant.
type Scope struct {
	MerchantVPA string  `json:"merchant_vpa"`
	MaxAmount   float64 `json:"max_amount"`
	Currency    string  `json:"currency"`
	Action      string  `json:"action"`
}

// grantClaims binds aud to the merchant the grant covers; the agent acting
// on the user's behalf is its own claim so a grant stolen by another agent
// fails even with the right merchant and amount.
type grantClaims struct {
	jwt.RegisteredClaims
	AgentID string `json:"agent_id"`
	Scope   Scope  `json:"scope"`
}

// Grant is a freshly issued consent token.
type Grant struct {
	Token     string    `json:"token"`
	GrantID   string    `json:"grant_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Use records a consumed grant.
type Use struct {
	GrantID string
	UserID  string
	Amount  float64
	UsedAt  time.Time
}

type auditLog interface {
	Append(eventType ledger.EventType, payload map[string]any, opts ledger.AppendOptions) (ledger.Entry, error)
}

// Manager signs grants with a shared HS256 secret and tracks consumed grant
// IDs. The used set is in-memory; restarting the process voids outstanding
// grants rather than risking a replay.
type Manager struct {
	secret []byte
	ttl    time.Duration
	audit  auditLog
	logger *slog.Logger

	mu   sync.Mutex
	used map[string]Use

	now func() time.Time
}

// Config wires a Manager. Secret is required; everything else defaults.
type Config struct {
	Secret []byte
	TTL    time.Duration
	Ledger auditLog
	Logger *slog.Logger
}

func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("consent: signing secret is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		secret: cfg.Secret,
		ttl:    ttl,
		audit:  cfg.Ledger,
		logger: logger,
		used:   make(map[string]Use),
		now:    time.Now,
	}, nil
}

// Issue signs a single-use grant for userID, addressed to agentID, covering
// exactly the given scope.
func (m *Manager) Issue(userID, agentID string, scope Scope) (Grant, error) {
	now := m.now().UTC()
	expiresAt := now.Add(m.ttl)
	grantID := "grant_" + uuid.NewString()

	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{scope.MerchantVPA},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        grantID,
		},
		AgentID: agentID,
		Scope:   scope,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return Grant{}, fmt.Errorf("sign consent grant: %w", err)
	}

	m.appendAudit(ledger.EventConsentIssued, map[string]any{
		"grant_id":     grantID,
		"agent_id":     agentID,
		"merchant_vpa": scope.MerchantVPA,
		"max_amount":   scope.MaxAmount,
		"expires_at":   expiresAt.Format(time.RFC3339),
	}, userID)

	m.logger.Info("consent grant issued",
		"grant_id", grantID,
		"user_id", userID,
		"merchant_vpa", scope.MerchantVPA,
		"max_amount", scope.MaxAmount)

	return Grant{Token: token, GrantID: grantID, ExpiresAt: expiresAt}, nil
}

// Consume validates a grant against the payment actually being attempted
// and, when every check passes, marks it used. The mark happens under the
// same lock as the replay check, so two concurrent consumers of one token
// cannot both succeed.
func (m *Manager) Consume(token, agentID, merchantVPA string, amount float64) (Scope, error) {
	var claims grantClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Scope{}, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if claims.Issuer != issuer || claims.ID == "" || claims.ExpiresAt == nil {
		return Scope{}, ErrMalformed
	}

	now := m.now().UTC()
	if !claims.ExpiresAt.Time.After(now) {
		return Scope{}, ErrExpired
	}
	if claims.AgentID != agentID {
		return Scope{}, ErrAgentMismatch
	}
	if !audienceContains(claims.Audience, merchantVPA) || claims.Scope.MerchantVPA != merchantVPA {
		return Scope{}, ErrMerchantMismatch
	}
	if amount > claims.Scope.MaxAmount {
		return Scope{}, fmt.Errorf("%w: %v > %v", ErrAmountExceedsScope, amount, claims.Scope.MaxAmount)
	}

	m.mu.Lock()
	if _, replayed := m.used[claims.ID]; replayed {
		m.mu.Unlock()
		return Scope{}, ErrReplayed
	}
	m.used[claims.ID] = Use{
		GrantID: claims.ID,
		UserID:  claims.Subject,
		Amount:  amount,
		UsedAt:  now,
	}
	m.mu.Unlock()

	m.appendAudit(ledger.EventConsentConsumed, map[string]any{
		"grant_id":     claims.ID,
		"agent_id":     agentID,
		"merchant_vpa": merchantVPA,
		"amount":       amount,
	}, claims.Subject)

	m.logger.Info("consent grant consumed",
		"grant_id", claims.ID,
		"user_id", claims.Subject,
		"amount", amount)

	return claims.Scope, nil
}

// UsedCount reports how many grants have been consumed.
func (m *Manager) UsedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.used)
}

func (m *Manager) appendAudit(eventType ledger.EventType, payload map[string]any, userID string) {
	if m.audit == nil {
		return
	}
	if _, err := m.audit.Append(eventType, payload, ledger.AppendOptions{UserID: userID}); err != nil {
		m.logger.Error("audit append failed", "event", eventType, "error", err)
	}
}

func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}
