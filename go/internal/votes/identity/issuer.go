package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/livevote/go/internal/models"
)

var (
	ErrInvalidToken   = errors.New("invalid session token")
	ErrIssuerNotReady = errors.New("identity issuer is not configured")
)

const (
	minSecretLength   = 16
	defaultTokenTTL   = 12 * time.Hour
	defaultIssuerName = "livevote"
)

var allowedSigningAlgos = []string{jwt.SigningMethodHS256.Alg()}

// IssuerConfig configures anonymous session token issuance.
type IssuerConfig struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	Clock  clockwork.Clock
}

// Grant is what a participant receives when signing in anonymously.
type Grant struct {
	ParticipantID models.ParticipantID `json:"participant_id"`
	Token         string               `json:"token"`
	ExpiresAt     time.Time            `json:"expires_at"`
}

// sessionClaims is the JWT body of an anonymous session token.
type sessionClaims struct {
	jwt.RegisteredClaims
	Anonymous bool `json:"anon"`
}

// Issuer mints and verifies anonymous, session-scoped identities.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clockwork.Clock
}

// NewIssuer validates the config and fills defaults.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, fmt.Errorf("%w: secret must be at least %d bytes", ErrIssuerNotReady, minSecretLength)
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		cfg.Issuer = defaultIssuerName
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTokenTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Issuer{
		secret: cfg.Secret,
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		clock:  cfg.Clock,
	}, nil
}

// IssueAnonymous creates a fresh participant id and a token proving it.
func (i *Issuer) IssueAnonymous() (Grant, error) {
	now := i.clock.Now().UTC()
	id := models.ParticipantID(uuid.NewString())
	exp := now.Add(i.ttl)

	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   string(id),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		Anonymous: true,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Grant{}, fmt.Errorf("sign session token: %w", err)
	}
	return Grant{ParticipantID: id, Token: token, ExpiresAt: exp}, nil
}

// Verify checks a token and returns the participant it was issued to.
func (i *Issuer) Verify(token string) (models.ParticipantID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: token is required", ErrInvalidToken)
	}

	var parsed sessionClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods(allowedSigningAlgos),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Anonymous || parsed.Subject == "" {
		return "", fmt.Errorf("%w: not an anonymous session token", ErrInvalidToken)
	}
	return models.ParticipantID(parsed.Subject), nil
}
