// Package jwtauth implements the JWT Provider (spec §4.B): HMAC-signed
// token mint/validate/revoke, with the exact 8-step validation order the
// specification mandates rather than relying on a library's own Parse
// semantics for anything beyond signature verification.
package jwtauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kcenon/osxfleet/internal/apperrors"
	"github.com/kcenon/osxfleet/internal/logging"
	"github.com/kcenon/osxfleet/internal/rbac"
	"github.com/kcenon/osxfleet/internal/storage"
)

// TokenType distinguishes access from refresh tokens in Claims.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the standard registered claims plus the fields the spec's data
// model requires for JWTClaims: role, username, email, tokenType.
type Claims struct {
	Role      rbac.Role `json:"role"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	TokenType TokenType `json:"tokenType"`
	jwt.RegisteredClaims
}

// Config parameterizes the provider. Defaults mirror §6: access TTL 3600s,
// refresh TTL 604800s (7 days).
type Config struct {
	SecretKey       string
	Issuer          string
	Audience        string // empty disables audience checking
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	MaxRevoked      int // bounded revocation set capacity
	RefreshMaxAge   time.Duration // not read by Provider; refresh tokens are accepted until their RefreshTTL expiry
}

// DefaultConfig returns the specification's documented defaults.
func DefaultConfig(secret, issuer string) Config {
	return Config{
		SecretKey:  secret,
		Issuer:     issuer,
		AccessTTL:  3600 * time.Second,
		RefreshTTL: 604800 * time.Second,
		MaxRevoked: 10000,
	}
}

// Provider is the JWT Provider. Its mutex mu serializes Refresh's
// read-modify-write "revoke-then-mint" sequence; RevokeJTI and Revoke add
// to the revocation store without taking mu, relying on the RevocationStore
// implementations being safe for concurrent use.
type Provider struct {
	cfg Config
	rev storage.RevocationStore
	mu  sync.Mutex
}

// NewProvider constructs a JWT Provider with the given revocation backend.
// Pass storage.NewLRURevocationStore(cfg.MaxRevoked) for the in-memory
// default, or a *storage.RedisRevocationStore for a shared-state deployment.
func NewProvider(cfg Config, rev storage.RevocationStore) *Provider {
	if rev == nil {
		rev = storage.NewLRURevocationStore(cfg.MaxRevoked)
	}
	return &Provider{cfg: cfg, rev: rev}
}

// TokenPair is the result of minting or refreshing credentials.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func (p *Provider) mint(user rbac.User, tokenType TokenType, ttl time.Duration) (string, string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	jti := uuid.NewString()

	claims := Claims{
		Role:      user.Role,
		Username:  user.Username,
		Email:     user.Email,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.cfg.Issuer,
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        jti,
		},
	}
	if p.cfg.Audience != "" {
		claims.RegisteredClaims.Audience = jwt.ClaimStrings{p.cfg.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(p.cfg.SecretKey))
	if err != nil {
		return "", "", time.Time{}, apperrors.EncodingFailed(err)
	}
	return signed, jti, exp, nil
}

// GenerateTokenPair mints a fresh access+refresh pair for user.
func (p *Provider) GenerateTokenPair(user rbac.User) (*TokenPair, error) {
	access, _, exp, err := p.mint(user, TokenTypeAccess, p.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, _, _, err := p.mint(user, TokenTypeRefresh, p.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp}, nil
}

// header holds the decoded JOSE header of a token for manual validation.
type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

func base64URLDecode(s string) ([]byte, error) {
	// Re-pad to a multiple of 4 for URL-safe, unpadded base64 per §9.
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.URLEncoding.DecodeString(s)
}

// Validate implements the specification's exact 8-step validation order
// (§4.B). It does not delegate whole-token parsing to the jwt library's own
// Parse/Valid machinery, so each failure mode maps to the precise spec'd
// error kind.
func (p *Provider) Validate(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, apperrors.InvalidToken()
	}

	headerBytes, err := base64URLDecode(parts[0])
	if err != nil {
		return nil, apperrors.InvalidToken()
	}
	var h header
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		return nil, apperrors.InvalidToken()
	}
	if h.Alg != "HS256" {
		return nil, apperrors.InvalidToken()
	}

	signingInput := parts[0] + "." + parts[1]
	expectedSig := signHS256(signingInput, p.cfg.SecretKey)
	if !hmacEqual(expectedSig, parts[2]) {
		return nil, apperrors.InvalidToken()
	}

	claimsBytes, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, apperrors.DecodingFailed(err)
	}
	var claims Claims
	if err := json.Unmarshal(claimsBytes, &claims); err != nil {
		return nil, apperrors.DecodingFailed(err)
	}

	if claims.ID != "" && p.rev.IsRevoked(claims.ID) {
		return nil, apperrors.InvalidToken()
	}

	now := time.Now()
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return nil, apperrors.TokenExpired()
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return nil, apperrors.InvalidToken()
	}
	if p.cfg.Issuer != "" && claims.Issuer != p.cfg.Issuer {
		return nil, apperrors.New(apperrors.KindInvalidToken, "invalid issuer claim")
	}
	if p.cfg.Audience != "" {
		found := false
		for _, a := range claims.Audience {
			if a == p.cfg.Audience {
				found = true
				break
			}
		}
		if !found {
			return nil, apperrors.New(apperrors.KindInvalidToken, "invalid audience claim")
		}
	}

	return &claims, nil
}

// Refresh implements single-use refresh: the presented refresh token is
// revoked before a new pair is minted, so replaying it fails with
// invalidToken.
func (p *Provider) Refresh(refreshToken string, user rbac.User) (*TokenPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	claims, err := p.Validate(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return nil, apperrors.InvalidToken()
	}

	p.rev.Add(claims.ID)

	pair, err := p.GenerateTokenPair(user)
	if err != nil {
		return nil, err
	}
	logging.JWT().Debug().Str("user_id", user.ID).Msg("refreshed token pair")
	return pair, nil
}

// RevokeJTI revokes a token by its jti directly.
func (p *Provider) RevokeJTI(jti string) {
	p.rev.Add(jti)
}

// Revoke parses token (without full validation) to extract and revoke its
// jti; used for logout flows where the token may already be close to
// expiry but should be revoked immediately regardless.
func (p *Provider) Revoke(token string) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return apperrors.InvalidToken()
	}
	claimsBytes, err := base64URLDecode(parts[1])
	if err != nil {
		return apperrors.DecodingFailed(err)
	}
	var claims Claims
	if err := json.Unmarshal(claimsBytes, &claims); err != nil {
		return apperrors.DecodingFailed(err)
	}
	p.rev.Add(claims.ID)
	return nil
}

// IsRevoked reports whether jti has been revoked.
func (p *Provider) IsRevoked(jti string) bool {
	return p.rev.IsRevoked(jti)
}

// ExtractUserID parses claims.Subject as a UUID, per Access Controller
// step 5 ("extract user id from sub, must parse as UUID").
func ExtractUserID(claims *Claims) (string, error) {
	if claims == nil {
		return "", apperrors.InvalidToken()
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return "", apperrors.InvalidToken()
	}
	return id.String(), nil
}

func signHS256(input, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(input))
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(mac.Sum(nil))
}

func hmacEqual(expectedSigB64URL, candidateB64URL string) bool {
	if expectedSigB64URL == "" || candidateB64URL == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedSigB64URL), []byte(candidateB64URL)) == 1
}
