package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload the provider accepts.
type Claims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
	jwt.RegisteredClaims
}

// JWTManager signs and validates the HS256 tokens used to establish identity.
// When constructed from a key map it supports rotation: tokens carry a kid
// header and any known key may verify, while new tokens are signed with the
// active kid.
type JWTManager struct {
	keys      map[string]string
	activeKid string
	duration  time.Duration
}

// NewJWTManager returns a manager with a single unnamed key.
func NewJWTManager(secretKey string, duration time.Duration) *JWTManager {
	return &JWTManager{
		keys:      map[string]string{"": secretKey},
		activeKid: "",
		duration:  duration,
	}
}

// NewJWTManagerFromKeys returns a manager that signs with activeKid and
// verifies against every key in the map.
func NewJWTManagerFromKeys(keys map[string]string, activeKid string, duration time.Duration) *JWTManager {
	return &JWTManager{keys: keys, activeKid: activeKid, duration: duration}
}

// GenerateToken issues a signed token for the given user.
func (m *JWTManager) GenerateToken(u User) (string, time.Time, error) {
	secret, ok := m.keys[m.activeKid]
	if !ok {
		return "", time.Time{}, fmt.Errorf("identity: unknown active kid %q", m.activeKid)
	}

	expiresAt := time.Now().Add(m.duration)
	claims := &Claims{
		UserID:      u.ID,
		DisplayName: u.DisplayName,
		AvatarRef:   u.AvatarRef,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if m.activeKid != "" {
		token.Header["kid"] = m.activeKid
	}
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// VerifyToken parses and validates a token and returns its claims.
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		secret, ok := m.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no user_id claim")
	}
	return claims, nil
}

// JWTProvider resolves the current user from a bearer token. The parsed user
// is cached until the token expires.
type JWTProvider struct {
	mgr   *JWTManager
	token string

	mu        sync.Mutex
	cached    User
	validTill time.Time
}

// NewJWTProvider returns a provider that resolves identity from token using mgr.
func NewJWTProvider(mgr *JWTManager, token string) *JWTProvider {
	return &JWTProvider{mgr: mgr, token: token}
}

func (p *JWTProvider) CurrentUser() (User, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.validTill.IsZero() && time.Now().Before(p.validTill) {
		return p.cached, true
	}

	claims, err := p.mgr.VerifyToken(p.token)
	if err != nil {
		return User{}, false
	}
	p.cached = User{ID: claims.UserID, DisplayName: claims.DisplayName, AvatarRef: claims.AvatarRef}
	p.validTill = claims.ExpiresAt.Time
	return p.cached, true
}
