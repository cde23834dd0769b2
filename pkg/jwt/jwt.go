package jwt

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token purposes
const (
	PurposeAuth = "auth"
	PurposeCall = "call"
)

const issuer = "supportwidget-realtime"

// Claims represents JWT claims structure
type Claims struct {
	UID       string `json:"uid"`
	Purpose   string `json:"purpose"`
	SessionID string `json:"session_id,omitempty"` // call tokens only
	CallType  string `json:"call_type,omitempty"`  // call tokens only
	jwt.RegisteredClaims
}

// JWTManager issues the realtime backend's auth tokens and the short-lived
// tokens a call-UI session uses to join media.
type JWTManager struct {
	secretKey         string
	authTokenDuration time.Duration
	callTokenDuration time.Duration
	now               func() time.Time
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(secretKey string, authTokenDuration, callTokenDuration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:         secretKey,
		authTokenDuration: authTokenDuration,
		callTokenDuration: callTokenDuration,
		now:               time.Now,
	}
}

// GenerateAuthToken creates the cached credential a participant re-authenticates with
func (m *JWTManager) GenerateAuthToken(uid string) (string, error) {
	return m.sign(&Claims{UID: uid, Purpose: PurposeAuth}, m.authTokenDuration)
}

// GenerateCallToken creates a token bound to one call session
func (m *JWTManager) GenerateCallToken(uid, sessionID, callType string) (string, error) {
	return m.sign(&Claims{
		UID:       uid,
		Purpose:   PurposeCall,
		SessionID: sessionID,
		CallType:  callType,
	}, m.callTokenDuration)
}

func (m *JWTManager) sign(claims *Claims, ttl time.Duration) (string, error) {
	now := m.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    issuer,
		Subject:   claims.UID,
		ID:        uuid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(m.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken validates and parses a token, requiring the given purpose
func (m *JWTManager) ValidateToken(tokenString, purpose string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.secretKey), nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Purpose != purpose {
		return nil, fmt.Errorf("token purpose %q, want %q", claims.Purpose, purpose)
	}
	return claims, nil
}
