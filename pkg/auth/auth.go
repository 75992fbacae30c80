// Package auth issues and checks the session tokens a node hands out on
// Connect. A token is the clientHash the SDK sends with every later call.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var (
	ErrNoToken          = errors.New("no session token provided")
	ErrInvalidToken     = errors.New("invalid session token")
	ErrExpiredToken     = errors.New("session token has expired")
	ErrRevokedToken     = errors.New("session token has been revoked")
	ErrUnknownAccessKey = errors.New("unknown access key")
)

// Claims are carried in every session token.
type Claims struct {
	ClientID string `json:"client_id"`
	// KeyIndex identifies which configured access key opened the session.
	KeyIndex int `json:"key_index"`
	jwt.RegisteredClaims
}

// Session is what a successful login returns to the client.
type Session struct {
	ClientID   string
	ClientHash string
	ExpiresAt  time.Time
}

// TokenManager checks access keys and signs session tokens.
type TokenManager struct {
	secretKey  []byte
	accessKeys [][]byte
	ttl        time.Duration

	mu            sync.RWMutex
	revokedTokens map[string]time.Time // token ID -> revocation time
}

// NewTokenManager signs tokens with secret. An empty secret gets a random
// one, which invalidates all tokens on restart. With no access keys every
// non-empty key is accepted.
func NewTokenManager(secret string, accessKeys []string, ttl time.Duration) (*TokenManager, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate token secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	tm := &TokenManager{
		secretKey:     key,
		ttl:           ttl,
		revokedTokens: make(map[string]time.Time),
	}
	for _, k := range accessKeys {
		if k = strings.TrimSpace(k); k != "" {
			tm.accessKeys = append(tm.accessKeys, []byte(k))
		}
	}
	return tm, nil
}

// Login checks accessKey and opens a session with a fresh client ID.
func (tm *TokenManager) Login(accessKey string) (*Session, error) {
	index, ok := tm.matchAccessKey(accessKey)
	if !ok {
		return nil, ErrUnknownAccessKey
	}

	clientID := ulid.Make().String()
	token, expires, err := tm.GenerateToken(clientID, index)
	if err != nil {
		return nil, err
	}
	return &Session{ClientID: clientID, ClientHash: token, ExpiresAt: expires}, nil
}

func (tm *TokenManager) matchAccessKey(accessKey string) (int, bool) {
	if strings.TrimSpace(accessKey) == "" {
		return -1, false
	}
	if len(tm.accessKeys) == 0 {
		return -1, true
	}
	for i, k := range tm.accessKeys {
		if subtle.ConstantTimeCompare(k, []byte(accessKey)) == 1 {
			return i, true
		}
	}
	return -1, false
}

// GenerateToken signs a session token for clientID.
func (tm *TokenManager) GenerateToken(clientID string, keyIndex int) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(tm.ttl)
	claims := &Claims{
		ClientID: clientID,
		KeyIndex: keyIndex,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Subject:   clientID,
			Issuer:    "ensync-node",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// ValidateToken checks signature, expiry and revocation.
func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	tm.mu.RLock()
	_, revoked := tm.revokedTokens[claims.ID]
	tm.mu.RUnlock()
	if revoked {
		return nil, ErrRevokedToken
	}
	return claims, nil
}

// Revoke ends the session of a validated token.
func (tm *TokenManager) Revoke(claims *Claims) {
	if claims == nil {
		return
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.revokedTokens[claims.ID] = time.Now()
}

// CleanupRevokedTokens forgets revocations older than the token lifetime,
// since those tokens have expired anyway.
func (tm *TokenManager) CleanupRevokedTokens() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	cutoff := time.Now().Add(-tm.ttl)
	removed := 0
	for id, revokedAt := range tm.revokedTokens {
		if revokedAt.Before(cutoff) {
			delete(tm.revokedTokens, id)
			removed++
		}
	}
	return removed
}

// BearerToken extracts the token from an "authorization: Bearer <token>"
// value.
func BearerToken(header string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrNoToken
	}
	return strings.TrimSpace(parts[1]), nil
}

// AuthInterceptor authenticates gRPC calls from the authorization metadata.
type AuthInterceptor struct {
	tokenManager *TokenManager
	skip         map[string]bool
}

// NewAuthInterceptor skips the given full method names, such as Connect.
func NewAuthInterceptor(tokenManager *TokenManager, skipMethods ...string) *AuthInterceptor {
	skip := make(map[string]bool, len(skipMethods))
	for _, m := range skipMethods {
		skip[m] = true
	}
	return &AuthInterceptor{tokenManager: tokenManager, skip: skip}
}

// Authenticate validates the token in ctx and returns a context carrying its
// claims.
func (ai *AuthInterceptor) Authenticate(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}
	headers := md.Get("authorization")
	if len(headers) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}
	token, err := BearerToken(headers[0])
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid authorization header format")
	}

	claims, err := ai.tokenManager.ValidateToken(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	return ContextWithClaims(ctx, claims), nil
}

// UnaryInterceptor returns a gRPC unary server interceptor for authentication
func (ai *AuthInterceptor) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if ai.skip[info.FullMethod] {
			return handler(ctx, req)
		}
		authCtx, err := ai.Authenticate(ctx)
		if err != nil {
			return nil, err
		}
		return handler(authCtx, req)
	}
}

// StreamInterceptor returns a gRPC stream server interceptor for authentication
func (ai *AuthInterceptor) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if ai.skip[info.FullMethod] {
			return handler(srv, ss)
		}
		authCtx, err := ai.Authenticate(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &authenticatedStream{ServerStream: ss, ctx: authCtx})
	}
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context {
	return s.ctx
}

type claimsContextKey struct{}

// ContextWithClaims adds claims to context
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext extracts claims from context
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*Claims)
	return claims, ok
}
