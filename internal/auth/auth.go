package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"

	"langexchange-backend/internal/storage"
)

// Reasons a connection is refused.
const (
	ReasonNoToken      = "no-token"
	ReasonInvalidToken = "invalid-token"
	ReasonNoProfile    = "no-profile"
	ReasonBanned       = "banned"
)

// Error is an authentication failure with a client-safe reason.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %v", e.Reason, e.Err)
	}
	return "auth " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the reason onto 401 or 403.
func (e *Error) StatusCode() int {
	switch e.Reason {
	case ReasonNoProfile, ReasonBanned:
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

type ProfileStore interface {
	GetUser(ctx context.Context, userID string) (*storage.User, error)
}

// Identity is the verified caller bound to a connection or request.
type Identity struct {
	UserID string
	Email  string
	User   *storage.User
}

type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret   []byte
	profiles ProfileStore
	logger   *log.Logger
}

func NewVerifier(secret string, profiles ProfileStore, logger *log.Logger) *Verifier {
	return &Verifier{
		secret:   []byte(secret),
		profiles: profiles,
		logger:   logger.WithPrefix("AUTH"),
	}
}

// Verify checks an HS256 bearer token and loads the caller's profile. It
// fails closed: any lookup error is treated as a missing profile.
func (v *Verifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, &Error{Reason: ReasonNoToken}
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, &Error{Reason: ReasonInvalidToken, Err: err}
	}
	if claims.Subject == "" {
		return nil, &Error{Reason: ReasonInvalidToken, Err: errors.New("missing subject")}
	}

	user, err := v.profiles.GetUser(ctx, claims.Subject)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			v.logger.Error("profile lookup failed", "user", claims.Subject, "err", err)
		}
		return nil, &Error{Reason: ReasonNoProfile, Err: err}
	}
	if user.IsBanned {
		return nil, &Error{Reason: ReasonBanned}
	}

	email := user.Email
	if email == "" {
		email = claims.Email
	}
	return &Identity{UserID: claims.Subject, Email: email, User: user}, nil
}

// IssueToken signs an HS256 token for userID. Used by tooling and tests.
func IssueToken(secret, userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// TokenFromRequest reads the bearer credential from the Authorization header
// or, for browser websockets that cannot set headers, the token query param.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(*Identity)
	return id, ok
}

// Middleware authenticates every request and stores the Identity in the
// request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := v.Verify(r.Context(), TokenFromRequest(r))
		if err != nil {
			WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// WriteError renders an auth failure as {"error": reason}.
func WriteError(w http.ResponseWriter, err error) {
	var authErr *Error
	if !errors.As(err, &authErr) {
		authErr = &Error{Reason: ReasonInvalidToken, Err: err}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(authErr.StatusCode())
	_ = json.NewEncoder(w).Encode(map[string]string{"error": authErr.Reason})
}
