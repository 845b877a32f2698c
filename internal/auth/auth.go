// Package auth verifies bearer tokens issued by the platform identity
// service. Sessions and logins live elsewhere; this service only checks
// signatures and maps the subject to a learner id.
package auth

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const DevPrincipalHeader = "X-Local-Dev-Principal"

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrNoKeys          = errors.New("no token verification keys configured")
	ErrBadSubject      = errors.New("token subject is not a user id")
)

type Principal struct {
	UserID uuid.UUID `json:"userId"`
	Roles  []string  `json:"roles,omitempty"`
}

func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Config struct {
	// KeysFile holds one or more PEM public keys or certificates.
	KeysFile string
	// Issuer, when set, must match the iss claim.
	Issuer string
	// AllowDevPrincipal trusts DevPrincipalHeader ("<user-uuid>[;role,role]").
	// Local development only.
	AllowDevPrincipal bool
}

type Verifier struct {
	keys     []any
	issuer   string
	allowDev bool
}

func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{issuer: cfg.Issuer, allowDev: cfg.AllowDevPrincipal}
	if cfg.KeysFile != "" {
		data, err := os.ReadFile(cfg.KeysFile)
		if err != nil {
			return nil, fmt.Errorf("read auth keys: %w", err)
		}
		keys, err := ParsePublicKeys(data)
		if err != nil {
			return nil, fmt.Errorf("load auth keys from %s: %w", cfg.KeysFile, err)
		}
		v.keys = keys
	}
	return v, nil
}

// ParsePublicKeys reads every PKIX public key or certificate in a PEM bundle.
// Unknown blocks are skipped.
func ParsePublicKeys(data []byte) ([]any, error) {
	var keys []any
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, cerr := x509.ParseCertificate(block.Bytes)
			if cerr != nil {
				continue
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, errors.New("no valid PEM public keys found")
	}
	return keys, nil
}

type claims struct {
	Roles []string `json:"roles,omitempty"`
	Scope string   `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Authenticate resolves the caller of r, preferring the dev header when it is
// enabled and present.
func (v *Verifier) Authenticate(r *http.Request) (*Principal, error) {
	if v.allowDev {
		if h := r.Header.Get(DevPrincipalHeader); h != "" {
			return parseDevPrincipal(h)
		}
	}
	authz := r.Header.Get("Authorization")
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
		return nil, ErrUnauthenticated
	}
	return v.VerifyToken(strings.TrimSpace(authz[7:]))
}

// VerifyToken tries each configured key in turn; PEM bundles carry no kid.
func (v *Verifier) VerifyToken(raw string) (*Principal, error) {
	if len(v.keys) == 0 {
		return nil, ErrNoKeys
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "EdDSA"}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var lastErr error
	for _, key := range v.keys {
		c := &claims{}
		_, err := jwt.ParseWithClaims(raw, c, func(*jwt.Token) (any, error) { return key, nil }, opts...)
		if err != nil {
			lastErr = err
			continue
		}
		userID, err := uuid.Parse(c.Subject)
		if err != nil {
			return nil, ErrBadSubject
		}
		roles := append([]string(nil), c.Roles...)
		roles = append(roles, strings.Fields(c.Scope)...)
		return &Principal{UserID: userID, Roles: roles}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, lastErr)
}

func parseDevPrincipal(h string) (*Principal, error) {
	id, roles, _ := strings.Cut(h, ";")
	userID, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return nil, ErrBadSubject
	}
	p := &Principal{UserID: userID}
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			p.Roles = append(p.Roles, r)
		}
	}
	return p, nil
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the authenticated principal, or nil.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxKey{}).(*Principal)
	return p
}

// Middleware rejects unauthenticated requests with 401 and stores the
// principal for downstream handlers.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := v.Authenticate(r)
		if err != nil {
			log.Printf("[auth] rejected %s %s: %v", r.Method, r.URL.Path, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireRole must run after Middleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !FromContext(r.Context()).HasRole(role) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
