package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/inokufu/ralph/internal/lrs"
)

// AuthConfig configures the request authenticator.
type AuthConfig struct {
	JWTSecret       string
	CredentialsFile string
	CacheSize       int
	CacheTTL        time.Duration
}

// Credential is one entry of the credentials file: a username, the hex
// sha-256 digest of the password, and the identity granted on a match.
type Credential struct {
	Username string         `json:"username"`
	Hash     string         `json:"hash"`
	Agent    map[string]any `json:"agent"`
	Scopes   []string       `json:"scopes,omitempty"`
	Target   string         `json:"target,omitempty"`
}

// Authenticator resolves basic and bearer credentials into identities.
// Verified basic credentials are cached with a TTL so the credentials
// file is not re-read and re-hashed on every request.
type Authenticator struct {
	cfg    AuthConfig
	fsys   afero.Fs
	cache  *expirable.LRU[string, lrs.Identity]
	logger *zap.Logger
}

func NewAuthenticator(cfg AuthConfig, fsys afero.Fs, logger *zap.Logger) *Authenticator {
	size := cfg.CacheSize
	if size <= 0 {
		size = 100
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{
		cfg:    cfg,
		fsys:   fsys,
		cache:  expirable.NewLRU[string, lrs.Identity](size, nil, ttl),
		logger: logger,
	}
}

func (a *Authenticator) credentials() ([]Credential, error) {
	data, err := afero.ReadFile(a.fsys, a.cfg.CredentialsFile)
	if err != nil {
		return nil, errors.Wrap(err, "read credentials file")
	}
	var creds []Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, errors.Wrap(err, "parse credentials file")
	}
	return creds, nil
}

// Basic resolves a username and password against the credentials file.
func (a *Authenticator) Basic(username, password string) (lrs.Identity, error) {
	digest := sha256.Sum256([]byte(password))
	hexDigest := hex.EncodeToString(digest[:])
	key := username + ":" + hexDigest
	if identity, ok := a.cache.Get(key); ok {
		return identity, nil
	}
	creds, err := a.credentials()
	if err != nil {
		return lrs.Identity{}, err
	}
	for _, c := range creds {
		if c.Username != username {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(strings.ToLower(c.Hash)), []byte(hexDigest)) == 1 {
			identity := lrs.Identity{Agent: c.Agent, Scopes: c.Scopes, Target: c.Target}
			a.cache.Add(key, identity)
			return identity, nil
		}
	}
	return lrs.Identity{}, errors.New("unknown username or wrong password")
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Agent  map[string]any `json:"agent,omitempty"`
	Scopes []string       `json:"scopes,omitempty"`
	Target string         `json:"target,omitempty"`
}

// Bearer validates an HS256 token and returns the identity it carries.
func (a *Authenticator) Bearer(token string) (lrs.Identity, error) {
	if strings.TrimSpace(a.cfg.JWTSecret) == "" {
		return lrs.Identity{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return lrs.Identity{}, err
	}
	if !parsed.Valid {
		return lrs.Identity{}, errors.New("invalid token")
	}
	if len(claims.Agent) == 0 {
		return lrs.Identity{}, errors.New("agent claim required")
	}
	return lrs.Identity{Agent: claims.Agent, Scopes: claims.Scopes, Target: claims.Target}, nil
}

// MintToken signs an identity into a bearer token.
func MintToken(secret, subject string, identity lrs.Identity, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Agent:  identity.Agent,
		Scopes: identity.Scopes,
		Target: identity.Target,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// HashPassword returns the digest stored in the credentials file.
func HashPassword(password string) string {
	digest := sha256.Sum256([]byte(password))
	return hex.EncodeToString(digest[:])
}

type identityKey struct{}

func withIdentity(ctx context.Context, identity lrs.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func identityFromContext(ctx context.Context) (lrs.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(lrs.Identity)
	return identity, ok
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, auth *Authenticator) func(http.Handler) http.Handler {
	aboutPath := path.Join(basePath, "about")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for the API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == aboutPath {
				next.ServeHTTP(w, req)
				return
			}

			if username, password, ok := req.BasicAuth(); ok {
				identity, err := auth.Basic(username, password)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withIdentity(req.Context(), identity)))
				return
			}

			if token, ok := bearerToken(req.Header.Get("Authorization")); ok {
				identity, err := auth.Bearer(token)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withIdentity(req.Context(), identity)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
