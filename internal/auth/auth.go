// Package auth implements Smart HTTP authentication (§4.M): parsing the
// Authorization header, a pluggable validation provider, and the
// 401/WWW-Authenticate challenge on denial.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// Scheme identifies how credentials were presented.
type Scheme string

const (
	SchemeBasic     Scheme = "basic"
	SchemeBearer    Scheme = "bearer"
	SchemeAnonymous Scheme = "anonymous"
)

// Credentials holds whatever ParseAuthorization extracted from the
// request's Authorization header.
type Credentials struct {
	Scheme   Scheme
	Username string // Basic only
	Password string // Basic only
	Token    string // Bearer only
}

// ParseAuthorization decodes an Authorization header value. A missing
// or unrecognized header is treated as anonymous rather than an error —
// providers decide whether anonymous access is permitted.
func ParseAuthorization(header string) Credentials {
	if header == "" {
		return Credentials{Scheme: SchemeAnonymous}
	}

	if rest, ok := cutPrefixFold(header, "Basic "); ok {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest))
		if err != nil {
			return Credentials{Scheme: SchemeAnonymous}
		}
		user, pass, found := strings.Cut(string(decoded), ":")
		if !found {
			return Credentials{Scheme: SchemeAnonymous}
		}
		return Credentials{Scheme: SchemeBasic, Username: user, Password: pass}
	}

	if rest, ok := cutPrefixFold(header, "Bearer "); ok {
		token := strings.TrimSpace(rest)
		if token == "" {
			return Credentials{Scheme: SchemeAnonymous}
		}
		return Credentials{Scheme: SchemeBearer, Token: token}
	}

	return Credentials{Scheme: SchemeAnonymous}
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

// RequestContext carries the request-shaped facts a provider's policy
// may key on, separate from the credentials themselves.
type RequestContext struct {
	Repo      string
	Service   string // git-upload-pack, git-receive-pack
	Path      string
	Method    string
	IP        string
	UserAgent string
}

// Result is a provider's verdict.
type Result struct {
	Valid  bool
	Reason string
	User   string
	Scopes []string
}

// Provider validates credentials against a request context. Concrete
// providers decide what "valid" means — a static user table, a remote
// identity service, a token introspection endpoint.
type Provider interface {
	Validate(ctx context.Context, creds Credentials, reqCtx RequestContext) (Result, error)
}

// ConstantTimeEqual reports whether a and b are byte-for-byte equal,
// comparing in constant time regardless of where they first differ.
// Length is compared up front with subtle.ConstantTimeEq over the two
// lengths (itself constant-time) so unequal-length inputs don't leak
// timing either, then the bodies are XOR-accumulated via
// crypto/subtle.ConstantTimeCompare against a same-length buffer.
func ConstantTimeEqual(a, b string) bool {
	lenEqual := subtle.ConstantTimeEq(int32(len(a)), int32(len(b))) == 1

	// Compare against a fixed-size buffer so ConstantTimeCompare always
	// sees equal-length slices; its result is discarded when the real
	// lengths differ, but the comparison itself still runs.
	padded := make([]byte, len(a))
	copy(padded, b)
	bodyEqual := subtle.ConstantTimeCompare([]byte(a), padded) == 1

	return lenEqual && bodyEqual
}

// StaticProvider validates Basic credentials against a fixed user table
// and Bearer tokens against a fixed token table. It's the teacher's
// go-to shape for a dependency-free auth backend used in tests and
// small deployments; a production provider would implement Provider
// against an external identity service instead.
type StaticProvider struct {
	// Users maps username to password.
	Users map[string]string
	// Tokens maps bearer token to the user/scopes it grants.
	Tokens map[string]Result
	// AllowAnonymous permits anonymous access when true.
	AllowAnonymous bool
}

func (p *StaticProvider) Validate(ctx context.Context, creds Credentials, reqCtx RequestContext) (Result, error) {
	switch creds.Scheme {
	case SchemeBasic:
		want, ok := p.Users[creds.Username]
		if !ok || !ConstantTimeEqual(want, creds.Password) {
			return Result{Valid: false, Reason: "invalid username or password"}, nil
		}
		return Result{Valid: true, User: creds.Username}, nil

	case SchemeBearer:
		for token, result := range p.Tokens {
			if ConstantTimeEqual(token, creds.Token) {
				result.Valid = true
				return result, nil
			}
		}
		return Result{Valid: false, Reason: "invalid token"}, nil

	case SchemeAnonymous:
		if p.AllowAnonymous {
			return Result{Valid: true, User: "anonymous"}, nil
		}
		return Result{Valid: false, Reason: "authentication required"}, nil

	default:
		return Result{Valid: false, Reason: "unsupported scheme"}, nil
	}
}

// Authenticate parses r's Authorization header and validates it against
// provider, filling in reqCtx from r where the caller left fields zero.
func Authenticate(ctx context.Context, r *http.Request, reqCtx RequestContext, provider Provider) (Result, error) {
	if reqCtx.Method == "" {
		reqCtx.Method = r.Method
	}
	if reqCtx.Path == "" {
		reqCtx.Path = r.URL.Path
	}
	if reqCtx.IP == "" {
		reqCtx.IP = r.RemoteAddr
	}
	if reqCtx.UserAgent == "" {
		reqCtx.UserAgent = r.UserAgent()
	}

	creds := ParseAuthorization(r.Header.Get("Authorization"))
	result, err := provider.Validate(ctx, creds, reqCtx)
	if err != nil {
		return Result{}, fmt.Errorf("auth: validate: %w", err)
	}
	return result, nil
}

// WriteChallenge writes a 401 response advertising both supported
// schemes for realm, per §4.M.
func WriteChallenge(w http.ResponseWriter, realm string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s", Bearer realm="%s"`, realm, realm))
	w.WriteHeader(http.StatusUnauthorized)
}
