package httpmw

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/keithlinneman/linnemanlabs-assets/internal/log"
	"github.com/keithlinneman/linnemanlabs-assets/internal/xerrors"
)

type subjectKeyType struct{}

var subjectKey subjectKeyType

// Subject returns the authenticated token subject stored by BearerAuth, or ""
// when the request was not authenticated.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}

// ContextWithSubject is exposed for handler tests that need an authenticated
// request without running the full middleware.
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// AuthOptions configures BearerAuth.
type AuthOptions struct {
	// JWKSURL is the issuer's published key set. Required.
	JWKSURL string

	// Issuer and Audience are enforced on every token when non-empty.
	Issuer   string
	Audience string

	// RefreshInterval controls background JWKS refresh. Defaults to 1h.
	RefreshInterval time.Duration

	Logger log.Logger
}

// Authenticator validates bearer tokens against a remote JWKS.
type Authenticator struct {
	jwks   *keyfunc.JWKS
	parser *jwt.Parser
	log    log.Logger
}

// NewAuthenticator fetches the key set once up front so a bad URL fails at
// startup rather than on the first request.
func NewAuthenticator(opts AuthOptions) (*Authenticator, error) {
	if opts.JWKSURL == "" {
		return nil, xerrors.New("auth: jwks url is required")
	}
	l := opts.Logger
	if l == nil {
		l = log.Nop()
	}
	refresh := opts.RefreshInterval
	if refresh <= 0 {
		refresh = time.Hour
	}

	jwks, err := keyfunc.Get(opts.JWKSURL, keyfunc.Options{
		RefreshInterval:   refresh,
		RefreshRateLimit:  time.Minute,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			l.Warn(context.Background(), "jwks refresh failed", "error", err.Error())
		},
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "auth: fetch jwks %s", opts.JWKSURL)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}

	return &Authenticator{
		jwks:   jwks,
		parser: jwt.NewParser(parserOpts...),
		log:    l,
	}, nil
}

// Close stops the background JWKS refresh goroutine.
func (a *Authenticator) Close() {
	if a.jwks != nil {
		a.jwks.EndBackground()
	}
}

// Middleware rejects requests without a valid bearer token and stores the
// token subject in the request context for handlers.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}

			token, err := a.parser.Parse(raw, a.jwks.Keyfunc)
			if err != nil || !token.Valid {
				a.log.Warn(r.Context(), "rejected bearer token",
					"url.path", r.URL.Path,
					"error", errString(err),
				)
				unauthorized(w, "invalid token")
				return
			}

			sub, err := token.Claims.GetSubject()
			if err != nil || sub == "" {
				unauthorized(w, "token has no subject")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithSubject(r.Context(), sub)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(prefix):])
	return tok, tok != ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

func errString(err error) string {
	if err == nil {
		return "token invalid"
	}
	return err.Error()
}
