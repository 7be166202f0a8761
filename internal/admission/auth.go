package admission

import (
	"context"
	"strings"

	"github.com/coreos/go-oidc"

	"workflow-gateway/backend/internal/config"
	"workflow-gateway/backend/pkg/models"
)

// Logger is the logging surface the authenticator needs.
type Logger interface {
	Info(msg string, args ...interface{})
	Critical(msg string, args ...interface{})
}

// Authenticator validates the credential attached to a request and resolves
// the principal. In production mode a missing credential is always denied;
// there is no implicit bypass. Disabling authentication while in production
// is honored but logged as a critical-severity event.
type Authenticator struct {
	enabled    bool
	staticKeys map[string]string
	verifier   *oidc.IDTokenVerifier
}

// NewAuthenticator builds the stage from configuration. When an OIDC issuer
// is configured the provider's discovery document is fetched eagerly so a
// misconfigured issuer fails at startup, not on the first request.
func NewAuthenticator(ctx context.Context, cfg *config.Config, logger Logger) (*Authenticator, error) {
	enabled := cfg.AuthEnabled()
	if !enabled && cfg.IsProduction() {
		logger.Critical("authentication is DISABLED while environment=PROD; every request will be treated as anonymous")
	}

	a := &Authenticator{
		enabled:    enabled,
		staticKeys: cfg.Auth.StaticKeys,
	}

	if enabled && cfg.Auth.Issuer != "" {
		provider, err := oidc.NewProvider(ctx, cfg.Auth.Issuer)
		if err != nil {
			return nil, err
		}
		// Access tokens often carry an audience other than our client id
		// (e.g. "api://default"), so the client id check is skipped.
		a.verifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}

	return a, nil
}

// NewStaticAuthenticator builds an authenticator over a fixed key table.
// Used by tests and by deployments without an OIDC issuer.
func NewStaticAuthenticator(enabled bool, keys map[string]string) *Authenticator {
	return &Authenticator{enabled: enabled, staticKeys: keys}
}

// Name implements Stage.
func (a *Authenticator) Name() string { return "auth" }

// Evaluate resolves the principal from the request credential.
func (a *Authenticator) Evaluate(ctx context.Context, req *models.DispatchRequest) models.AdmissionDecision {
	if !a.enabled {
		if req.Principal == "" {
			req.Principal = "anonymous"
		}
		return models.Allowed(a.Name())
	}

	cred := strings.TrimSpace(req.Credential)
	if cred == "" {
		return models.Denied(a.Name(), models.KindUnauthenticated, "missing credential")
	}

	if principal, ok := a.staticKeys[cred]; ok {
		req.Principal = principal
		return models.Allowed(a.Name())
	}

	if a.verifier != nil {
		token, err := a.verifier.Verify(ctx, cred)
		if err != nil {
			return models.Denied(a.Name(), models.KindUnauthenticated, "invalid token")
		}
		var claims struct {
			Email string `json:"email"`
		}
		if err := token.Claims(&claims); err == nil && claims.Email != "" {
			req.Principal = claims.Email
		} else {
			req.Principal = token.Subject
		}
		return models.Allowed(a.Name())
	}

	return models.Denied(a.Name(), models.KindUnauthenticated, "unrecognized credential")
}
