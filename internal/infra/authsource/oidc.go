package authsource

import (
	"context"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/mzlad1/mirabeauty-sub001/errs"
	"github.com/mzlad1/mirabeauty-sub001/internal/domain/identity"
	"github.com/mzlad1/mirabeauty-sub001/internal/observability"
)

// OIDCConfig configures discovery for a generic OpenID Connect issuer.
type OIDCConfig struct {
	IssuerURL string
	ClientID  string
}

// NewOIDCVerifier discovers the issuer and returns an ID token verifier for clientID.
func NewOIDCVerifier(ctx context.Context, cfg OIDCConfig) (*oidc.IDTokenVerifier, error) {
	issuer := strings.TrimSpace(cfg.IssuerURL)
	if issuer == "" {
		return nil, errs.New("authsource/oidc", errs.CodeInvalid, errs.WithMessage("issuer url required"))
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, errs.New("authsource/oidc", errs.CodeUnavailable,
			errs.WithMessage("issuer discovery"),
			errs.WithField("issuer", issuer),
			errs.WithCause(err))
	}
	return provider.Verifier(&oidc.Config{ClientID: strings.TrimSpace(cfg.ClientID)}), nil
}

// OIDCProvider turns verified OpenID Connect ID tokens into identity changes.
type OIDCProvider struct {
	verifier *oidc.IDTokenVerifier
	emitter  *Emitter
	logger   observability.Logger
}

// NewOIDCProvider constructs a provider over verifier.
func NewOIDCProvider(verifier *oidc.IDTokenVerifier, logger observability.Logger) *OIDCProvider {
	if logger == nil {
		logger = observability.Log()
	}
	return &OIDCProvider{verifier: verifier, emitter: NewEmitter(), logger: logger}
}

// Subscribe implements identity.Provider.
func (p *OIDCProvider) Subscribe(onChange func(*identity.Record)) func() {
	return p.emitter.Subscribe(onChange)
}

// SignIn verifies rawIDToken and emits the identity it carries. The subject
// claim is the identity id.
func (p *OIDCProvider) SignIn(ctx context.Context, rawIDToken string) (*identity.Record, error) {
	rawIDToken = strings.TrimSpace(rawIDToken)
	if rawIDToken == "" {
		return nil, errs.New("authsource/oidc", errs.CodeInvalid, errs.WithMessage("empty id token"))
	}
	if p.verifier == nil {
		return nil, errs.New("authsource/oidc", errs.CodeUnavailable, errs.WithMessage("oidc verifier not configured"))
	}
	token, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, errs.New("authsource/oidc", errs.CodeInvalid,
			errs.WithMessage("invalid id token"),
			errs.WithCause(err))
	}
	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := token.Claims(&claims); err != nil {
		return nil, errs.New("authsource/oidc", errs.CodeInvalid,
			errs.WithMessage("parse claims"),
			errs.WithCause(err))
	}
	if strings.TrimSpace(claims.Sub) == "" {
		return nil, errs.New("authsource/oidc", errs.CodeInvalid, errs.WithMessage("token has no subject"))
	}
	record := &identity.Record{
		IdentityID:  strings.TrimSpace(claims.Sub),
		DisplayName: strings.TrimSpace(claims.Name),
		Email:       strings.TrimSpace(claims.Email),
	}
	p.logger.Info("oidc identity signed in", observability.F("identity", record.IdentityID))
	p.emitter.Emit(record)
	return record, nil
}

// SignOut emits a sign-out.
func (p *OIDCProvider) SignOut() {
	p.emitter.Emit(nil)
}
