package authsource

import (
	"context"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/mzlad1/mirabeauty-sub001/errs"
	"github.com/mzlad1/mirabeauty-sub001/internal/domain/identity"
	"github.com/mzlad1/mirabeauty-sub001/internal/observability"
)

// TokenVerifier verifies Firebase ID tokens. *auth.Client satisfies it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// FirebaseConfig configures the Firebase Admin client.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// NewFirebaseAuthClient initialises the Firebase app and returns its auth client.
// An empty credentials file uses application default credentials.
func NewFirebaseAuthClient(ctx context.Context, cfg FirebaseConfig) (*auth.Client, error) {
	var opts []option.ClientOption
	if file := strings.TrimSpace(cfg.CredentialsFile); file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: strings.TrimSpace(cfg.ProjectID)}, opts...)
	if err != nil {
		return nil, errs.New("authsource/firebase", errs.CodeUnavailable,
			errs.WithMessage("firebase app init"),
			errs.WithCause(err))
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, errs.New("authsource/firebase", errs.CodeUnavailable,
			errs.WithMessage("firebase auth init"),
			errs.WithCause(err))
	}
	return client, nil
}

// FirebaseProvider turns verified Firebase ID tokens into identity changes.
type FirebaseProvider struct {
	verifier TokenVerifier
	emitter  *Emitter
	logger   observability.Logger
}

// NewFirebaseProvider constructs a provider over verifier.
func NewFirebaseProvider(verifier TokenVerifier, logger observability.Logger) *FirebaseProvider {
	if logger == nil {
		logger = observability.Log()
	}
	return &FirebaseProvider{verifier: verifier, emitter: NewEmitter(), logger: logger}
}

// Subscribe implements identity.Provider.
func (p *FirebaseProvider) Subscribe(onChange func(*identity.Record)) func() {
	return p.emitter.Subscribe(onChange)
}

// SignIn verifies idToken and emits the identity it carries.
func (p *FirebaseProvider) SignIn(ctx context.Context, idToken string) (*identity.Record, error) {
	idToken = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(idToken), "Bearer "))
	if idToken == "" {
		return nil, errs.New("authsource/firebase", errs.CodeInvalid, errs.WithMessage("empty id token"))
	}
	if p.verifier == nil {
		return nil, errs.New("authsource/firebase", errs.CodeUnavailable, errs.WithMessage("firebase auth not configured"))
	}
	token, err := p.verifier.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, errs.New("authsource/firebase", errs.CodeInvalid,
			errs.WithMessage("invalid id token"),
			errs.WithCause(err))
	}
	uid := strings.TrimSpace(token.UID)
	if uid == "" {
		return nil, errs.New("authsource/firebase", errs.CodeInvalid, errs.WithMessage("token has no uid"))
	}
	record := &identity.Record{
		IdentityID:  uid,
		DisplayName: claimString(token.Claims, "name", "fullName"),
		Email:       claimString(token.Claims, "email"),
	}
	p.logger.Info("firebase identity signed in", observability.F("identity", uid))
	p.emitter.Emit(record)
	return record, nil
}

// SignOut emits a sign-out.
func (p *FirebaseProvider) SignOut() {
	p.emitter.Emit(nil)
}

func claimString(claims map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if raw, ok := claims[key]; ok {
			if s, ok := raw.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					return s
				}
			}
		}
	}
	return ""
}
