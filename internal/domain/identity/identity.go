// Package identity defines identity and profile records, the hydrated session
// derived from them, and the ports through which they are obtained.
package identity

//go:generate mockgen -source=identity.go -destination=mocks/mocks.go -package=mocks Provider,ProfileStore

import (
	"context"
	"time"
)

// Phase is the hydration lifecycle phase.
type Phase string

const (
	// PhaseSignedOut means no identity is present.
	PhaseSignedOut Phase = "signed-out"
	// PhaseIdentityPending means an identity change is being processed.
	PhaseIdentityPending Phase = "identity-pending"
	// PhaseProfilePending means the profile for the identity is being fetched.
	PhaseProfilePending Phase = "profile-pending"
	// PhaseHydrated means both identity and profile are present.
	PhaseHydrated Phase = "hydrated"
	// PhaseSignedOutWithWarning means the identity exists but its profile never appeared.
	PhaseSignedOutWithWarning Phase = "signed-out-with-warning"
)

// Settled reports whether the phase is terminal for the current identity.
func (p Phase) Settled() bool {
	switch p {
	case PhaseSignedOut, PhaseHydrated, PhaseSignedOutWithWarning:
		return true
	default:
		return false
	}
}

// Record is the identity as reported by the identity provider.
type Record struct {
	IdentityID  string
	DisplayName string
	Email       string
}

// Profile is the application profile stored in the document store.
type Profile struct {
	IdentityID string
	Role       string
	Attributes map[string]any
}

// Clone returns a deep-enough copy of the profile.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	if p.Attributes != nil {
		out.Attributes = make(map[string]any, len(p.Attributes))
		for k, v := range p.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}

// Session is the hydrated session. It is only constructed when the identity
// and profile refer to the same identity id.
type Session struct {
	Identity   Record
	Profile    Profile
	HydratedAt time.Time
}

// NewSession joins an identity with its profile.
func NewSession(record Record, profile *Profile, at time.Time) (Session, bool) {
	if profile == nil || record.IdentityID == "" || profile.IdentityID != record.IdentityID {
		return Session{}, false
	}
	return Session{Identity: record, Profile: *profile.Clone(), HydratedAt: at}, true
}

// Warning describes an identity whose profile could not be joined.
type Warning struct {
	IdentityID string
	Attempts   int
	Reason     string
}

// State is the observable hydrator snapshot.
type State struct {
	Phase    Phase
	Identity *Record
	Session  *Session
	Warning  *Warning
}

// Authenticated reports whether a hydrated session is available.
func (s State) Authenticated() bool {
	return s.Phase == PhaseHydrated && s.Session != nil
}

// Provider streams identity changes. A nil record signals sign-out. The
// returned function stops delivery.
type Provider interface {
	Subscribe(onChange func(*Record)) func()
}

// ProfileStore fetches profiles. A missing profile is reported as (nil, nil).
type ProfileStore interface {
	GetProfile(ctx context.Context, identityID string) (*Profile, error)
}
