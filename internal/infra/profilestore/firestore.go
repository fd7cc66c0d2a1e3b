package profilestore

import (
	"context"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mzlad1/mirabeauty-sub001/errs"
	"github.com/mzlad1/mirabeauty-sub001/internal/domain/identity"
)

// DefaultCollection holds one profile document per identity id.
const DefaultCollection = "users"

const roleField = "role"

// FirestoreConfig configures the Firestore client.
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
	Collection      string
}

// NewFirestoreClient connects to Firestore. An empty credentials file uses
// application default credentials.
func NewFirestoreClient(ctx context.Context, cfg FirestoreConfig) (*firestore.Client, error) {
	var opts []option.ClientOption
	if file := strings.TrimSpace(cfg.CredentialsFile); file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}
	client, err := firestore.NewClient(ctx, strings.TrimSpace(cfg.ProjectID), opts...)
	if err != nil {
		return nil, errs.New("profilestore/firestore", errs.CodeUnavailable,
			errs.WithMessage("create firestore client"),
			errs.WithCause(err))
	}
	return client, nil
}

// FirestoreStore reads profiles from a Firestore collection keyed by identity id.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore constructs a store over client. An empty collection uses
// DefaultCollection.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreStore{client: client, collection: collection}
}

// GetProfile implements identity.ProfileStore. A missing document is reported
// as (nil, nil) so callers can retry until it becomes visible.
func (s *FirestoreStore) GetProfile(ctx context.Context, identityID string) (*identity.Profile, error) {
	if s == nil || s.client == nil {
		return nil, errs.New("profilestore/firestore", errs.CodeUnavailable, errs.WithMessage("nil firestore client"))
	}
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, errs.New("profilestore/firestore", errs.CodeInvalid, errs.WithMessage("identity id required"))
	}
	snap, err := s.client.Collection(s.collection).Doc(identityID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, errs.New("profilestore/firestore", errs.CodeUnavailable,
			errs.WithField("collection", s.collection),
			errs.WithField("identity", identityID),
			errs.WithCause(err))
	}
	if !snap.Exists() {
		return nil, nil
	}
	return profileFromData(identityID, snap.Data()), nil
}

// profileFromData maps a profile document. The role field is lifted out;
// every other field is kept as an attribute.
func profileFromData(identityID string, data map[string]interface{}) *identity.Profile {
	if data == nil {
		return nil
	}
	profile := &identity.Profile{IdentityID: identityID}
	for key, value := range data {
		if key == roleField {
			if role, ok := value.(string); ok {
				profile.Role = strings.TrimSpace(role)
			}
			continue
		}
		if profile.Attributes == nil {
			profile.Attributes = make(map[string]any, len(data))
		}
		profile.Attributes[key] = value
	}
	return profile
}
