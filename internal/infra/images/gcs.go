package images

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/mzlad1/mirabeauty-sub001/errs"
)

// NewGCSClient connects to Cloud Storage. An empty credentials file uses
// application default credentials.
func NewGCSClient(ctx context.Context, credentialsFile string) (*storage.Client, error) {
	var opts []option.ClientOption
	if file := strings.TrimSpace(credentialsFile); file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errs.New("images/gcs", errs.CodeUnavailable,
			errs.WithMessage("create storage client"),
			errs.WithCause(err))
	}
	return client, nil
}

// GCSLoader checks gs://bucket/object references by reading object metadata.
type GCSLoader struct {
	client *storage.Client
}

// NewGCSLoader constructs a loader over client.
func NewGCSLoader(client *storage.Client) *GCSLoader {
	return &GCSLoader{client: client}
}

// Load implements Loader. The object must exist and carry an image content type.
func (l *GCSLoader) Load(ctx context.Context, ref string) error {
	bucket, object, err := ParseGCSRef(ref)
	if err != nil {
		return err
	}
	if l == nil || l.client == nil {
		return errs.New("images/gcs", errs.CodeUnavailable, errs.WithMessage("nil storage client"))
	}
	attrs, err := l.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return errs.New("images/gcs", errs.CodeNotFound,
				errs.WithField("ref", ref),
				errs.WithCause(err))
		}
		return errs.New("images/gcs", errs.CodeUnavailable,
			errs.WithField("ref", ref),
			errs.WithCause(err))
	}
	if ct := strings.ToLower(attrs.ContentType); ct != "" && !strings.HasPrefix(ct, "image/") {
		return errs.New("images/gcs", errs.CodeInvalid,
			errs.WithMessage("object is not an image"),
			errs.WithField("ref", ref),
			errs.WithField("contentType", attrs.ContentType))
	}
	return nil
}

// ParseGCSRef splits gs://bucket/path/to/object.
func ParseGCSRef(ref string) (bucket, object string, err error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || !strings.EqualFold(u.Scheme, "gs") {
		return "", "", errs.New("images/gcs", errs.CodeInvalid,
			errs.WithMessage("expected gs://bucket/object"),
			errs.WithField("ref", ref))
	}
	bucket = strings.TrimSpace(u.Host)
	object = strings.TrimLeft(u.Path, "/")
	if bucket == "" || object == "" {
		return "", "", errs.New("images/gcs", errs.CodeInvalid,
			errs.WithMessage("expected gs://bucket/object"),
			errs.WithField("ref", ref))
	}
	return bucket, object, nil
}
