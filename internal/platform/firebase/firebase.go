// Package firebase builds the Firebase Admin handles the service shares:
// Firestore, Cloud Storage and Auth. They are created once at startup from
// one set of service-account credentials and closed together on shutdown.
package firebase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	gcs "cloud.google.com/go/storage"
	fb "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// Config selects the project, credentials, and which clients to build.
type Config struct {
	ProjectID string
	// ClientEmail and PrivateKey form an inline service account. PrivateKey
	// may carry literal "\n" sequences, as env files usually do.
	ClientEmail string
	PrivateKey  string
	// CredentialsFile is used when no inline service account is given.
	CredentialsFile string
	StorageBucket   string

	Firestore bool
	Storage   bool
	Auth      bool
}

// Clients owns the live handles. Unrequested clients are nil.
type Clients struct {
	App       *fb.App
	Firestore *firestore.Client
	Storage   *gcs.Client
	Auth      *auth.Client
	Bucket    string
}

// HasInlineCredentials reports whether an inline service account is set.
func (c Config) HasInlineCredentials() bool {
	return strings.TrimSpace(c.ClientEmail) != "" && strings.TrimSpace(c.PrivateKey) != ""
}

// clientOptions turns the configured credentials into client options. With
// none configured, Application Default Credentials apply.
func (c Config) clientOptions() ([]option.ClientOption, error) {
	if c.HasInlineCredentials() {
		raw, err := json.Marshal(map[string]string{
			"type":         "service_account",
			"project_id":   c.ProjectID,
			"client_email": strings.TrimSpace(c.ClientEmail),
			"private_key":  normalizePrivateKey(c.PrivateKey),
			"token_uri":    "https://oauth2.googleapis.com/token",
		})
		if err != nil {
			return nil, err
		}
		return []option.ClientOption{option.WithCredentialsJSON(raw)}, nil
	}
	if f := strings.TrimSpace(c.CredentialsFile); f != "" {
		return []option.ClientOption{option.WithCredentialsFile(f)}, nil
	}
	return nil, nil
}

func normalizePrivateKey(k string) string {
	k = strings.TrimSpace(k)
	k = strings.Trim(k, `"`)
	return strings.ReplaceAll(k, `\n`, "\n")
}

// Open builds the requested clients. On error everything built so far is
// closed.
func Open(ctx context.Context, cfg Config) (*Clients, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("firebase: project id is required")
	}
	opts, err := cfg.clientOptions()
	if err != nil {
		return nil, fmt.Errorf("firebase credentials: %w", err)
	}

	app, err := fb.NewApp(ctx, &fb.Config{
		ProjectID:     cfg.ProjectID,
		StorageBucket: cfg.StorageBucket,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	c := &Clients{App: app, Bucket: cfg.StorageBucket}

	if cfg.Firestore {
		if c.Firestore, err = app.Firestore(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("firestore client: %w", err)
		}
	}
	if cfg.Storage {
		if strings.TrimSpace(cfg.StorageBucket) == "" {
			_ = c.Close()
			return nil, errors.New("firebase: storage bucket is required")
		}
		if c.Storage, err = gcs.NewClient(ctx, opts...); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("storage client: %w", err)
		}
	}
	if cfg.Auth {
		if c.Auth, err = app.Auth(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("auth client: %w", err)
		}
	}
	return c, nil
}

// Close releases every client. Safe on a nil receiver.
func (c *Clients) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Firestore != nil {
		errs = append(errs, c.Firestore.Close())
	}
	if c.Storage != nil {
		errs = append(errs, c.Storage.Close())
	}
	return errors.Join(errs...)
}

// VerifyIDToken checks a Firebase ID token and returns its uid.
func (c *Clients) VerifyIDToken(ctx context.Context, idToken string) (string, error) {
	if c == nil || c.Auth == nil {
		return "", errors.New("firebase: auth client not initialized")
	}
	tok, err := c.Auth.VerifyIDToken(ctx, idToken)
	if err != nil {
		return "", err
	}
	return tok.UID, nil
}
