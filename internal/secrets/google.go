package secrets

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GoogleSecretManager implements Store on top of GCP Secret Manager.
type GoogleSecretManager struct {
	project string
	client  *secretmanager.Client
}

// NewGoogleSecretManager creates a Secret Manager backed store for the
// given project. The client uses application default credentials.
func NewGoogleSecretManager(ctx context.Context, project string) (*GoogleSecretManager, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("secret manager client: %w", err)
	}
	return &GoogleSecretManager{project: project, client: client}, nil
}

// Close releases the underlying client connection.
func (g *GoogleSecretManager) Close() error {
	return g.client.Close()
}

// Get fetches the latest version of the named secret.
func (g *GoogleSecretManager) Get(ctx context.Context, name string) (string, bool, error) {
	resp, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.project, name),
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("access secret %q: %w", name, err)
	}
	return string(resp.GetPayload().GetData()), true, nil
}

// Set adds a new version of the named secret, creating the secret first
// when it does not exist yet.
func (g *GoogleSecretManager) Set(ctx context.Context, name, value string) error {
	parent := fmt.Sprintf("projects/%s", g.project)
	secretName := parent + "/secrets/" + name

	_, err := g.client.GetSecret(ctx, &secretmanagerpb.GetSecretRequest{Name: secretName})
	if err != nil {
		if status.Code(err) != codes.NotFound {
			return fmt.Errorf("get secret %q: %w", name, err)
		}
		_, err = g.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
			Parent:   parent,
			SecretId: name,
			Secret: &secretmanagerpb.Secret{
				Replication: &secretmanagerpb.Replication{
					Replication: &secretmanagerpb.Replication_Automatic_{
						Automatic: &secretmanagerpb.Replication_Automatic{},
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("create secret %q: %w", name, err)
		}
	}

	_, err = g.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  secretName,
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	})
	if err != nil {
		return fmt.Errorf("add secret version %q: %w", name, err)
	}
	return nil
}
