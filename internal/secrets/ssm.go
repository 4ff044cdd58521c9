package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// SSMParameterStore implements Store on AWS Systems Manager Parameter Store.
// Values are written as SecureString parameters so they are encrypted at
// rest with the account's default KMS key.
type SSMParameterStore struct {
	client *ssm.Client
}

// NewSSMParameterStore wraps an existing SSM client.
func NewSSMParameterStore(client *ssm.Client) *SSMParameterStore {
	return &SSMParameterStore{client: client}
}

// Get fetches and decrypts a parameter. A missing parameter is reported via
// the boolean, not an error.
func (s *SSMParameterStore) Get(ctx context.Context, name string) (string, bool, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *ssmtypes.ParameterNotFound
		if errors.As(err, &nf) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get parameter %q: %w", name, err)
	}
	return aws.ToString(out.Parameter.Value), true, nil
}

// Set writes a parameter, overwriting any previous version.
func (s *SSMParameterStore) Set(ctx context.Context, name, value string) error {
	_, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(name),
		Value:     aws.String(value),
		Type:      ssmtypes.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("put parameter %q: %w", name, err)
	}
	return nil
}
