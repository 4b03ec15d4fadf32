package kms

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// kmsAPI is the subset of the AWS KMS client the provider uses.
type kmsAPI interface {
	GenerateDataKey(ctx context.Context, params *awskms.GenerateDataKeyInput, optFns ...func(*awskms.Options)) (*awskms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *awskms.DecryptInput, optFns ...func(*awskms.Options)) (*awskms.DecryptOutput, error)
}

// AWSProvider wraps DEKs with a managed AWS KMS key.
type AWSProvider struct {
	client kmsAPI
	keyID  string
}

// NewAWSProvider builds a provider for the given key id using the default
// AWS credential chain.
func NewAWSProvider(ctx context.Context, keyID string) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("kms: load aws config: %w", err)
	}
	return &AWSProvider{client: awskms.NewFromConfig(cfg), keyID: keyID}, nil
}

// NewAWSProviderWithClient injects a client, for tests.
func NewAWSProviderWithClient(client kmsAPI, keyID string) *AWSProvider {
	return &AWSProvider{client: client, keyID: keyID}
}

func (p *AWSProvider) GenerateDataKey(ctx context.Context) ([]byte, []byte, error) {
	out, err := p.client.GenerateDataKey(ctx, &awskms.GenerateDataKeyInput{
		KeyId:   &p.keyID,
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("kms: generate data key: %w", err)
	}
	if len(out.Plaintext) != DataKeySize {
		return nil, nil, fmt.Errorf("kms: provider returned %d-byte key", len(out.Plaintext))
	}
	return out.Plaintext, out.CiphertextBlob, nil
}

func (p *AWSProvider) DecryptDataKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	out, err := p.client.Decrypt(ctx, &awskms.DecryptInput{
		CiphertextBlob: wrapped,
		KeyId:          &p.keyID,
	})
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt data key: %w", err)
	}
	if len(out.Plaintext) != DataKeySize {
		return nil, fmt.Errorf("kms: provider returned %d-byte key", len(out.Plaintext))
	}
	return out.Plaintext, nil
}
