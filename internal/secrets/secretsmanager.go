package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"

	"github.com/vaultctl/walletctl/internal/crypto"
)

// SecretsManagerAPI is the part of the Secrets Manager client used here
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
}

// SecretsManagerClient keeps the key that wraps CLI session keys in AWS
// Secrets Manager
type SecretsManagerClient struct {
	client     SecretsManagerAPI
	secretName string
	engine     *crypto.Engine
}

// NewSecretsManagerClient creates a new Secrets Manager client
func NewSecretsManagerClient(ctx context.Context, secretName, region string) (*SecretsManagerClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSecretsManagerClientWithAPI(secretsmanager.NewFromConfig(cfg), secretName), nil
}

// NewSecretsManagerClientWithAPI wraps an existing client
func NewSecretsManagerClientWithAPI(client SecretsManagerAPI, secretName string) *SecretsManagerClient {
	return &SecretsManagerClient{
		client:     client,
		secretName: secretName,
		engine:     crypto.NewEngine(nil),
	}
}

// WrappingKey returns the session wrapping key, creating the secret on
// first use
func (smc *SecretsManagerClient) WrappingKey(ctx context.Context) ([]byte, error) {
	result, err := smc.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(smc.secretName),
	})
	if err != nil {
		if isNotFound(err) {
			return smc.createKey(ctx)
		}
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}
	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", smc.secretName)
	}

	// Decode the secret value (stored as base64)
	key, err := base64.StdEncoding.DecodeString(*result.SecretString)
	if err != nil {
		return nil, fmt.Errorf("failed to decode secret: %w", err)
	}
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("secret %s holds a %d byte key, want %d", smc.secretName, len(key), crypto.KeySize)
	}
	return key, nil
}

func (smc *SecretsManagerClient) createKey(ctx context.Context) ([]byte, error) {
	key, err := smc.engine.RandomBytes(crypto.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	_, err = smc.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(smc.secretName),
		SecretString: aws.String(base64.StdEncoding.EncodeToString(key)),
		Description:  aws.String("walletctl key wrapping cached unlock sessions"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create secret: %w", err)
	}
	return key, nil
}

// IsAvailable checks if Secrets Manager is reachable. A missing secret
// still counts as available.
func (smc *SecretsManagerClient) IsAvailable(ctx context.Context) bool {
	_, err := smc.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(smc.secretName),
	})
	return err == nil || isNotFound(err)
}

func isNotFound(err error) bool {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceNotFoundException"
}
