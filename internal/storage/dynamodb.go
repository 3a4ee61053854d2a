package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const backupSortPrefix = "BACKUP#"

var (
	// ErrBackupNotFound is returned when the archive has no backup of that name
	ErrBackupNotFound = errors.New("backup not found in archive")

	// ErrVersionConflict is returned when the remote backup changed since it
	// was last pulled
	ErrVersionConflict = errors.New("version conflict: remote backup has been updated, pull it first")
)

// DynamoDBAPI is the subset of the DynamoDB client the archive uses
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// BackupArchive keeps encrypted backup files in DynamoDB, one item per
// backup name under the user's partition
type BackupArchive struct {
	client    DynamoDBAPI
	tableName string
	userID    string
}

// ArchiveEntry is one archived backup
type ArchiveEntry struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	Name       string `dynamodbav:"name"`
	Blob       []byte `dynamodbav:"blob,omitempty"`
	Size       int64  `dynamodbav:"size"`
	Version    int64  `dynamodbav:"version"`
	ModifiedAt string `dynamodbav:"modified_at"`
	DeviceID   string `dynamodbav:"device_id"`
}

// NewBackupArchive creates an archive backed by the default AWS credential
// chain. An empty region keeps the SDK's own resolution.
func NewBackupArchive(ctx context.Context, region, tableName, userID string) (*BackupArchive, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewBackupArchiveWithClient(dynamodb.NewFromConfig(cfg), tableName, userID), nil
}

// NewBackupArchiveWithClient creates an archive on an existing client
func NewBackupArchiveWithClient(client DynamoDBAPI, tableName, userID string) *BackupArchive {
	return &BackupArchive{client: client, tableName: tableName, userID: userID}
}

// GetDeviceID returns a unique device identifier
func GetDeviceID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func (a *BackupArchive) partitionKey() string {
	return fmt.Sprintf("USER#%s", a.userID)
}

// Push uploads blob under name. expectedVersion is the version last pulled
// (0 for a new backup); the stored version becomes expectedVersion+1.
func (a *BackupArchive) Push(ctx context.Context, name string, blob []byte, expectedVersion int64) (int64, error) {
	entry := ArchiveEntry{
		PK:         a.partitionKey(),
		SK:         backupSortPrefix + name,
		Name:       name,
		Blob:       blob,
		Size:       int64(len(blob)),
		Version:    expectedVersion + 1,
		ModifiedAt: time.Now().UTC().Format(time.RFC3339),
		DeviceID:   GetDeviceID(),
	}

	av, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal backup: %w", err)
	}

	// Conditional write to prevent overwriting newer versions
	input := &dynamodb.PutItemInput{
		TableName:           aws.String(a.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(version) OR version = :expectedVersion"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expectedVersion": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expectedVersion)},
		},
	}

	if _, err := a.client.PutItem(ctx, input); err != nil {
		var condCheckErr *types.ConditionalCheckFailedException
		if errors.As(err, &condCheckErr) {
			return 0, ErrVersionConflict
		}
		return 0, fmt.Errorf("failed to push backup: %w", err)
	}
	return entry.Version, nil
}

// Pull downloads the backup stored under name
func (a *BackupArchive) Pull(ctx context.Context, name string) (*ArchiveEntry, error) {
	result, err := a.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(a.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: a.partitionKey()},
			"SK": &types.AttributeValueMemberS{Value: backupSortPrefix + name},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get backup from DynamoDB: %w", err)
	}
	if result.Item == nil {
		return nil, ErrBackupNotFound
	}

	var entry ArchiveEntry
	if err := attributevalue.UnmarshalMap(result.Item, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup: %w", err)
	}
	return &entry, nil
}

// List returns the user's archived backups without their blobs
func (a *BackupArchive) List(ctx context.Context) ([]ArchiveEntry, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(a.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ProjectionExpression:   aws.String("PK, SK, #n, #s, version, modified_at, device_id"),
		ExpressionAttributeNames: map[string]string{
			"#n": "name",
			"#s": "size",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: a.partitionKey()},
			":prefix": &types.AttributeValueMemberS{Value: backupSortPrefix},
		},
	}

	var entries []ArchiveEntry
	for {
		out, err := a.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list backups: %w", err)
		}
		var page []ArchiveEntry
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal backups: %w", err)
		}
		entries = append(entries, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	for i := range entries {
		if entries[i].Name == "" {
			entries[i].Name = strings.TrimPrefix(entries[i].SK, backupSortPrefix)
		}
	}
	return entries, nil
}
