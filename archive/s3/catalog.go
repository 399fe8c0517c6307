package s3

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/magsim/magsim/archive"
)

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DDBCatalog implements archive.Catalog backed by DynamoDB.
//
// DynamoDB conditional writes supply the compare-and-swap semantics S3
// lacks, so concurrent writers archiving under the same fingerprint cannot
// overwrite each other's versions.
//
// Table schema:
//   - Partition key: fingerprint (string) - the simulation fingerprint
//   - Sort key: version (number) - monotonically increasing version
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name magsim-catalog \
//	  --attribute-definitions AttributeName=fingerprint,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=fingerprint,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCatalog struct {
	client    DDBClient
	tableName string
}

// NewDDBCatalog creates a DynamoDB-backed catalog using the given table.
func NewDDBCatalog(client DDBClient, tableName string) *DDBCatalog {
	return &DDBCatalog{
		client:    client,
		tableName: tableName,
	}
}

// Latest returns the highest committed entry for the fingerprint.
func (c *DDBCatalog) Latest(ctx context.Context, fingerprint string) (archive.Entry, error) {
	resp, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("fingerprint = :fp"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":fp": &types.AttributeValueMemberS{Value: fingerprint},
		},
		ScanIndexForward: aws.Bool(false), // Descending order
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return archive.Entry{}, fmt.Errorf("failed to query DynamoDB: %w", err)
	}
	if len(resp.Items) == 0 {
		return archive.Entry{}, archive.ErrNotFound
	}
	return decodeEntry(resp.Items[0])
}

// Commit records e via a conditional write on the version sort key.
func (c *DDBCatalog) Commit(ctx context.Context, e archive.Entry) error {
	if e.Fingerprint == "" || e.Version == 0 {
		return fmt.Errorf("catalog entry needs a fingerprint and a nonzero version")
	}
	if e.CommittedAt.IsZero() {
		e.CommittedAt = time.Now().UTC()
	}

	_, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"fingerprint":  &types.AttributeValueMemberS{Value: e.Fingerprint},
			"version":      &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", e.Version)},
			"name":         &types.AttributeValueMemberS{Value: e.Name},
			"digest":       &types.AttributeValueMemberS{Value: e.Digest},
			"committed_at": &types.AttributeValueMemberS{Value: e.CommittedAt.Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return archive.ErrConcurrentModification
		}
		return fmt.Errorf("failed to commit version to DynamoDB: %w", err)
	}
	return nil
}

func decodeEntry(item map[string]types.AttributeValue) (archive.Entry, error) {
	var e archive.Entry

	fp, ok := item["fingerprint"].(*types.AttributeValueMemberS)
	if !ok {
		return e, errors.New("invalid fingerprint attribute in DynamoDB")
	}
	e.Fingerprint = fp.Value

	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return e, errors.New("invalid version attribute in DynamoDB")
	}
	if _, err := fmt.Sscanf(versionAttr.Value, "%d", &e.Version); err != nil {
		return e, fmt.Errorf("failed to parse version: %w", err)
	}

	if name, ok := item["name"].(*types.AttributeValueMemberS); ok {
		e.Name = name.Value
	}
	if digest, ok := item["digest"].(*types.AttributeValueMemberS); ok {
		e.Digest = digest.Value
	}
	if at, ok := item["committed_at"].(*types.AttributeValueMemberS); ok {
		if ts, err := time.Parse(time.RFC3339Nano, at.Value); err == nil {
			e.CommittedAt = ts
		}
	}
	return e, nil
}
