// Package dynamo implements kvstore.Store on a DynamoDB table.
//
// Table schema:
//   - Partition key: pk (string) - the session store key
//   - Attribute: value (binary)
//   - Attribute: updated_at (number) - unix seconds of the last write
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name faceenroll-sessions \
//	  --attribute-definitions AttributeName=pk,AttributeType=S \
//	  --key-schema AttributeName=pk,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Client is the subset of the DynamoDB API the store needs.
type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store is a DynamoDB-backed key/value store.
type Store struct {
	client    Client
	tableName string
	now       func() time.Time
}

// NewStore creates a store on the given table.
func NewStore(client Client, tableName string) *Store {
	return &Store{client: client, tableName: tableName, now: time.Now}
}

func (s *Store) key(k string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: k},
	}
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get item from DynamoDB: %w", err)
	}
	if len(resp.Item) == 0 {
		return nil, false, nil
	}

	value, ok := resp.Item["value"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, false, errors.New("invalid value attribute in DynamoDB")
	}
	return value.Value, true, nil
}

// Set writes value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"pk":         &types.AttributeValueMemberS{Value: key},
			"value":      &types.AttributeValueMemberB{Value: value},
			"updated_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Unix(), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to put item to DynamoDB: %w", err)
	}
	return nil
}

// Remove deletes key. Deleting a missing key succeeds.
func (s *Store) Remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete item from DynamoDB: %w", err)
	}
	return nil
}
