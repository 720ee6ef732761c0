package dynamo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrCodeEU/faceenroll/pkg/kvstore"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ kvstore.Store = (*Store)(nil)

// mockDDBClient is an in-memory DynamoDB mock for testing.
type mockDDBClient struct {
	mu    sync.RWMutex
	items map[string]map[string]types.AttributeValue
	err   error
}

func newMockDDBClient() *mockDDBClient {
	return &mockDDBClient{items: make(map[string]map[string]types.AttributeValue)}
}

func pkOf(m map[string]types.AttributeValue) string {
	return m["pk"].(*types.AttributeValueMemberS).Value
}

func (m *mockDDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.items[pkOf(params.Item)] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	if item, ok := m.items[pkOf(params.Key)]; ok {
		return &dynamodb.GetItemOutput{Item: item}, nil
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDDBClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	delete(m.items, pkOf(params.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestStore_SetGetRemove(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := NewStore(ddb, "faceenroll-sessions")
	store.now = func() time.Time { return time.Unix(1700000000, 0) }

	_, found, err := store.Get(ctx, "enrollment/s1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "enrollment/s1", []byte(`{"v":1}`)))

	item := ddb.items["enrollment/s1"]
	require.NotNil(t, item)
	assert.Equal(t, "1700000000", item["updated_at"].(*types.AttributeValueMemberN).Value)

	v, found, err := store.Get(ctx, "enrollment/s1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"v":1}`, string(v))

	require.NoError(t, store.Remove(ctx, "enrollment/s1"))
	_, found, err = store.Get(ctx, "enrollment/s1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_InvalidValueAttribute(t *testing.T) {
	ddb := newMockDDBClient()
	ddb.items["bad"] = map[string]types.AttributeValue{
		"pk":    &types.AttributeValueMemberS{Value: "bad"},
		"value": &types.AttributeValueMemberS{Value: "not binary"},
	}

	_, _, err := NewStore(ddb, "t").Get(context.Background(), "bad")
	assert.Error(t, err)
}

func TestStore_ClientErrors(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	ddb.err = errors.New("throttled")
	store := NewStore(ddb, "t")

	_, _, err := store.Get(ctx, "k")
	assert.ErrorContains(t, err, "throttled")
	assert.ErrorContains(t, store.Set(ctx, "k", nil), "throttled")
	assert.ErrorContains(t, store.Remove(ctx, "k"), "throttled")
}

func TestStore_Scoped(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	scoped := kvstore.Scoped(NewStore(ddb, "t"), "enrollment")

	require.NoError(t, scoped.Set(ctx, "abc", []byte("x")))
	_, ok := ddb.items["enrollment/abc"]
	assert.True(t, ok)
}
