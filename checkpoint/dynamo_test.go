//go:build unit

package checkpoint_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hugolhafner/go-sonar/checkpoint"
	"github.com/hugolhafner/go-sonar/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	item   map[string]types.AttributeValue
	puts   []*dynamodb.PutItemInput
	putErr error
	getErr error
}

func (f *fakeDynamo) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (
	*dynamodb.GetItemOutput, error,
) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &dynamodb.GetItemOutput{Item: f.item}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (
	*dynamodb.PutItemOutput, error,
) {
	f.puts = append(f.puts, in)
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &dynamodb.PutItemOutput{}, nil
}

func TestDynamoStore_Get(t *testing.T) {
	t.Parallel()

	fake := &fakeDynamo{
		item: map[string]types.AttributeValue{
			"partition_id":       &types.AttributeValueMemberS{Value: "shard-1"},
			"checkpoint":         &types.AttributeValueMemberS{Value: "49590338271490256608559692538361571095921575989136588898"},
			"updated_at_unix_ms": &types.AttributeValueMemberN{Value: "1700000000000"},
		},
	}
	s := checkpoint.NewDynamoStore(fake, checkpoint.DynamoConfig{TableName: "checkpoints"})

	cp, ok, err := s.Get(context.Background(), "shard-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stream.Position("49590338271490256608559692538361571095921575989136588898"), cp.Position)
	assert.Equal(t, int64(1700000000000), cp.UpdatedAt.UnixMilli())
}

func TestDynamoStore_GetAbsent(t *testing.T) {
	t.Parallel()

	s := checkpoint.NewDynamoStore(&fakeDynamo{}, checkpoint.DynamoConfig{TableName: "checkpoints"})
	_, ok, err := s.Get(context.Background(), "shard-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDynamoStore_GetUnavailable(t *testing.T) {
	t.Parallel()

	s := checkpoint.NewDynamoStore(
		&fakeDynamo{getErr: errors.New("dial tcp: timeout")}, checkpoint.DynamoConfig{TableName: "checkpoints"},
	)
	_, _, err := s.Get(context.Background(), "shard-1")
	require.ErrorIs(t, err, checkpoint.ErrUnavailable)
}

func TestDynamoStore_CommitConditions(t *testing.T) {
	t.Parallel()

	fake := &fakeDynamo{}
	s := checkpoint.NewDynamoStore(fake, checkpoint.DynamoConfig{TableName: "checkpoints"})
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, "shard-1", "10", ""))
	require.NoError(t, s.Commit(ctx, "shard-1", "20", "10"))

	require.Len(t, fake.puts, 2)
	assert.Equal(t, "attribute_not_exists(#pos)", aws.ToString(fake.puts[0].ConditionExpression))
	assert.Nil(t, fake.puts[0].ExpressionAttributeValues)
	assert.Equal(t, "#pos = :prior", aws.ToString(fake.puts[1].ConditionExpression))
	assert.Equal(t, "10", fake.puts[1].ExpressionAttributeValues[":prior"].(*types.AttributeValueMemberS).Value)
}

func TestDynamoStore_CommitStale(t *testing.T) {
	t.Parallel()

	fake := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{Message: aws.String("condition")}}
	s := checkpoint.NewDynamoStore(fake, checkpoint.DynamoConfig{TableName: "checkpoints"})

	err := s.Commit(context.Background(), "shard-1", "20", "10")
	require.ErrorIs(t, err, checkpoint.ErrStale)
	assert.NotErrorIs(t, err, checkpoint.ErrUnavailable)
}

func TestDynamoStore_CommitRegressionNeverWrites(t *testing.T) {
	t.Parallel()

	fake := &fakeDynamo{}
	s := checkpoint.NewDynamoStore(fake, checkpoint.DynamoConfig{TableName: "checkpoints"})

	err := s.Commit(context.Background(), "shard-1", "5", "10")
	require.ErrorIs(t, err, checkpoint.ErrStale)
	assert.Empty(t, fake.puts)
}
