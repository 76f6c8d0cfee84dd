package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hugolhafner/go-sonar/logger"
	"github.com/hugolhafner/go-sonar/stream"
)

var _ Store = (*DynamoStore)(nil)

// DynamoAPI is the subset of the DynamoDB client used by the checkpoint store
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (
		*dynamodb.GetItemOutput, error,
	)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (
		*dynamodb.PutItemOutput, error,
	)
}

const (
	dynamoKeyAttr       = "partition_id"
	dynamoPositionAttr  = "checkpoint"
	dynamoUpdatedAtAttr = "updated_at_unix_ms"
)

type DynamoConfig struct {
	TableName   string
	CallTimeout time.Duration
	Logger      logger.Logger
	Now         func() time.Time
}

type DynamoStore struct {
	client DynamoAPI
	config DynamoConfig
	logger logger.Logger
}

func NewDynamoStore(client DynamoAPI, cfg DynamoConfig) *DynamoStore {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &DynamoStore{
		client: client,
		config: cfg,
		logger: cfg.Logger.With("component", "checkpoint-store", "backend", "dynamodb", "table", cfg.TableName),
	}
}

func (s *DynamoStore) Get(ctx context.Context, partition stream.PartitionID) (Checkpoint, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	out, err := s.client.GetItem(
		ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.config.TableName),
			Key: map[string]types.AttributeValue{
				dynamoKeyAttr: &types.AttributeValueMemberS{Value: string(partition)},
			},
			ConsistentRead: aws.Bool(true),
		},
	)
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("%w: get %s: %w", ErrUnavailable, partition, err)
	}

	pos, ok := out.Item[dynamoPositionAttr].(*types.AttributeValueMemberS)
	if !ok || pos.Value == "" {
		return Checkpoint{}, false, nil
	}

	cp := Checkpoint{Partition: partition, Position: stream.Position(pos.Value)}
	if ts, ok := out.Item[dynamoUpdatedAtAttr].(*types.AttributeValueMemberN); ok {
		if ms, err := strconv.ParseInt(ts.Value, 10, 64); err == nil {
			cp.UpdatedAt = time.UnixMilli(ms)
		}
	}
	return cp, true, nil
}

func (s *DynamoStore) Commit(
	ctx context.Context, partition stream.PartitionID, position, expectedPrior stream.Position,
) error {
	if err := validate(position, expectedPrior); err != nil {
		return fmt.Errorf("commit %s on partition %s: %w", position, partition, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	in := &dynamodb.PutItemInput{
		TableName: aws.String(s.config.TableName),
		Item: map[string]types.AttributeValue{
			dynamoKeyAttr:       &types.AttributeValueMemberS{Value: string(partition)},
			dynamoPositionAttr:  &types.AttributeValueMemberS{Value: string(position)},
			dynamoUpdatedAtAttr: &types.AttributeValueMemberN{Value: strconv.FormatInt(s.config.Now().UnixMilli(), 10)},
		},
		ExpressionAttributeNames: map[string]string{"#pos": dynamoPositionAttr},
	}

	if expectedPrior.IsZero() {
		in.ConditionExpression = aws.String("attribute_not_exists(#pos)")
	} else {
		in.ConditionExpression = aws.String("#pos = :prior")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prior": &types.AttributeValueMemberS{Value: string(expectedPrior)},
		}
	}

	if _, err := s.client.PutItem(ctx, in); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%w: partition %s is not at %s", ErrStale, partition, expectedPrior)
		}
		return fmt.Errorf("%w: commit %s: %w", ErrUnavailable, partition, err)
	}

	s.logger.Debug("Committed checkpoint", "partition", partition, "position", position)
	return nil
}
