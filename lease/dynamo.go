package lease

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

var _ Table = (*DynamoTable)(nil)

// DynamoAPI is the subset of the DynamoDB client used by the lease table
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (
		*dynamodb.GetItemOutput, error,
	)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (
		*dynamodb.UpdateItemOutput, error,
	)
}

const (
	dynamoKeyAttr     = "partition_id"
	dynamoOwnerAttr   = "lease_owner"
	dynamoExpiryAttr  = "expiry_unix_ms"
	dynamoVersionAttr = "lease_version"
)

type DynamoConfig struct {
	TableName   string
	CallTimeout time.Duration
	Logger      logger.Logger
	Now         func() time.Time
}

// DynamoTable keeps one item per partition. The numeric lease_version
// attribute is the token, every write is a conditional update on it.
type DynamoTable struct {
	client DynamoAPI
	config DynamoConfig
	logger logger.Logger
}

func NewDynamoTable(client DynamoAPI, cfg DynamoConfig) *DynamoTable {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &DynamoTable{
		client: client,
		config: cfg,
		logger: cfg.Logger.With("component", "lease-table", "backend", "dynamodb", "table", cfg.TableName),
	}
}

func (t *DynamoTable) itemKey(partition stream.PartitionID) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamoKeyAttr: &types.AttributeValueMemberS{Value: string(partition)},
	}
}

func (t *DynamoTable) Acquire(ctx context.Context, partition stream.PartitionID, owner string, ttl time.Duration) (
	Lease, error,
) {
	ctx, cancel := context.WithTimeout(ctx, t.config.CallTimeout)
	defer cancel()

	now := t.config.Now()
	expiry := now.Add(ttl)

	out, err := t.client.UpdateItem(
		ctx, &dynamodb.UpdateItemInput{
			TableName:        aws.String(t.config.TableName),
			Key:              t.itemKey(partition),
			UpdateExpression: aws.String("SET #owner = :owner, #expiry = :expiry, #version = if_not_exists(#version, :zero) + :one"),
			ConditionExpression: aws.String(
				"attribute_not_exists(#pk) OR attribute_not_exists(#owner) OR #expiry <= :now",
			),
			ExpressionAttributeNames: map[string]string{
				"#pk":      dynamoKeyAttr,
				"#owner":   dynamoOwnerAttr,
				"#expiry":  dynamoExpiryAttr,
				"#version": dynamoVersionAttr,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":owner":  &types.AttributeValueMemberS{Value: owner},
				":expiry": numberAttr(expiry.UnixMilli()),
				":now":    numberAttr(now.UnixMilli()),
				":zero":   numberAttr(0),
				":one":    numberAttr(1),
			},
			ReturnValues: types.ReturnValueAllNew,
		},
	)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return Lease{}, fmt.Errorf("%w: partition %s", ErrHeld, partition)
		}
		return Lease{}, fmt.Errorf("dynamodb acquire lease %s: %w", partition, err)
	}

	version, err := numberFrom(out.Attributes, dynamoVersionAttr)
	if err != nil {
		return Lease{}, err
	}

	t.logger.Debug("Acquired lease", "partition", partition, "owner", owner, "expiry", expiry)

	return Lease{
		Partition: partition,
		Owner:     owner,
		Expiry:    time.UnixMilli(expiry.UnixMilli()),
		TTL:       ttl,
		Token:     strconv.FormatInt(version, 10),
	}, nil
}

func (t *DynamoTable) Renew(ctx context.Context, l Lease) (Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.CallTimeout)
	defer cancel()

	now := t.config.Now()
	expiry := now.Add(l.TTL)

	out, err := t.client.UpdateItem(
		ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(t.config.TableName),
			Key:                 t.itemKey(l.Partition),
			UpdateExpression:    aws.String("SET #expiry = :expiry, #version = #version + :one"),
			ConditionExpression: aws.String("#owner = :owner AND #version = :token AND #expiry > :now"),
			ExpressionAttributeNames: map[string]string{
				"#owner":   dynamoOwnerAttr,
				"#expiry":  dynamoExpiryAttr,
				"#version": dynamoVersionAttr,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":owner":  &types.AttributeValueMemberS{Value: l.Owner},
				":token":  &types.AttributeValueMemberN{Value: l.Token},
				":expiry": numberAttr(expiry.UnixMilli()),
				":now":    numberAttr(now.UnixMilli()),
				":one":    numberAttr(1),
			},
			ReturnValues: types.ReturnValueAllNew,
		},
	)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return Lease{}, t.classify(ctx, l, now)
		}
		return Lease{}, fmt.Errorf("dynamodb renew lease %s: %w", l.Partition, err)
	}

	version, err := numberFrom(out.Attributes, dynamoVersionAttr)
	if err != nil {
		return Lease{}, err
	}

	l.Expiry = time.UnixMilli(expiry.UnixMilli())
	l.Token = strconv.FormatInt(version, 10)
	return l, nil
}

func (t *DynamoTable) Release(ctx context.Context, l Lease) error {
	ctx, cancel := context.WithTimeout(ctx, t.config.CallTimeout)
	defer cancel()

	_, err := t.client.UpdateItem(
		ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(t.config.TableName),
			Key:                 t.itemKey(l.Partition),
			UpdateExpression:    aws.String("SET #version = #version + :one REMOVE #owner, #expiry"),
			ConditionExpression: aws.String("#owner = :owner AND #version = :token"),
			ExpressionAttributeNames: map[string]string{
				"#owner":   dynamoOwnerAttr,
				"#expiry":  dynamoExpiryAttr,
				"#version": dynamoVersionAttr,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":owner": &types.AttributeValueMemberS{Value: l.Owner},
				":token": &types.AttributeValueMemberN{Value: l.Token},
				":one":   numberAttr(1),
			},
		},
	)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return t.classify(ctx, l, t.config.Now())
		}
		return fmt.Errorf("dynamodb release lease %s: %w", l.Partition, err)
	}

	t.logger.Debug("Released lease", "partition", l.Partition, "owner", l.Owner)
	return nil
}

// classify reads the lease item after a failed condition to tell the caller why
func (t *DynamoTable) classify(ctx context.Context, l Lease, now time.Time) error {
	out, err := t.client.GetItem(
		ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(t.config.TableName),
			Key:            t.itemKey(l.Partition),
			ConsistentRead: aws.Bool(true),
		},
	)
	if err != nil {
		return fmt.Errorf("dynamodb get lease %s: %w", l.Partition, err)
	}

	owner, _ := stringFrom(out.Item, dynamoOwnerAttr)
	if len(out.Item) == 0 || owner == "" {
		return fmt.Errorf("%w: partition %s", ErrNotFound, l.Partition)
	}

	version, _ := numberFrom(out.Item, dynamoVersionAttr)
	if owner != l.Owner || strconv.FormatInt(version, 10) != l.Token {
		return fmt.Errorf("%w: partition %s owned by %s", ErrHeld, l.Partition, owner)
	}

	return fmt.Errorf("%w: partition %s", ErrExpired, l.Partition)
}

func numberAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func numberFrom(item map[string]types.AttributeValue, name string) (int64, error) {
	n, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("lease item missing numeric attribute %q", name)
	}
	return strconv.ParseInt(n.Value, 10, 64)
}

func stringFrom(item map[string]types.AttributeValue, name string) (string, bool) {
	s, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return s.Value, true
}
