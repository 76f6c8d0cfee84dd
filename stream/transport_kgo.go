package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hugolhafner/go-sonar/logger"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

var _ Transport = (*KgoTransport)(nil)

// SequenceHeader carries Record.SequenceHint on kafka transports
const SequenceHeader = "sonar-sequence"

type KgoConfig struct {
	BootstrapServers []string
	Topic            string
	// PollTimeout bounds how long GetRecords waits for new records
	PollTimeout time.Duration
	Logger      logger.Logger
}

type KgoOption func(*KgoConfig)

func WithKgoBootstrapServers(servers ...string) KgoOption {
	return func(c *KgoConfig) {
		c.BootstrapServers = servers
	}
}

func WithKgoPollTimeout(d time.Duration) KgoOption {
	return func(c *KgoConfig) {
		if d > 0 {
			c.PollTimeout = d
		}
	}
}

func WithKgoLogger(l logger.Logger) KgoOption {
	return func(c *KgoConfig) {
		if l != nil {
			c.Logger = l
		}
	}
}

// kgoReader is a direct (group-less) consumer of one partition
type kgoReader struct {
	client *kgo.Client
	cursor Cursor
}

// KgoTransport maps a kafka topic onto the stream model using franz-go. Records
// are produced to explicit partitions and partitions are read without a
// consumer group, since ownership is decided by the lease table.
type KgoTransport struct {
	config   KgoConfig
	producer *kgo.Client
	logger   logger.Logger

	mu      sync.Mutex
	readers map[PartitionID]*kgoReader
	closed  bool
}

func NewKgoTransport(topic string, opts ...KgoOption) (*KgoTransport, error) {
	cfg := KgoConfig{
		BootstrapServers: []string{"localhost:9092"},
		Topic:            topic,
		PollTimeout:      time.Second,
		Logger:           logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	l := cfg.Logger.With("component", "transport", "transport", "kgo", "topic", topic)

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.BootstrapServers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.WithLogger(newKgoLogger(l)),
	)
	if err != nil {
		return nil, fmt.Errorf("create kgo client: %w", err)
	}

	return &KgoTransport{
		config:   cfg,
		producer: producer,
		logger:   l,
		readers:  make(map[PartitionID]*kgoReader),
	}, nil
}

func (t *KgoTransport) ListPartitions(ctx context.Context) ([]PartitionID, error) {
	req := kmsg.NewPtrMetadataRequest()
	reqTopic := kmsg.NewMetadataRequestTopic()
	reqTopic.Topic = kmsg.StringPtr(t.config.Topic)
	req.Topics = append(req.Topics, reqTopic)

	resp, err := req.RequestWith(ctx, t.producer)
	if err != nil {
		return nil, classifyKafkaError(err)
	}

	for _, topic := range resp.Topics {
		if topic.Topic == nil || *topic.Topic != t.config.Topic {
			continue
		}
		if err := kerr.ErrorForCode(topic.ErrorCode); err != nil {
			return nil, classifyKafkaError(err)
		}

		partitions := make([]PartitionID, 0, len(topic.Partitions))
		for _, p := range topic.Partitions {
			partitions = append(partitions, kafkaPartitionID(p.Partition))
		}
		SortPartitions(partitions)
		return partitions, nil
	}

	return nil, NewTransientError(fmt.Errorf("%w: topic %s missing from metadata", ErrPartitionNotFound, t.config.Topic))
}

func (t *KgoTransport) PutRecord(ctx context.Context, partition PartitionID, record Record) (Position, error) {
	p, err := parseKafkaPartition(partition)
	if err != nil {
		return "", err
	}

	rec := &kgo.Record{
		Topic:     t.config.Topic,
		Partition: p,
		Key:       []byte(record.Key),
		Value:     record.Payload,
		Timestamp: record.Timestamp,
	}
	if record.SequenceHint != "" {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: SequenceHeader, Value: []byte(record.SequenceHint)})
	}

	produced, err := t.producer.ProduceSync(ctx, rec).First()
	if err != nil {
		return "", classifyKafkaError(err)
	}

	return OffsetPosition(produced.Offset), nil
}

func (t *KgoTransport) GetRecords(ctx context.Context, partition PartitionID, cursor Cursor, max int) (
	[]Record, error,
) {
	p, err := parseKafkaPartition(partition)
	if err != nil {
		return nil, err
	}

	r, err := t.reader(partition, p, cursor)
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithTimeout(ctx, t.config.PollTimeout)
	defer cancel()

	fetches := r.client.PollRecords(pollCtx, max)
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		t.dropReader(partition)
		return nil, classifyKafkaError(fe.Err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kgoRecords := fetches.Records()
	records := make([]Record, 0, len(kgoRecords))
	for _, kr := range kgoRecords {
		records = append(records, fromKgoRecord(kr))
	}

	t.mu.Lock()
	if len(records) > 0 {
		r.cursor = AfterPosition(records[len(records)-1].Position)
	}
	t.mu.Unlock()

	return records, nil
}

// reader returns the consumer continuing from cursor, replacing it when the
// caller asks for a different starting point
func (t *KgoTransport) reader(partition PartitionID, p int32, cursor Cursor) (*kgoReader, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	if r, ok := t.readers[partition]; ok {
		if r.cursor == cursor {
			return r, nil
		}
		r.client.Close()
		delete(t.readers, partition)
	}

	offset, err := kgoOffset(cursor)
	if err != nil {
		return nil, err
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(t.config.BootstrapServers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{t.config.Topic: {p: offset}}),
		kgo.WithLogger(newKgoLogger(t.logger.With("partition", partition))),
	)
	if err != nil {
		return nil, fmt.Errorf("create kgo reader: %w", err)
	}

	t.logger.Debug("Opened partition reader", "partition", partition, "cursor", cursor)

	r := &kgoReader{client: client, cursor: cursor}
	t.readers[partition] = r
	return r, nil
}

func (t *KgoTransport) dropReader(partition PartitionID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.readers[partition]; ok {
		r.client.Close()
		delete(t.readers, partition)
	}
}

func (t *KgoTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true

	for partition, r := range t.readers {
		r.client.Close()
		delete(t.readers, partition)
	}
	t.producer.Close()
}

func kgoOffset(cursor Cursor) (kgo.Offset, error) {
	switch {
	case cursor.After != "":
		off, err := cursor.After.Offset()
		if err != nil {
			return kgo.Offset{}, NewPermanentError(fmt.Errorf("invalid cursor %s: %w", cursor, err))
		}
		return kgo.NewOffset().At(off + 1), nil
	case cursor.At != "":
		off, err := cursor.At.Offset()
		if err != nil {
			return kgo.Offset{}, NewPermanentError(fmt.Errorf("invalid cursor %s: %w", cursor, err))
		}
		return kgo.NewOffset().At(off), nil
	case cursor.Initial == Latest:
		return kgo.NewOffset().AtEnd(), nil
	default:
		return kgo.NewOffset().AtStart(), nil
	}
}

func fromKgoRecord(kr *kgo.Record) Record {
	rec := Record{
		Key:       string(kr.Key),
		Payload:   kr.Value,
		Partition: kafkaPartitionID(kr.Partition),
		Position:  OffsetPosition(kr.Offset),
		Timestamp: kr.Timestamp,
	}
	for _, h := range kr.Headers {
		if h.Key == SequenceHeader {
			rec.SequenceHint = string(h.Value)
		}
	}
	return rec
}

func kafkaPartitionID(p int32) PartitionID {
	return PartitionID(strconv.FormatInt(int64(p), 10))
}

func parseKafkaPartition(partition PartitionID) (int32, error) {
	p, err := strconv.ParseInt(string(partition), 10, 32)
	if err != nil {
		return 0, NewPermanentError(fmt.Errorf("%w: %q is not a kafka partition", ErrPartitionNotFound, partition))
	}
	return int32(p), nil
}

// classifyKafkaError maps kafka protocol errors onto transient and permanent failures
func classifyKafkaError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, kgo.ErrClientClosed):
		return err
	case errors.Is(err, kerr.MessageTooLarge), errors.Is(err, kerr.RecordListTooLarge):
		return NewPermanentError(fmt.Errorf("%w: %w", ErrRecordTooLarge, err))
	case errors.Is(err, kerr.UnknownTopicOrPartition):
		return NewTransientError(fmt.Errorf("%w: %w", ErrPartitionNotFound, err))
	case errors.Is(err, kerr.PolicyViolation), errors.Is(err, kerr.InvalidRecord),
		errors.Is(err, kerr.TopicAuthorizationFailed), errors.Is(err, kerr.CorruptMessage):
		return NewPermanentError(err)
	case kerr.IsRetriable(err), errors.Is(err, kgo.ErrRecordTimeout):
		return NewTransientError(err)
	default:
		// unknown failures (dial errors, deadlines) are worth another attempt
		return NewTransientError(err)
	}
}
