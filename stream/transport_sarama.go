package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/hugolhafner/go-sonar/logger"
)

var _ Transport = (*SaramaTransport)(nil)

type SaramaConfig struct {
	Brokers     []string
	Topic       string
	Version     string
	PollTimeout time.Duration
	Logger      logger.Logger
}

type SaramaOption func(*SaramaConfig)

func WithSaramaBrokers(brokers ...string) SaramaOption {
	return func(c *SaramaConfig) {
		c.Brokers = brokers
	}
}

func WithSaramaVersion(version string) SaramaOption {
	return func(c *SaramaConfig) {
		c.Version = version
	}
}

func WithSaramaPollTimeout(d time.Duration) SaramaOption {
	return func(c *SaramaConfig) {
		if d > 0 {
			c.PollTimeout = d
		}
	}
}

func WithSaramaLogger(l logger.Logger) SaramaOption {
	return func(c *SaramaConfig) {
		if l != nil {
			c.Logger = l
		}
	}
}

type saramaReader struct {
	pc     sarama.PartitionConsumer
	cursor Cursor
}

// SaramaTransport is the kafka transport built on IBM/sarama. It shares one
// client between a sync producer and group-less partition consumers.
type SaramaTransport struct {
	config   SaramaConfig
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	logger   logger.Logger

	mu      sync.Mutex
	readers map[PartitionID]*saramaReader
	closed  bool
}

func NewSaramaTransport(topic string, opts ...SaramaOption) (*SaramaTransport, error) {
	cfg := SaramaConfig{
		Brokers:     []string{"localhost:9092"},
		Topic:       topic,
		Version:     "2.1.0",
		PollTimeout: time.Second,
		Logger:      logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ver, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, err
	}

	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Producer.Partitioner = sarama.NewManualPartitioner
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create sarama client: %w", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create sarama producer: %w", err)
	}

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, fmt.Errorf("create sarama consumer: %w", err)
	}

	return &SaramaTransport{
		config:   cfg,
		client:   client,
		producer: producer,
		consumer: consumer,
		logger:   cfg.Logger.With("component", "transport", "transport", "sarama", "topic", topic),
		readers:  make(map[PartitionID]*saramaReader),
	}, nil
}

func (t *SaramaTransport) ListPartitions(ctx context.Context) ([]PartitionID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.client.RefreshMetadata(t.config.Topic); err != nil {
		return nil, classifySaramaError(err)
	}

	ids, err := t.client.Partitions(t.config.Topic)
	if err != nil {
		return nil, classifySaramaError(err)
	}

	partitions := make([]PartitionID, 0, len(ids))
	for _, id := range ids {
		partitions = append(partitions, kafkaPartitionID(id))
	}
	SortPartitions(partitions)
	return partitions, nil
}

func (t *SaramaTransport) PutRecord(ctx context.Context, partition PartitionID, record Record) (Position, error) {
	p, err := parseKafkaPartition(partition)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	msg := &sarama.ProducerMessage{
		Topic:     t.config.Topic,
		Partition: p,
		Key:       sarama.StringEncoder(record.Key),
		Value:     sarama.ByteEncoder(record.Payload),
		Timestamp: record.Timestamp,
	}
	if record.SequenceHint != "" {
		msg.Headers = []sarama.RecordHeader{{Key: []byte(SequenceHeader), Value: []byte(record.SequenceHint)}}
	}

	_, offset, err := t.producer.SendMessage(msg)
	if err != nil {
		return "", classifySaramaError(err)
	}
	return OffsetPosition(offset), nil
}

func (t *SaramaTransport) GetRecords(ctx context.Context, partition PartitionID, cursor Cursor, max int) (
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

	timer := time.NewTimer(t.config.PollTimeout)
	defer timer.Stop()

	records := make([]Record, 0, max)

	// block for the first record, then take whatever is already buffered
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return records, nil
	case cerr := <-r.pc.Errors():
		t.dropReader(partition)
		return nil, classifySaramaError(cerr.Err)
	case msg, ok := <-r.pc.Messages():
		if !ok {
			t.dropReader(partition)
			return nil, NewTransientError(errors.New("partition consumer closed"))
		}
		records = append(records, fromSaramaMessage(msg))
	}

drain:
	for len(records) < max {
		select {
		case msg, ok := <-r.pc.Messages():
			if !ok {
				break drain
			}
			records = append(records, fromSaramaMessage(msg))
		default:
			break drain
		}
	}

	t.mu.Lock()
	r.cursor = AfterPosition(records[len(records)-1].Position)
	t.mu.Unlock()

	return records, nil
}

func (t *SaramaTransport) reader(partition PartitionID, p int32, cursor Cursor) (*saramaReader, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	if r, ok := t.readers[partition]; ok {
		if r.cursor == cursor {
			return r, nil
		}
		_ = r.pc.Close()
		delete(t.readers, partition)
	}

	offset, err := saramaOffset(cursor)
	if err != nil {
		return nil, err
	}

	pc, err := t.consumer.ConsumePartition(t.config.Topic, p, offset)
	if err != nil {
		return nil, classifySaramaError(err)
	}

	t.logger.Debug("Opened partition reader", "partition", partition, "cursor", cursor)

	r := &saramaReader{pc: pc, cursor: cursor}
	t.readers[partition] = r
	return r, nil
}

func (t *SaramaTransport) dropReader(partition PartitionID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.readers[partition]; ok {
		_ = r.pc.Close()
		delete(t.readers, partition)
	}
}

func (t *SaramaTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true

	for partition, r := range t.readers {
		_ = r.pc.Close()
		delete(t.readers, partition)
	}
	if err := t.consumer.Close(); err != nil {
		t.logger.Warn("Failed to close sarama consumer", "error", err)
	}
	if err := t.producer.Close(); err != nil {
		t.logger.Warn("Failed to close sarama producer", "error", err)
	}
	if err := t.client.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
		t.logger.Warn("Failed to close sarama client", "error", err)
	}
}

func saramaOffset(cursor Cursor) (int64, error) {
	switch {
	case cursor.After != "":
		off, err := cursor.After.Offset()
		if err != nil {
			return 0, NewPermanentError(fmt.Errorf("invalid cursor %s: %w", cursor, err))
		}
		return off + 1, nil
	case cursor.At != "":
		off, err := cursor.At.Offset()
		if err != nil {
			return 0, NewPermanentError(fmt.Errorf("invalid cursor %s: %w", cursor, err))
		}
		return off, nil
	case cursor.Initial == Latest:
		return sarama.OffsetNewest, nil
	default:
		return sarama.OffsetOldest, nil
	}
}

func fromSaramaMessage(msg *sarama.ConsumerMessage) Record {
	rec := Record{
		Key:       string(msg.Key),
		Payload:   msg.Value,
		Partition: kafkaPartitionID(msg.Partition),
		Position:  OffsetPosition(msg.Offset),
		Timestamp: msg.Timestamp,
	}
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == SequenceHeader {
			rec.SequenceHint = string(h.Value)
		}
	}
	return rec
}

func classifySaramaError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sarama.ErrClosedClient):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, sarama.ErrMessageSizeTooLarge):
		return NewPermanentError(fmt.Errorf("%w: %w", ErrRecordTooLarge, err))
	case errors.Is(err, sarama.ErrUnknownTopicOrPartition):
		return NewTransientError(fmt.Errorf("%w: %w", ErrPartitionNotFound, err))
	case errors.Is(err, sarama.ErrOffsetOutOfRange), errors.Is(err, sarama.ErrInvalidMessage),
		errors.Is(err, sarama.ErrTopicAuthorizationFailed):
		return NewPermanentError(err)
	default:
		return NewTransientError(err)
	}
}
