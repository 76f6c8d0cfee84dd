package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/hugolhafner/go-sonar/logger"
	"github.com/hugolhafner/go-sonar/stream"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var _ Store = (*EtcdStore)(nil)

const defaultEtcdPrefix = "/sonar/checkpoints"

type EtcdConfig struct {
	Prefix      string
	CallTimeout time.Duration
	Logger      logger.Logger
	Now         func() time.Time
}

type etcdCheckpoint struct {
	Position  string `json:"position"`
	UpdatedAt int64  `json:"updated_at_unix_ms"`
}

// EtcdStore keeps one key per partition and guards every commit with a
// transaction on the revision of the checkpoint it compared against
type EtcdStore struct {
	client *clientv3.Client
	config EtcdConfig
	logger logger.Logger
}

func NewEtcdStore(client *clientv3.Client, cfg EtcdConfig) *EtcdStore {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultEtcdPrefix
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &EtcdStore{
		client: client,
		config: cfg,
		logger: cfg.Logger.With("component", "checkpoint-store", "backend", "etcd"),
	}
}

func (s *EtcdStore) key(partition stream.PartitionID) string {
	return path.Join(s.config.Prefix, string(partition))
}

func (s *EtcdStore) Get(ctx context.Context, partition stream.PartitionID) (Checkpoint, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	resp, err := s.client.Get(ctx, s.key(partition))
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("%w: get %s: %w", ErrUnavailable, partition, err)
	}
	if len(resp.Kvs) == 0 {
		return Checkpoint{}, false, nil
	}

	stored, err := decodeEtcdCheckpoint(resp.Kvs[0].Value)
	if err != nil {
		return Checkpoint{}, false, err
	}

	return Checkpoint{
		Partition: partition,
		Position:  stream.Position(stored.Position),
		UpdatedAt: time.UnixMilli(stored.UpdatedAt),
	}, true, nil
}

func (s *EtcdStore) Commit(
	ctx context.Context, partition stream.PartitionID, position, expectedPrior stream.Position,
) error {
	if err := validate(position, expectedPrior); err != nil {
		return fmt.Errorf("commit %s on partition %s: %w", position, partition, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	key := s.key(partition)
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: get %s: %w", ErrUnavailable, partition, err)
	}

	cmp := clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	var stored stream.Position
	if len(resp.Kvs) > 0 {
		current, err := decodeEtcdCheckpoint(resp.Kvs[0].Value)
		if err != nil {
			return err
		}
		stored = stream.Position(current.Position)
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", resp.Kvs[0].ModRevision)
	}

	if stored != expectedPrior {
		return fmt.Errorf("%w: partition %s is at %s, expected %s", ErrStale, partition, stored, expectedPrior)
	}

	value, err := json.Marshal(etcdCheckpoint{Position: string(position), UpdatedAt: s.config.Now().UnixMilli()})
	if err != nil {
		return err
	}

	txnResp, err := s.client.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return fmt.Errorf("%w: commit %s: %w", ErrUnavailable, partition, err)
	}
	if !txnResp.Succeeded {
		return fmt.Errorf("%w: partition %s changed concurrently", ErrStale, partition)
	}

	s.logger.Debug("Committed checkpoint", "partition", partition, "position", position)
	return nil
}

func decodeEtcdCheckpoint(data []byte) (etcdCheckpoint, error) {
	var c etcdCheckpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return etcdCheckpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return c, nil
}
