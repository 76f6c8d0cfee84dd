package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/hugolhafner/go-sonar/logger"
	"github.com/hugolhafner/go-sonar/stream"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/singleflight"
)

var _ Table = (*EtcdTable)(nil)

const defaultEtcdPrefix = "/sonar/leases"

type EtcdConfig struct {
	// Prefix namespaces lease keys, usually per application
	Prefix      string
	CallTimeout time.Duration
	Logger      logger.Logger
	Now         func() time.Time
}

type etcdRecord struct {
	Owner  string `json:"owner"`
	Expiry int64  `json:"expiry_unix_ms"`
}

// EtcdTable stores one key per partition. The key's ModRevision is the lease
// token, so every write is a transaction guarded on the revision it read.
type EtcdTable struct {
	client *clientv3.Client
	config EtcdConfig
	logger logger.Logger

	acquireFlight singleflight.Group
}

func NewEtcdTable(client *clientv3.Client, cfg EtcdConfig) *EtcdTable {
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

	return &EtcdTable{
		client: client,
		config: cfg,
		logger: cfg.Logger.With("component", "lease-table", "backend", "etcd"),
	}
}

func (t *EtcdTable) key(partition stream.PartitionID) string {
	return path.Join(t.config.Prefix, string(partition))
}

// Acquire deduplicates concurrent calls for the same partition and owner so a
// burst of discovery passes costs a single transaction
func (t *EtcdTable) Acquire(ctx context.Context, partition stream.PartitionID, owner string, ttl time.Duration) (
	Lease, error,
) {
	v, err, _ := t.acquireFlight.Do(
		string(partition)+"/"+owner, func() (interface{}, error) {
			return t.doAcquire(ctx, partition, owner, ttl)
		},
	)
	if err != nil {
		return Lease{}, err
	}
	return v.(Lease), nil
}

func (t *EtcdTable) doAcquire(ctx context.Context, partition stream.PartitionID, owner string, ttl time.Duration) (
	Lease, error,
) {
	ctx, cancel := context.WithTimeout(ctx, t.config.CallTimeout)
	defer cancel()

	key := t.key(partition)
	resp, err := t.client.Get(ctx, key)
	if err != nil {
		return Lease{}, fmt.Errorf("etcd get lease %s: %w", key, err)
	}

	now := t.config.Now()
	cmp := clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	if len(resp.Kvs) > 0 {
		kv := resp.Kvs[0]
		current, err := decodeEtcdRecord(kv.Value)
		if err != nil {
			return Lease{}, err
		}
		if current.Owner != "" && now.Before(time.UnixMilli(current.Expiry)) {
			return Lease{}, fmt.Errorf("%w: partition %s owned by %s", ErrHeld, partition, current.Owner)
		}
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)
	}

	expiry := now.Add(ttl)
	value, err := json.Marshal(etcdRecord{Owner: owner, Expiry: expiry.UnixMilli()})
	if err != nil {
		return Lease{}, err
	}

	txnResp, err := t.client.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return Lease{}, fmt.Errorf("etcd acquire lease %s: %w", key, err)
	}
	if !txnResp.Succeeded {
		return Lease{}, fmt.Errorf("%w: partition %s changed concurrently", ErrHeld, partition)
	}

	t.logger.Debug("Acquired lease", "partition", partition, "owner", owner, "expiry", expiry)

	return Lease{
		Partition: partition,
		Owner:     owner,
		Expiry:    time.UnixMilli(expiry.UnixMilli()),
		TTL:       ttl,
		Token:     strconv.FormatInt(txnResp.Header.Revision, 10),
	}, nil
}

func (t *EtcdTable) Renew(ctx context.Context, l Lease) (Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.CallTimeout)
	defer cancel()

	key := t.key(l.Partition)
	rev, err := strconv.ParseInt(l.Token, 10, 64)
	if err != nil {
		return Lease{}, fmt.Errorf("%w: invalid token %q", ErrHeld, l.Token)
	}

	resp, err := t.client.Get(ctx, key)
	if err != nil {
		return Lease{}, fmt.Errorf("etcd get lease %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return Lease{}, fmt.Errorf("%w: partition %s", ErrNotFound, l.Partition)
	}

	kv := resp.Kvs[0]
	current, err := decodeEtcdRecord(kv.Value)
	if err != nil {
		return Lease{}, err
	}
	if kv.ModRevision != rev || current.Owner != l.Owner {
		return Lease{}, fmt.Errorf("%w: partition %s owned by %s", ErrHeld, l.Partition, current.Owner)
	}

	now := t.config.Now()
	if !now.Before(time.UnixMilli(current.Expiry)) {
		return Lease{}, fmt.Errorf("%w: partition %s", ErrExpired, l.Partition)
	}

	expiry := now.Add(l.TTL)
	value, err := json.Marshal(etcdRecord{Owner: l.Owner, Expiry: expiry.UnixMilli()})
	if err != nil {
		return Lease{}, err
	}

	txnResp, err := t.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return Lease{}, fmt.Errorf("etcd renew lease %s: %w", key, err)
	}
	if !txnResp.Succeeded {
		return Lease{}, fmt.Errorf("%w: partition %s changed concurrently", ErrHeld, l.Partition)
	}

	l.Expiry = time.UnixMilli(expiry.UnixMilli())
	l.Token = strconv.FormatInt(txnResp.Header.Revision, 10)
	return l, nil
}

func (t *EtcdTable) Release(ctx context.Context, l Lease) error {
	ctx, cancel := context.WithTimeout(ctx, t.config.CallTimeout)
	defer cancel()

	key := t.key(l.Partition)
	rev, err := strconv.ParseInt(l.Token, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid token %q", ErrHeld, l.Token)
	}

	txnResp, err := t.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpDelete(key)).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd release lease %s: %w", key, err)
	}

	if !txnResp.Succeeded {
		if len(txnResp.Responses) > 0 {
			if rangeResp := txnResp.Responses[0].GetResponseRange(); rangeResp != nil && len(rangeResp.Kvs) == 0 {
				return fmt.Errorf("%w: partition %s", ErrNotFound, l.Partition)
			}
		}
		return fmt.Errorf("%w: partition %s", ErrHeld, l.Partition)
	}

	t.logger.Debug("Released lease", "partition", l.Partition, "owner", l.Owner)
	return nil
}

func decodeEtcdRecord(data []byte) (etcdRecord, error) {
	var r etcdRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return etcdRecord{}, fmt.Errorf("decode lease record: %w", err)
	}
	return r, nil
}
