package mockstream

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hugolhafner/go-sonar/stream"
)

var _ stream.Transport = (*Transport)(nil)

type reader struct {
	cursor stream.Cursor
	next   int
}

// Transport is an in-memory stream. Each partition is an append-only log whose
// positions are the record indexes.
type Transport struct {
	mu sync.RWMutex

	partitions []stream.PartitionID
	logs       map[stream.PartitionID][]stream.Record
	readers    map[stream.PartitionID]*reader

	getDelay time.Duration

	putErr  func(partition stream.PartitionID, record stream.Record) error
	getErr  func(partition stream.PartitionID) error
	listErr func() error

	putCalls int
	getCalls map[stream.PartitionID]int

	closed bool
}

func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		logs:     make(map[stream.PartitionID][]stream.Record),
		readers:  make(map[stream.PartitionID]*reader),
		getCalls: make(map[stream.PartitionID]int),
	}

	for _, opt := range opts {
		opt(t)
	}

	if len(t.partitions) == 0 {
		t.addPartition("0")
	}

	return t
}

func (t *Transport) addPartition(id stream.PartitionID) {
	if _, ok := t.logs[id]; ok {
		return
	}
	t.logs[id] = nil
	t.partitions = append(t.partitions, id)
	stream.SortPartitions(t.partitions)
}

// ListPartitions returns every partition in routing order
func (t *Transport) ListPartitions(ctx context.Context) ([]stream.PartitionID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return nil, stream.ErrClosed
	}

	if t.listErr != nil {
		if err := t.listErr(); err != nil {
			return nil, err
		}
	}

	out := make([]stream.PartitionID, len(t.partitions))
	copy(out, t.partitions)
	return out, nil
}

// PutRecord appends a copy of the record to the partition log
func (t *Transport) PutRecord(ctx context.Context, partition stream.PartitionID, record stream.Record) (
	stream.Position, error,
) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.putCalls++

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	if t.closed {
		return "", stream.ErrClosed
	}

	if t.putErr != nil {
		if err := t.putErr(partition, record); err != nil {
			return "", err
		}
	}

	log, ok := t.logs[partition]
	if !ok {
		return "", stream.NewPermanentError(fmt.Errorf("%w: %s", stream.ErrPartitionNotFound, partition))
	}

	rec := record.Copy()
	rec.Partition = partition
	rec.Position = stream.OffsetPosition(int64(len(log)))
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	t.logs[partition] = append(log, rec)
	return rec.Position, nil
}

// GetRecords reads up to max records of a partition starting at cursor. Reads
// that continue from the previous read's cursor resume where it stopped, which
// gives Latest cursors a stable anchor across empty reads.
func (t *Transport) GetRecords(ctx context.Context, partition stream.PartitionID, cursor stream.Cursor, max int) (
	[]stream.Record, error,
) {
	if t.getDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(t.getDelay):
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.getCalls[partition]++

	if t.closed {
		return nil, stream.ErrClosed
	}

	if t.getErr != nil {
		if err := t.getErr(partition); err != nil {
			return nil, err
		}
	}

	log, ok := t.logs[partition]
	if !ok {
		return nil, stream.NewPermanentError(fmt.Errorf("%w: %s", stream.ErrPartitionNotFound, partition))
	}

	start, err := t.resolve(partition, cursor, len(log))
	if err != nil {
		return nil, err
	}

	end := start + max
	if end > len(log) {
		end = len(log)
	}

	records := make([]stream.Record, 0, end-start)
	for _, rec := range log[start:end] {
		records = append(records, rec.Copy())
	}

	r := &reader{cursor: cursor, next: end}
	if len(records) > 0 {
		r.cursor = stream.AfterPosition(records[len(records)-1].Position)
	}
	t.readers[partition] = r

	return records, nil
}

func (t *Transport) resolve(partition stream.PartitionID, cursor stream.Cursor, size int) (int, error) {
	if r, ok := t.readers[partition]; ok && r.cursor == cursor {
		return r.next, nil
	}

	var (
		idx int64
		err error
	)

	switch {
	case cursor.After != "":
		idx, err = cursor.After.Offset()
		idx++
	case cursor.At != "":
		idx, err = cursor.At.Offset()
	case cursor.Initial == stream.Latest:
		idx = int64(size)
	default:
		idx = 0
	}

	if err != nil {
		return 0, stream.NewPermanentError(fmt.Errorf("invalid cursor %s: %w", cursor, err))
	}

	if idx > int64(size) {
		idx = int64(size)
	}

	return int(idx), nil
}

// Close marks the transport as closed, every later call fails with stream.ErrClosed
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
}

// AddRecords appends records to a partition as if a producer had written them,
// creating the partition when needed
func (t *Transport) AddRecords(partition stream.PartitionID, records ...stream.Record) []stream.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.addPartition(partition)

	positions := make([]stream.Position, 0, len(records))
	for _, r := range records {
		rec := r.Copy()
		rec.Partition = partition
		rec.Position = stream.OffsetPosition(int64(len(t.logs[partition])))
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}
		t.logs[partition] = append(t.logs[partition], rec)
		positions = append(positions, rec.Position)
	}

	return positions
}

// Records returns a copy of the log of a partition
func (t *Transport) Records(partition stream.PartitionID) []stream.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	log := t.logs[partition]
	out := make([]stream.Record, len(log))
	for i, r := range log {
		out[i] = r.Copy()
	}
	return out
}

// AllRecords returns every stored record across partitions, in partition order
func (t *Transport) AllRecords() []stream.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []stream.Record
	for _, p := range t.partitions {
		for _, r := range t.logs[p] {
			out = append(out, r.Copy())
		}
	}
	return out
}

// PutCalls returns the number of PutRecord calls, failed ones included
func (t *Transport) PutCalls() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.putCalls
}

// GetCalls returns the number of GetRecords calls for a partition
func (t *Transport) GetCalls(partition stream.PartitionID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.getCalls[partition]
}

// SetPutError configures an error to be returned on all PutRecord calls.
// Pass nil to clear the error.
func (t *Transport) SetPutError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err == nil {
		t.putErr = nil
	} else {
		t.putErr = func(stream.PartitionID, stream.Record) error { return err }
	}
}

// SetPutErrorFunc configures a function to determine PutRecord errors
func (t *Transport) SetPutErrorFunc(fn func(partition stream.PartitionID, record stream.Record) error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.putErr = fn
}

// SetGetError configures an error to be returned on all GetRecords calls.
// Pass nil to clear the error.
func (t *Transport) SetGetError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err == nil {
		t.getErr = nil
	} else {
		t.getErr = func(stream.PartitionID) error { return err }
	}
}

// SetGetErrorFunc configures a function to determine GetRecords errors
func (t *Transport) SetGetErrorFunc(fn func(partition stream.PartitionID) error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.getErr = fn
}

// SetListError configures an error to be returned by ListPartitions
func (t *Transport) SetListError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err == nil {
		t.listErr = nil
	} else {
		t.listErr = func() error { return err }
	}
}

// IsClosed returns whether Close has been called
func (t *Transport) IsClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.closed
}

// PartitionIDs returns n numeric partition ids starting at zero
func PartitionIDs(n int) []stream.PartitionID {
	ids := make([]stream.PartitionID, n)
	for i := range ids {
		ids[i] = stream.PartitionID(strconv.Itoa(i))
	}
	return ids
}
