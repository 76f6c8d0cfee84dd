package mockstream

import (
	"time"

	"github.com/hugolhafner/go-sonar/stream"
)

// RecordBuilder provides a fluent interface for building Records.
type RecordBuilder struct {
	record stream.Record
}

// Record creates a new RecordBuilder with the given key and payload.
func Record(key, payload string) *RecordBuilder {
	return &RecordBuilder{
		record: stream.Record{
			Key:       key,
			Payload:   []byte(payload),
			Timestamp: time.Now(),
		},
	}
}

// WithSequenceHint sets the producer ordering hint.
func (b *RecordBuilder) WithSequenceHint(hint string) *RecordBuilder {
	b.record.SequenceHint = hint
	return b
}

// WithTimestamp sets the record's timestamp.
func (b *RecordBuilder) WithTimestamp(ts time.Time) *RecordBuilder {
	b.record.Timestamp = ts
	return b
}

// Build returns the constructed Record.
func (b *RecordBuilder) Build() stream.Record {
	return b.record
}

// SimpleRecord creates a Record with just key and payload as strings.
func SimpleRecord(key, payload string) stream.Record {
	return Record(key, payload).Build()
}

// SimpleRecords creates multiple Records from key-payload pairs.
func SimpleRecords(keyPayloadPairs ...string) []stream.Record {
	if len(keyPayloadPairs)%2 != 0 {
		panic("SimpleRecords requires an even number of arguments (key-payload pairs)")
	}

	records := make([]stream.Record, 0, len(keyPayloadPairs)/2)
	for i := 0; i < len(keyPayloadPairs); i += 2 {
		records = append(records, SimpleRecord(keyPayloadPairs[i], keyPayloadPairs[i+1]))
	}
	return records
}
