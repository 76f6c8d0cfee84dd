// Package synthetic generates load for the publisher binary
package synthetic

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/hugolhafner/go-sonar/runner"
	"github.com/hugolhafner/go-sonar/stream"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var _ runner.Source = (*Source)(nil)

type Config struct {
	// Name is the producer name and the partition key of every record
	Name          string
	PayloadLength int
	Format        Format
	// Interval paces the source, zero sends as fast as the writer accepts
	Interval time.Duration
	// Count stops the source after that many records, zero never stops
	Count uint64
}

// Source yields records with a random alphanumeric body, keyed by the
// producer name and carrying a per producer sequence number
type Source struct {
	config  Config
	encoder encoder

	mu   sync.Mutex
	seq  uint64
	rand *rand.Rand
	last time.Time
}

func NewSource(cfg Config) (*Source, error) {
	if cfg.Name == "" {
		return nil, errors.New("source name is required")
	}
	if cfg.PayloadLength <= 0 {
		cfg.PayloadLength = 50
	}

	enc, err := newEncoder(cfg.Format)
	if err != nil {
		return nil, err
	}

	return &Source{
		config:  cfg,
		encoder: enc,
		rand:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}, nil
}

// Sources builds n sources named "Message Publisher - i"
func Sources(n int, cfg Config) ([]runner.Source, error) {
	sources := make([]runner.Source, 0, n)
	for i := 0; i < n; i++ {
		c := cfg
		c.Name = fmt.Sprintf("Message Publisher - %d", i)
		s, err := NewSource(c)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, nil
}

func (s *Source) Name() string {
	return s.config.Name
}

func (s *Source) Next(ctx context.Context) (stream.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.Count > 0 && s.seq >= s.config.Count {
		return stream.Record{}, runner.ErrSourceDone
	}

	if err := s.pace(ctx); err != nil {
		return stream.Record{}, err
	}

	seq := s.seq
	payload, err := s.encoder.encode(
		Message{
			Producer:  s.config.Name,
			Sequence:  seq,
			Body:      s.body(),
			CreatedAt: time.Now().UTC(),
		},
	)
	if err != nil {
		return stream.Record{}, fmt.Errorf("encode message %d: %w", seq, err)
	}

	s.seq++
	return stream.Record{
		Key:          s.config.Name,
		Payload:      payload,
		SequenceHint: strconv.FormatUint(seq, 10),
	}, nil
}

// Sent is the number of records handed out so far
func (s *Source) Sent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Source) pace(ctx context.Context) error {
	if s.config.Interval <= 0 {
		return ctx.Err()
	}

	if wait := s.config.Interval - time.Since(s.last); wait > 0 && !s.last.IsZero() {
		t := time.NewTimer(wait)
		defer t.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	s.last = time.Now()
	return nil
}

func (s *Source) body() string {
	b := make([]byte, s.config.PayloadLength)
	for i := range b {
		b[i] = alphanumeric[s.rand.IntN(len(alphanumeric))]
	}
	return string(b)
}
