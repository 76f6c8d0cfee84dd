package stream

import (
	"fmt"

	"github.com/IBM/sarama"
	"github.com/hugolhafner/go-sonar/logger"
	"github.com/twmb/franz-go/pkg/kgo"
)

var kgoLevels = map[logger.LogLevel]kgo.LogLevel{
	logger.DebugLevel: kgo.LogLevelDebug,
	logger.InfoLevel:  kgo.LogLevelInfo,
	logger.WarnLevel:  kgo.LogLevelWarn,
	logger.ErrorLevel: kgo.LogLevelError,
}

var _ kgo.Logger = (*kgoLogger)(nil)

// kgoLogger forwards franz-go client logs, tagged with the client name
type kgoLogger struct {
	l logger.Logger
}

func newKgoLogger(l logger.Logger) *kgoLogger {
	return &kgoLogger{l: l.With("client", "franz-go")}
}

func (kl *kgoLogger) Level() kgo.LogLevel {
	if lvl, ok := kgoLevels[kl.l.Level()]; ok {
		return lvl
	}
	return kgo.LogLevelWarn
}

func (kl *kgoLogger) Log(level kgo.LogLevel, msg string, kv ...any) {
	for ours, theirs := range kgoLevels {
		if theirs == level {
			kl.l.Log(ours, msg, kv...)
			return
		}
	}
	kl.l.Warn(msg, kv...)
}

var _ sarama.StdLogger = (*SaramaLogger)(nil)

// SaramaLogger adapts a logger.Logger to sarama's package level StdLogger,
// install it with sarama.Logger = NewSaramaLogger(l). Sarama is chatty so
// everything lands at debug.
type SaramaLogger struct {
	l logger.Logger
}

func NewSaramaLogger(l logger.Logger) *SaramaLogger {
	return &SaramaLogger{l: l.With("client", "sarama")}
}

func (s *SaramaLogger) Print(v ...any) {
	s.l.Debug(fmt.Sprint(v...))
}

func (s *SaramaLogger) Printf(format string, v ...any) {
	s.l.Debug(fmt.Sprintf(format, v...))
}

func (s *SaramaLogger) Println(v ...any) {
	s.l.Debug(fmt.Sprint(v...))
}
