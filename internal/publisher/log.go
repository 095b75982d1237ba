package publisher

import (
	"context"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
)

// LogPublisher writes each snapshot as a structured log line.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Initialize(context.Context) error { return nil }

func (p *LogPublisher) Publish(_ context.Context, batch []model.MetricSnapshot) error {
	for _, s := range batch {
		fields := []zap.Field{
			zap.String("metric", s.Name),
			zap.Stringer("type", s.Sample.Type),
			zap.Int64("timestamp", s.TimestampMillis),
			zap.Any("context", s.Context),
		}
		if s.Sample.Type == model.MetricDistribution {
			fields = append(fields, zap.Float64s("values", s.Sample.Values))
		} else {
			fields = append(fields, zap.Int64("value", s.Sample.Value))
		}
		p.logger.Info("metric", fields...)
	}
	return nil
}

func (p *LogPublisher) Close() error {
	_ = p.logger.Sync()
	return nil
}
