package publisher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tinytelemetry/beacon/internal/model"
)

// LatencyBoundsMillis are the histogram bucket bounds for distributions.
var LatencyBoundsMillis = []float64{10, 100, 1000, 10000, 100000}

const scopeName = "github.com/tinytelemetry/beacon"

// OTLPConfig holds settings for the OTLP exporter.
type OTLPConfig struct {
	Endpoint    string
	ServiceName string
	Timeout     time.Duration
	Logger      *zap.Logger
	// DialOptions replace the default insecure transport when set.
	DialOptions []grpc.DialOption
}

// OTLPPublisher exports snapshots to an OpenTelemetry collector over gRPC.
// Counters become delta sums, gauges become gauges and distributions become
// explicit-bucket histograms.
type OTLPPublisher struct {
	conf   OTLPConfig
	logger *zap.Logger

	mu     sync.Mutex
	conn   *grpc.ClientConn
	client colmetricspb.MetricsServiceClient
}

func NewOTLPPublisher(conf OTLPConfig) (*OTLPPublisher, error) {
	if conf.Endpoint == "" {
		return nil, errors.New("publisher: otlp endpoint is required")
	}
	if conf.Timeout <= 0 {
		conf.Timeout = 10 * time.Second
	}
	if conf.Logger == nil {
		conf.Logger = zap.NewNop()
	}
	return &OTLPPublisher{conf: conf, logger: conf.Logger}, nil
}

// Initialize creates the client connection. The connection is established
// lazily by grpc on first use.
func (p *OTLPPublisher) Initialize(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return nil
	}
	opts := p.conf.DialOptions
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(p.conf.Endpoint, opts...)
	if err != nil {
		return fmt.Errorf("publisher: otlp dial %s: %w", p.conf.Endpoint, err)
	}
	p.conn = conn
	p.client = colmetricspb.NewMetricsServiceClient(conn)
	return nil
}

func (p *OTLPPublisher) Publish(ctx context.Context, batch []model.MetricSnapshot) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return ErrNotInitialized
	}
	if len(batch) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.conf.Timeout)
	defer cancel()

	resp, err := client.Export(ctx, buildExportRequest(p.conf.ServiceName, batch))
	if err != nil {
		return fmt.Errorf("publisher: otlp export: %w", err)
	}
	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedDataPoints() > 0 {
		p.logger.Warn("publisher: otlp collector rejected data points",
			zap.Int64("rejected", ps.GetRejectedDataPoints()),
			zap.String("message", ps.GetErrorMessage()))
	}
	return nil
}

func (p *OTLPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	p.client = nil
	return err
}

func buildExportRequest(service string, batch []model.MetricSnapshot) *colmetricspb.ExportMetricsServiceRequest {
	metrics := make([]*metricspb.Metric, 0, len(batch))
	for _, s := range batch {
		metrics = append(metrics, toMetric(s))
	}
	return &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource: &resourcepb.Resource{
				Attributes: []*commonpb.KeyValue{stringAttr("service.name", service)},
			},
			ScopeMetrics: []*metricspb.ScopeMetrics{{
				Scope:   &commonpb.InstrumentationScope{Name: scopeName},
				Metrics: metrics,
			}},
		}},
	}
}

func toMetric(s model.MetricSnapshot) *metricspb.Metric {
	ts := uint64(s.TimestampMillis) * uint64(time.Millisecond)
	attrs := tagAttrs(s.Context)
	m := &metricspb.Metric{Name: s.Name}

	switch s.Sample.Type {
	case model.MetricGauge:
		m.Data = &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{
			DataPoints: []*metricspb.NumberDataPoint{intPoint(attrs, ts, s.Sample.Value)},
		}}
	case model.MetricDistribution:
		m.Unit = "ms"
		m.Data = &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{
			AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_DELTA,
			DataPoints:             []*metricspb.HistogramDataPoint{histogramPoint(attrs, ts, s.Sample.Values)},
		}}
	default:
		m.Data = &metricspb.Metric_Sum{Sum: &metricspb.Sum{
			AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_DELTA,
			IsMonotonic:            s.Sample.Value >= 0,
			DataPoints:             []*metricspb.NumberDataPoint{intPoint(attrs, ts, s.Sample.Value)},
		}}
	}
	return m
}

func intPoint(attrs []*commonpb.KeyValue, ts uint64, v int64) *metricspb.NumberDataPoint {
	return &metricspb.NumberDataPoint{
		Attributes:   attrs,
		TimeUnixNano: ts,
		Value:        &metricspb.NumberDataPoint_AsInt{AsInt: v},
	}
}

func histogramPoint(attrs []*commonpb.KeyValue, ts uint64, values []float64) *metricspb.HistogramDataPoint {
	counts := make([]uint64, len(LatencyBoundsMillis)+1)
	sum, lo, hi := 0.0, math.Inf(1), math.Inf(-1)
	for _, v := range values {
		counts[sort.SearchFloat64s(LatencyBoundsMillis, v)]++
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	dp := &metricspb.HistogramDataPoint{
		Attributes:     attrs,
		TimeUnixNano:   ts,
		Count:          uint64(len(values)),
		Sum:            &sum,
		BucketCounts:   counts,
		ExplicitBounds: LatencyBoundsMillis,
	}
	if len(values) > 0 {
		dp.Min = &lo
		dp.Max = &hi
	}
	return dp
}

func tagAttrs(tags model.Tags) []*commonpb.KeyValue {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*commonpb.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, stringAttr(k, tags[k]))
	}
	return out
}

func stringAttr(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   k,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}},
	}
}
