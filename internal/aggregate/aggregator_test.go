package aggregate

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tinytelemetry/beacon/internal/model"
)

func TestCounterEmitReturnsSumAndResets(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		deltas []int64
		want   int64
	}{
		{"none", nil, 0},
		{"single", []int64{5}, 5},
		{"several", []int64{1, 2, 3, 4}, 10},
		{"negative", []int64{10, -3}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := NewAggregator("request.received", nil)
			for _, d := range tt.deltas {
				a.Increment(d)
			}
			s := a.Emit()
			assert.Equal(t, model.MetricCounter, s.Type)
			assert.Equal(t, tt.want, s.Value)
			assert.Equal(t, int64(0), a.Emit().Value)
		})
	}
}

func TestGaugeEmitKeepsValue(t *testing.T) {
	t.Parallel()
	a := NewAggregator("heap", nil)
	a.Gauge(42)
	assert.Equal(t, int64(42), a.Emit().Value)
	assert.Equal(t, int64(42), a.Emit().Value)
	assert.Equal(t, model.MetricGauge, a.Type())

	a.Gauge(7)
	assert.Equal(t, int64(7), a.Emit().Value)
}

func TestDistributionEmitSwapsValues(t *testing.T) {
	t.Parallel()
	a := NewAggregator("latency", nil)
	a.Distribution(1.5)
	a.Distribution(2.5)

	s := a.Emit()
	assert.Equal(t, model.MetricDistribution, s.Type)
	assert.Equal(t, []float64{1.5, 2.5}, s.Values)
	assert.Empty(t, a.Emit().Values)
}

func TestDistributionConcurrentEmitLosesNothing(t *testing.T) {
	t.Parallel()
	a := NewAggregator("latency", nil)

	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	var mu sync.Mutex
	var collected []float64
	stop := make(chan struct{})
	emitted := make(chan struct{})

	go func() {
		defer close(emitted)
		for {
			select {
			case <-stop:
				return
			default:
			}
			s := a.Emit()
			mu.Lock()
			collected = append(collected, s.Values...)
			mu.Unlock()
		}
	}()

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				a.Distribution(float64(p*perProducer + i))
			}
		}(p)
	}
	wg.Wait()
	close(stop)
	<-emitted
	collected = append(collected, a.Emit().Values...)

	require.Len(t, collected, producers*perProducer)
	sort.Float64s(collected)
	for i, v := range collected {
		assert.Equal(t, float64(i), v)
	}
}

func TestCounterConcurrentEmitLosesNothing(t *testing.T) {
	t.Parallel()
	a := NewAggregator("request.received", nil)

	var wg sync.WaitGroup
	var total int64
	var mu sync.Mutex
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				a.Increment(1)
				if i%100 == 0 {
					v := a.Emit().Value
					mu.Lock()
					total += v
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	total += a.Emit().Value
	assert.Equal(t, int64(4000), total)
}

func TestEmptyNameLogsWarning(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.WarnLevel)
	a := NewAggregator("", zap.New(core))
	a.Increment(1)
	assert.Equal(t, int64(1), a.Emit().Value)
	assert.Equal(t, 1, logs.Len())
}
