package model

// MetricsKind distinguishes found metrics from the two sentinel values.
type MetricsKind int

const (
	MetricsFound MetricsKind = iota
	// MetricsEmpty means enrichment ran to exhaustion without a result.
	MetricsEmpty
	// MetricsNull means the run had no completed stage.
	MetricsNull
)

// ExecutionMetrics are the record and byte counts of one execution stage.
type ExecutionMetrics struct {
	InputRecords  int   `json:"inputRecords"`
	OutputRecords int   `json:"outputRecords"`
	InputBytes    int64 `json:"inputBytes"`
	OutputBytes   int64 `json:"outputBytes"`

	Kind MetricsKind `json:"-"`
}

func EmptyMetrics() ExecutionMetrics { return ExecutionMetrics{Kind: MetricsEmpty} }
func NullMetrics() ExecutionMetrics  { return ExecutionMetrics{Kind: MetricsNull} }

// Available reports whether m carries real counts.
func (m ExecutionMetrics) Available() bool { return m.Kind == MetricsFound }

// PluginMetrics are per-plugin counters reported by a pipeline run.
type PluginMetrics struct {
	PluginName string           `json:"pluginName"`
	Metrics    map[string]int64 `json:"metrics"`
}
