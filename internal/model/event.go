package model

// WorkflowRunIDKey is the system argument carrying the owning workflow run.
const WorkflowRunIDKey = "workflowRunId"

// StatusEventDetails is the payload of a status event. Build it with
// NewDetailsBuilder; the zero value is not meaningful.
type StatusEventDetails struct {
	RunID           string            `json:"runID"`
	ProgramName     string            `json:"programName"`
	Namespace       string            `json:"namespace"`
	Status          string            `json:"status"`
	EventTime       int64             `json:"eventTime"`
	UserArgs        map[string]string `json:"userArgs,omitempty"`
	SystemArgs      map[string]string `json:"systemArgs,omitempty"`
	Error           string            `json:"error,omitempty"`
	PluginMetrics   []PluginMetrics   `json:"pluginMetrics,omitempty"`
	PipelineMetrics *ExecutionMetrics `json:"pipelineMetrics,omitempty"`
	WorkflowID      *string           `json:"workflowId,omitempty"`
}

// DetailsBuilder accumulates optional details fields.
type DetailsBuilder struct {
	d StatusEventDetails
}

// NewDetailsBuilder starts a builder from the required fields.
func NewDetailsBuilder(runID, programName, namespace, status string, eventTime int64) *DetailsBuilder {
	return &DetailsBuilder{d: StatusEventDetails{
		RunID:       runID,
		ProgramName: programName,
		Namespace:   namespace,
		Status:      status,
		EventTime:   eventTime,
	}}
}

func (b *DetailsBuilder) WithUserArgs(args map[string]string) *DetailsBuilder {
	b.d.UserArgs = args
	return b
}

func (b *DetailsBuilder) WithSystemArgs(args map[string]string) *DetailsBuilder {
	b.d.SystemArgs = args
	return b
}

func (b *DetailsBuilder) WithError(msg string) *DetailsBuilder {
	b.d.Error = msg
	return b
}

func (b *DetailsBuilder) WithPluginMetrics(pm []PluginMetrics) *DetailsBuilder {
	b.d.PluginMetrics = pm
	return b
}

// WithPipelineMetrics attaches execution metrics. Sentinel values are
// not attached.
func (b *DetailsBuilder) WithPipelineMetrics(m ExecutionMetrics) *DetailsBuilder {
	if !m.Available() {
		b.d.PipelineMetrics = nil
		return b
	}
	b.d.PipelineMetrics = &m
	return b
}

// Build returns the details. The workflow id is derived from the system
// arguments here: present system args yield the workflowRunId value, or ""
// when the key is missing.
func (b *DetailsBuilder) Build() StatusEventDetails {
	d := b.d
	d.WorkflowID = nil
	if d.SystemArgs != nil {
		id := d.SystemArgs[WorkflowRunIDKey]
		d.WorkflowID = &id
	}
	return d
}

// StatusEvent is the structured event handed to writers.
type StatusEvent struct {
	PublishTime  int64              `json:"publishTime"`
	Version      string             `json:"version"`
	InstanceName string             `json:"instanceName"`
	ProjectName  string             `json:"projectName"`
	Details      StatusEventDetails `json:"details"`
}

// Key is the idempotency key writers deduplicate on.
func (e StatusEvent) Key() string {
	return e.Details.RunID + "/" + e.Details.Status
}
