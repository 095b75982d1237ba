package events

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/beacon/internal/model"
)

const topic = "programstatusevent"

type memLog struct {
	mu      sync.Mutex
	entries []model.Notification
	fetches int
}

func (l *memLog) append(n model.Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n.ID = strconv.Itoa(len(l.entries) + 1)
	l.entries = append(l.entries, n)
}

func (l *memLog) Fetch(_ context.Context, _ string, after string, limit int) ([]model.Notification, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetches++
	start := 0
	if after != "" {
		n, err := strconv.Atoi(after)
		if err != nil {
			return nil, err
		}
		start = n
	}
	end := min(start+limit, len(l.entries))
	if start >= end {
		return nil, nil
	}
	return slices.Clone(l.entries[start:end]), nil
}

type memOffsets struct {
	mu      sync.Mutex
	offsets map[string]string
	err     error
}

func (o *memOffsets) LoadOffset(_ context.Context, topic, sub string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.offsets[topic+"/"+sub], nil
}

func (o *memOffsets) StoreOffset(_ context.Context, topic, sub, offset string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	if o.offsets == nil {
		o.offsets = map[string]string{}
	}
	o.offsets[topic+"/"+sub] = offset
	return nil
}

func (o *memOffsets) get() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.offsets[topic+"/"+SubscriberName]
}

type captureWriter struct {
	id      string
	mu      sync.Mutex
	batches [][]model.StatusEvent
	wc      WriterContext
	err     error
	closed  bool
}

func (w *captureWriter) ID() string { return w.id }
func (w *captureWriter) Initialize(wc WriterContext) error {
	w.wc = wc
	return nil
}
func (w *captureWriter) Write(_ context.Context, events []model.StatusEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, events)
	return w.err
}
func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func (w *captureWriter) events() []model.StatusEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []model.StatusEvent
	for _, b := range w.batches {
		out = append(out, b...)
	}
	return out
}

type stubProvider struct {
	mu    sync.Mutex
	calls []string
	m     model.ExecutionMetrics
	err   error
}

func (p *stubProvider) RetrieveMetrics(_ context.Context, runID string) (model.ExecutionMetrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, runID)
	return p.m, p.err
}

func runIDJSON(t *testing.T, namespace, program string) (string, string) {
	t.Helper()
	u, err := uuid.NewUUID()
	require.NoError(t, err)
	raw, err := json.Marshal(model.RunIdentifier{
		Namespace:   namespace,
		Application: "pipeline",
		Version:     "-SNAPSHOT",
		Type:        "Workflow",
		Program:     program,
		Run:         u.String(),
	})
	require.NoError(t, err)
	return string(raw), u.String()
}

func statusNotification(runID, status string, extra map[string]string) model.Notification {
	props := map[string]string{
		model.PropProgramStatus:   status,
		model.PropProgramRunID:    runID,
		model.PropUserOverrides:   `{"input.path":"gs://bucket/in"}`,
		model.PropSystemOverrides: `{"workflowRunId":"wf-1"}`,
	}
	for k, v := range extra {
		props[k] = v
	}
	return model.Notification{Type: model.NotificationProgramStatus, Properties: props}
}

func newTestSubscriber(t *testing.T, log *memLog, offsets *memOffsets, provider model.MetricsProvider, writers ...EventWriter) *Subscriber {
	t.Helper()
	s, err := NewSubscriber(log, offsets, provider, writers, Config{
		Topic:        topic,
		InstanceName: "instance-1",
		ProjectName:  "project-1",
		PollInterval: 5 * time.Millisecond,
		BatchSize:    10,
	})
	require.NoError(t, err)
	return s
}

func TestPollPublishesStartingAndTerminal(t *testing.T) {
	t.Parallel()
	log := &memLog{}
	offsets := &memOffsets{}
	provider := &stubProvider{m: model.ExecutionMetrics{InputRecords: 10195, OutputRecords: 22, InputBytes: 6046096, OutputBytes: 6237}}
	w1 := &captureWriter{id: "one"}
	w2 := &captureWriter{id: "two"}
	s := newTestSubscriber(t, log, offsets, provider, w1, w2)

	runJSON, run := runIDJSON(t, "ns1", PipelineProgram)
	log.append(statusNotification(runJSON, "STARTING", nil))
	log.append(statusNotification(runJSON, "COMPLETED", map[string]string{model.PropProgramError: "none"}))

	n, err := s.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "2", offsets.get())

	for _, w := range []*captureWriter{w1, w2} {
		require.Len(t, w.batches, 1, "each writer sees the batch once")
		events := w.batches[0]
		require.Len(t, events, 2)
		assert.Equal(t, "STARTING", events[0].Details.Status)
		assert.Equal(t, "COMPLETED", events[1].Details.Status)
		assert.Equal(t, events[0].PublishTime, events[1].PublishTime)
	}

	ev := w1.batches[0][1]
	assert.Equal(t, "v1", ev.Version)
	assert.Equal(t, "instance-1", ev.InstanceName)
	assert.Equal(t, "project-1", ev.ProjectName)
	assert.Equal(t, run, ev.Details.RunID)
	assert.Equal(t, "ns1", ev.Details.Namespace)
	assert.Equal(t, "none", ev.Details.Error)
	assert.Equal(t, "gs://bucket/in", ev.Details.UserArgs["input.path"])
	require.NotNil(t, ev.Details.WorkflowID)
	assert.Equal(t, "wf-1", *ev.Details.WorkflowID)
	require.NotNil(t, ev.Details.PipelineMetrics)
	assert.Equal(t, 10195, ev.Details.PipelineMetrics.InputRecords)
	assert.Nil(t, w1.batches[0][0].Details.PipelineMetrics, "starting events are not enriched")
	assert.Equal(t, []string{run}, provider.calls)

	u := uuid.MustParse(run)
	sec, nsec := u.Time().UnixTime()
	assert.Equal(t, sec*1000+nsec/1e6, ev.Details.EventTime)
}

func TestKilledRunIsNotEnriched(t *testing.T) {
	t.Parallel()
	log := &memLog{}
	provider := &stubProvider{m: model.ExecutionMetrics{InputRecords: 1}}
	w := &captureWriter{id: "w"}
	s := newTestSubscriber(t, log, &memOffsets{}, provider, w)

	runJSON, _ := runIDJSON(t, "ns1", PipelineProgram)
	log.append(statusNotification(runJSON, "KILLED", map[string]string{model.PropProgramError: "killed by user"}))

	_, err := s.Poll(context.Background())
	require.NoError(t, err)
	events := w.events()
	require.Len(t, events, 1)
	assert.Empty(t, provider.calls)
	assert.Nil(t, events[0].Details.PipelineMetrics)
	assert.Empty(t, events[0].Details.Error)
}

func TestEnrichmentFailureKeepsEvent(t *testing.T) {
	t.Parallel()
	log := &memLog{}
	provider := &stubProvider{err: errors.New("history service down")}
	w := &captureWriter{id: "w"}
	s := newTestSubscriber(t, log, &memOffsets{}, provider, w)

	runJSON, _ := runIDJSON(t, "ns1", PipelineProgram)
	log.append(statusNotification(runJSON, "FAILED", nil))

	_, err := s.Poll(context.Background())
	require.NoError(t, err)
	events := w.events()
	require.Len(t, events, 1)
	assert.Nil(t, events[0].Details.PipelineMetrics)
}

func TestFilteringAndMalformedEntries(t *testing.T) {
	t.Parallel()
	log := &memLog{}
	offsets := &memOffsets{}
	w := &captureWriter{id: "w"}
	s := newTestSubscriber(t, log, offsets, nil, w)

	good, _ := runIDJSON(t, "ns1", PipelineProgram)
	system, _ := runIDJSON(t, model.SystemNamespace, PipelineProgram)
	other, _ := runIDJSON(t, "ns1", "SparkJob")

	log.append(model.Notification{Type: "USER", Properties: map[string]string{}})
	log.append(model.Notification{Type: model.NotificationProgramStatus, Properties: map[string]string{model.PropProgramRunID: good}})
	log.append(statusNotification(good, "RUNNING", nil))
	log.append(statusNotification(system, "STARTING", nil))
	log.append(statusNotification(other, "STARTING", nil))
	log.append(statusNotification("{not json", "STARTING", nil))
	log.append(statusNotification(good, "NOT_A_STATUS", nil))
	log.append(statusNotification(good, "STARTING", map[string]string{model.PropUserOverrides: "[1,2]"}))
	log.append(statusNotification(`{"namespace":"ns1","program":"DataPipelineWorkflow","run":"`+uuid.NewString()+`"}`, "STARTING", nil))
	log.append(statusNotification(good, "STARTING", nil))

	n, err := s.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	events := w.events()
	require.Len(t, events, 1)
	assert.Equal(t, "STARTING", events[0].Details.Status)
	assert.Equal(t, "10", offsets.get())
}

func TestOffsetAdvancesWhenEverythingIsSkipped(t *testing.T) {
	t.Parallel()
	log := &memLog{}
	offsets := &memOffsets{}
	w := &captureWriter{id: "w"}
	s := newTestSubscriber(t, log, offsets, nil, w)

	log.append(model.Notification{Type: "USER"})
	_, err := s.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", offsets.get())
	assert.Empty(t, w.batches, "empty batches are not dispatched")
}

func TestWriterFailureDoesNotBlockOthersOrOffset(t *testing.T) {
	t.Parallel()
	log := &memLog{}
	offsets := &memOffsets{}
	bad := &captureWriter{id: "bad", err: errors.New("disk full")}
	good := &captureWriter{id: "good"}
	s := newTestSubscriber(t, log, offsets, nil, bad, good)

	runJSON, _ := runIDJSON(t, "ns1", PipelineProgram)
	log.append(statusNotification(runJSON, "STARTING", nil))

	_, err := s.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, good.events(), 1)
	assert.Equal(t, "1", offsets.get())
}

func TestOffsetStoreFailureRedelivers(t *testing.T) {
	t.Parallel()
	log := &memLog{}
	offsets := &memOffsets{err: errors.New("tx aborted")}
	w := &captureWriter{id: "w"}
	s := newTestSubscriber(t, log, offsets, nil, w)

	runJSON, _ := runIDJSON(t, "ns1", PipelineProgram)
	log.append(statusNotification(runJSON, "STARTING", nil))

	_, err := s.Poll(context.Background())
	require.Error(t, err)
	offsets.mu.Lock()
	offsets.err = nil
	offsets.mu.Unlock()

	_, err = s.Poll(context.Background())
	require.NoError(t, err)
	events := w.events()
	require.Len(t, events, 2)
	assert.Equal(t, events[0].Key(), events[1].Key())
}

func TestBatchSizeBoundsFetch(t *testing.T) {
	t.Parallel()
	log := &memLog{}
	offsets := &memOffsets{}
	w := &captureWriter{id: "w"}
	s := newTestSubscriber(t, log, offsets, nil, w)

	runJSON, _ := runIDJSON(t, "ns1", PipelineProgram)
	for i := 0; i < 25; i++ {
		log.append(statusNotification(runJSON, "STARTING", nil))
	}
	for _, want := range []int{10, 10, 5, 0} {
		n, err := s.Poll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.Equal(t, "25", offsets.get())
	assert.Len(t, w.events(), 25)
}

func TestRunLoopLifecycle(t *testing.T) {
	t.Parallel()
	log := &memLog{}
	offsets := &memOffsets{}
	w := &captureWriter{id: "w"}
	s, err := NewSubscriber(log, offsets, nil, []EventWriter{w}, Config{
		Topic:            topic,
		PollInterval:     5 * time.Millisecond,
		BatchSize:        10,
		WriterProperties: map[string]map[string]string{"w": {"path": "/tmp/x"}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, "/tmp/x", w.wc.Property("path", ""))
	assert.Equal(t, "w", w.wc.ID)

	runJSON, _ := runIDJSON(t, "ns1", PipelineProgram)
	log.append(statusNotification(runJSON, "STARTING", nil))
	log.append(statusNotification(runJSON, "COMPLETED", nil))

	assert.Eventually(t, func() bool { return s.Status().Dispatched == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "2", offsets.get())
	assert.Equal(t, "running", s.Status().State)

	s.Stop()
	require.NoError(t, s.AwaitStopped(ctx))
	assert.Equal(t, "stopped", s.Status().State)
	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

// gatedProvider blocks inside RetrieveMetrics until released, failing if
// its context is cancelled first.
type gatedProvider struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	m       model.ExecutionMetrics
}

func (p *gatedProvider) RetrieveMetrics(ctx context.Context, _ string) (model.ExecutionMetrics, error) {
	p.once.Do(func() { close(p.entered) })
	select {
	case <-p.release:
		return p.m, nil
	case <-ctx.Done():
		return model.EmptyMetrics(), ctx.Err()
	}
}

func TestStopWaitsForBatchInFlight(t *testing.T) {
	t.Parallel()
	log := &memLog{}
	offsets := &memOffsets{}
	w := &captureWriter{id: "w"}
	provider := &gatedProvider{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		m:       model.ExecutionMetrics{InputRecords: 7},
	}
	runJSON, _ := runIDJSON(t, "ns1", PipelineProgram)
	log.append(statusNotification(runJSON, "STARTING", nil))
	log.append(statusNotification(runJSON, "COMPLETED", nil))

	s, err := NewSubscriber(log, offsets, provider, []EventWriter{w}, Config{
		Topic:        topic,
		PollInterval: 5 * time.Millisecond,
		BatchSize:    10,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))

	select {
	case <-provider.entered:
	case <-ctx.Done():
		t.Fatal("enrichment never started")
	}
	s.Stop()
	assert.Empty(t, w.events())
	close(provider.release)

	require.NoError(t, s.AwaitStopped(ctx))
	assert.Equal(t, "stopped", s.Status().State)
	assert.Equal(t, "2", offsets.get())

	evs := w.events()
	require.Len(t, evs, 2)
	assert.Equal(t, "STARTING", evs[0].Details.Status)
	assert.Equal(t, "COMPLETED", evs[1].Details.Status)
	require.NotNil(t, evs[1].Details.PipelineMetrics)
	assert.Equal(t, 7, evs[1].Details.PipelineMetrics.InputRecords)
}

func TestNewSubscriberValidates(t *testing.T) {
	t.Parallel()
	_, err := NewSubscriber(nil, &memOffsets{}, nil, nil, Config{Topic: topic})
	assert.Error(t, err)
	_, err = NewSubscriber(&memLog{}, &memOffsets{}, nil, nil, Config{})
	assert.Error(t, err)
}
