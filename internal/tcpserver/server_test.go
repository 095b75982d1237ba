package tcpserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/beacon/internal/model"
)

type appended struct {
	topic string
	n     model.Notification
}

type memAppender struct {
	mu   sync.Mutex
	got  []appended
	fail bool
}

func (a *memAppender) Append(_ context.Context, topic string, n model.Notification) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return "", errors.New("disk full")
	}
	a.got = append(a.got, appended{topic, n})
	return "1", nil
}

func (a *memAppender) snapshot() []appended {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]appended(nil), a.got...)
}

func TestNewServer_DefaultLocalhostAddress(t *testing.T) {
	t.Parallel()
	s := NewServer("", &memAppender{})
	assert.Equal(t, "127.0.0.1:4000", s.Addr())
}

func TestNewServer_UsesConfiguredAddressAndLimits(t *testing.T) {
	t.Parallel()
	s := NewServer("0.0.0.0:5000", &memAppender{}, ServerConfig{Topic: "t", MaxLineSize: 2048})
	assert.Equal(t, "0.0.0.0:5000", s.Addr())
	assert.Equal(t, 2048, s.maxLineSize)
	assert.Equal(t, "t", s.topic)
}

func TestServerAppendsLines(t *testing.T) {
	t.Parallel()
	app := &memAppender{}
	s := NewServer("127.0.0.1:0", app, ServerConfig{Topic: "programstatusevent"})
	require.NoError(t, s.Start())
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	_, err = conn.Write([]byte(
		`{"notificationType":"PROGRAM_STATUS","properties":{"programStatus":"STARTING"}}` + "\n" +
			"\n" +
			"not json\n" +
			`{"properties":{}}` + "\n" +
			`{"topic":"other","notificationType":"USER","properties":{}}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return len(app.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	got := app.snapshot()
	assert.Equal(t, "programstatusevent", got[0].topic)
	assert.Equal(t, "STARTING", got[0].n.Properties[model.PropProgramStatus])
	assert.Equal(t, "other", got[1].topic)
	assert.Equal(t, "USER", got[1].n.Type)
}

func TestStopClosesOpenConnections(t *testing.T) {
	t.Parallel()
	s := NewServer("127.0.0.1:0", &memAppender{}, ServerConfig{Topic: "t"})
	require.NoError(t, s.Start())

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		_ = s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an idle connection")
	}
	require.NoError(t, s.Stop())
}
