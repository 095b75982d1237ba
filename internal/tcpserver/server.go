// Package tcpserver accepts newline-delimited JSON notifications over TCP
// and appends them to the notification log.
package tcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
)

// DefaultMaxLineSize is the default maximum size (in bytes) of one line.
const DefaultMaxLineSize = 1024 * 1024

// Appender stores a notification on a topic.
type Appender interface {
	Append(ctx context.Context, topic string, n model.Notification) (string, error)
}

// ServerConfig holds tunable parameters for the TCP server.
type ServerConfig struct {
	// Topic receives lines that do not name one.
	Topic       string
	MaxLineSize int
	Logger      *zap.Logger
}

// line is one ingest record: a notification plus an optional topic.
type line struct {
	Topic string `json:"topic"`
	model.Notification
}

// Server listens for notification lines.
type Server struct {
	listener    net.Listener
	addr        string
	appender    Appender
	topic       string
	maxLineSize int
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once
}

// NewServer creates a new TCP server. Default addr is "127.0.0.1:4000".
func NewServer(addr string, appender Appender, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = "127.0.0.1:4000"
	}
	s := &Server{
		addr:        addr,
		appender:    appender,
		maxLineSize: DefaultMaxLineSize,
		logger:      zap.NewNop(),
	}
	if len(conf) > 0 {
		s.topic = conf[0].Topic
		if conf[0].MaxLineSize > 0 {
			s.maxLineSize = conf[0].MaxLineSize
		}
		if conf[0].Logger != nil {
			s.logger = conf[0].Logger
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start begins accepting TCP connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			s.wg.Add(1)
			go s.handleConnection(conn)
		}
	}()
	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Unblock the scanner on shutdown.
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), s.maxLineSize)

	remote := zap.Stringer("remote", conn.RemoteAddr())
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil || l.Type == "" {
			s.logger.Warn("tcpserver: dropped malformed line", remote, zap.Error(err))
			continue
		}
		topic := l.Topic
		if topic == "" {
			topic = s.topic
		}
		if topic == "" {
			s.logger.Warn("tcpserver: dropped line without topic", remote)
			continue
		}
		if _, err := s.appender.Append(s.ctx, topic, l.Notification); err != nil {
			s.logger.Error("tcpserver: append failed", remote, zap.String("topic", topic), zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.logger.Warn("tcpserver: dropped connection, line exceeds max size", remote, zap.Int("max_line_size", s.maxLineSize))
			return
		}
		s.logger.Warn("tcpserver: read error", remote, zap.Error(err))
	}
}

// Stop closes the listener and every open connection, then waits for
// handlers to finish.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
	})
	return nil
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
