package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/launchr/launchr/pkg/protocol"
)

// ErrAlreadyRunning indicates another aggregator answers on the socket.
var ErrAlreadyRunning = errors.New("aggregator already running")

var errUnsupported = errors.New("unsupported record type")

// Config configures a Service.
type Config struct {
	// SocketPath is the unix-domain socket to listen on.
	SocketPath string

	// MaxMessageBytes bounds one inbound record line.
	MaxMessageBytes int

	// ReplyTimeout bounds writing one reply to a client.
	ReplyTimeout time.Duration

	Logger  *zap.Logger
	Metrics *Metrics
	Store   *Store
}

// Service accepts protocol connections and applies their messages to a Store.
type Service struct {
	cfg    Config
	store  *Store
	logger *zap.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewService creates a service. When cfg.Store is nil a new store is created.
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = protocol.DefaultRequestTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = protocol.DefaultMaxMessageBytes
	}
	store := cfg.Store
	if store == nil {
		store = NewStore(StoreOptions{Metrics: cfg.Metrics})
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		logger: cfg.Logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Store returns the service's store.
func (s *Service) Store() *Store {
	return s.store
}

// Listen opens the unix socket at path.
//
// A socket file left behind by a dead aggregator is removed. If a live
// aggregator answers on path, Listen returns ErrAlreadyRunning.
func Listen(ctx context.Context, path string) (net.Listener, error) {
	if path == "" {
		return nil, errors.New("socket path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if Probe(ctx, path, 500*time.Millisecond) {
			return nil, fmt.Errorf("%w on %s", ErrAlreadyRunning, path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}
	return ln, nil
}

// Probe reports whether something accepts connections on the socket.
func Probe(ctx context.Context, path string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// ListenAndServe listens on cfg.SocketPath and serves until ctx is cancelled.
func (s *Service) ListenAndServe(ctx context.Context) error {
	ln, err := Listen(ctx, s.cfg.SocketPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Failed to remove socket", zap.String("socket", s.cfg.SocketPath), zap.Error(err))
		}
	}()
	return s.Serve(ctx, ln)
}

// Serve runs the store and accepts connections on ln until ctx is
// cancelled. Open connections are closed on shutdown and Serve waits for
// their handlers to return.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	storeCtx, stopStore := context.WithCancel(context.Background())
	storeDone := make(chan struct{})
	go func() {
		defer close(storeDone)
		s.store.Run(storeCtx)
	}()
	defer func() {
		stopStore()
		<-storeDone
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = ln.Close()
		s.closeConns()
	}()

	s.logger.Info("Aggregator listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("service_id", s.store.ServiceID()),
	)

	var serveErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				serveErr = err
				break
			}
			s.logger.Warn("Accept failed", zap.Error(err))
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
			}
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(ctx, conn)
		}()
	}

	s.closeConns()
	s.wg.Wait()
	s.logger.Info("Aggregator stopped")
	return serveErr
}

func (s *Service) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[c] = struct{}{}
	s.cfg.Metrics.connOpened()
	return true
}

func (s *Service) untrack(c net.Conn) {
	_ = c.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		s.cfg.Metrics.connClosed()
	}
}

// closeConns closes every tracked connection and refuses new ones.
func (s *Service) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
		s.cfg.Metrics.connClosed()
	}
	s.conns = nil
}

func (s *Service) handle(ctx context.Context, conn net.Conn) {
	dec := protocol.NewDecoder(conn)
	dec.SetMaxMessageBytes(s.cfg.MaxMessageBytes)
	enc := protocol.NewEncoder(conn)
	defer enc.Close()

	for {
		rec, err := dec.Next()
		if err != nil {
			var fe *protocol.FrameError
			switch {
			case errors.As(err, &fe):
				// The stream is still aligned on the next line.
				s.cfg.Metrics.dropped()
				s.logger.Warn("Dropping malformed message", zap.Error(err))
				continue
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				return
			default:
				if ctx.Err() == nil {
					s.logger.Debug("Connection closed", zap.Error(err))
				}
				return
			}
		}
		s.dispatch(ctx, conn, enc, rec)
	}
}

func (s *Service) dispatch(ctx context.Context, conn net.Conn, enc *protocol.Encoder, rec protocol.Record) {
	switch rec.Type {
	case protocol.TypeRegister:
		var req protocol.Register
		if err := rec.Decode(&req); err != nil {
			s.dropMalformed(rec, err)
			s.reply(conn, enc, protocol.TypeError, protocol.ErrorReply{Code: protocol.ErrCodeMalformed, Message: err.Error()})
			return
		}
		id, err := s.store.Register(ctx, req.URL, req.TitleHint, req.Filename)
		if err != nil {
			s.reply(conn, enc, protocol.TypeError, errorReply(err))
			return
		}
		s.logger.Info("Job registered", zap.Uint64("job_id", uint64(id)), zap.String("url", req.URL))
		s.reply(conn, enc, protocol.TypeRegistered, protocol.Registered{JobID: id, ServiceID: s.store.ServiceID()})

	case protocol.TypeQuery:
		snap, err := s.store.Query(ctx)
		if err != nil {
			s.reply(conn, enc, protocol.TypeError, errorReply(err))
			return
		}
		s.reply(conn, enc, protocol.TypeSnapshot, snap)

	case protocol.TypeUpdate:
		var msg protocol.Update
		if err := rec.Decode(&msg); err != nil {
			s.dropMalformed(rec, err)
			return
		}
		s.logOutcome(rec, s.store.Update(ctx, rec.JobID, msg.Event))

	case protocol.TypeComplete:
		s.logOutcome(rec, s.store.Complete(ctx, rec.JobID))

	case protocol.TypeFail:
		var msg protocol.Fail
		if err := rec.Decode(&msg); err != nil {
			s.dropMalformed(rec, err)
			return
		}
		s.logOutcome(rec, s.store.Fail(ctx, rec.JobID, msg.ExitCode, msg.Reason))

	default:
		s.dropMalformed(rec, errUnsupported)
		s.reply(conn, enc, protocol.TypeError, protocol.ErrorReply{
			Code:    protocol.ErrCodeUnsupported,
			Message: fmt.Sprintf("unsupported record type %q", rec.Type),
		})
	}
}

func errorReply(err error) protocol.ErrorReply {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return protocol.ErrorReply{Code: protocol.ErrCodeInvalid, Message: "url is required"}
	default:
		return protocol.ErrorReply{Code: protocol.ErrCodeUnavailable, Message: err.Error()}
	}
}

func (s *Service) reply(conn net.Conn, enc *protocol.Encoder, recordType string, data any) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.ReplyTimeout))
	if err := enc.Encode(recordType, 0, data); err != nil {
		s.logger.Debug("Failed to write reply", zap.String("type", recordType), zap.Error(err))
		_ = conn.Close()
	}
}

func (s *Service) dropMalformed(rec protocol.Record, err error) {
	s.cfg.Metrics.dropped()
	s.logger.Warn("Dropping malformed message",
		zap.String("type", rec.Type),
		zap.Uint64("job_id", uint64(rec.JobID)),
		zap.Error(err),
	)
}

func (s *Service) logOutcome(rec protocol.Record, err error) {
	outcome := OutcomeOf(err)
	switch outcome {
	case OutcomeApplied:
		if rec.Type != protocol.TypeUpdate {
			s.logger.Info("Job finished", zap.Uint64("job_id", uint64(rec.JobID)), zap.String("type", rec.Type))
		}
	case OutcomeInvalid:
		s.dropMalformed(rec, err)
	case "":
		s.logger.Warn("Failed to apply message", zap.String("type", rec.Type), zap.Uint64("job_id", uint64(rec.JobID)), zap.Error(err))
	default:
		s.logger.Debug("Message ignored",
			zap.String("type", rec.Type),
			zap.Uint64("job_id", uint64(rec.JobID)),
			zap.String("outcome", string(outcome)),
		)
	}
}
