// Package server exposes the recording service over the local IPC endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/omnirec/omnirec/internal/approval"
	"github.com/omnirec/omnirec/internal/encoder"
	"github.com/omnirec/omnirec/internal/ipc"
	"github.com/omnirec/omnirec/internal/metrics"
	"github.com/omnirec/omnirec/internal/service"
)

// PeerVerifier decides whether an accepted connection may send commands.
type PeerVerifier interface {
	VerifyClient(nc net.Conn) (ipc.PeerInfo, error)
}

// Server accepts IPC clients and dispatches their commands to the service
type Server struct {
	service  service.Service
	tokens   *approval.Store
	verifier PeerVerifier

	ctx context.Context

	// Open client connections
	connsLock sync.Mutex
	conns     map[*ipc.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New creates a server for svc. tokens backs validate_token and store_token.
func New(svc service.Service, tokens *approval.Store, verifier PeerVerifier) *Server {
	return &Server{
		service:  svc,
		tokens:   tokens,
		verifier: verifier,
		conns:    make(map[*ipc.Conn]struct{}),
		shutdown: make(chan struct{}),
	}
}

// ShutdownRequested is closed when a client sends the shutdown command.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

// Serve accepts connections on ln until ctx is done or a client requests shutdown.
// Open connections are closed before it returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx

	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		}
		ln.Close()
	}()

	slog.Info("IPC server listening", "address", ln.Addr().String())
	err := s.acceptLoop(ctx, ln)

	cancel()
	s.closeConns()
	s.wg.Wait()
	slog.Info("IPC server stopped")
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.shutdown:
				return nil
			default:
				return fmt.Errorf("accept failed: %w", err)
			}
		}
		s.wg.Add(1)
		go s.handleConn(nc)
	}
}

func (s *Server) closeConns() {
	s.connsLock.Lock()
	defer s.connsLock.Unlock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()

	peer, err := s.verifier.VerifyClient(nc)
	if err != nil {
		metrics.IPCConnections.WithLabelValues("rejected").Inc()
		slog.Warn("Rejected IPC client", "pid", peer.PID, "executable", peer.Executable, "error", err)
		nc.Close()
		return
	}
	metrics.IPCConnections.WithLabelValues("accepted").Inc()
	slog.Debug("IPC client connected", "pid", peer.PID, "executable", peer.Executable)

	conn := ipc.NewConn(nc)
	s.connsLock.Lock()
	if s.closed {
		s.connsLock.Unlock()
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.connsLock.Unlock()
	defer func() {
		s.connsLock.Lock()
		delete(s.conns, conn)
		s.connsLock.Unlock()
		conn.Close()
		slog.Debug("IPC client disconnected", "pid", peer.PID)
	}()

	events, unsubscribe := s.service.Subscribe()
	defer unsubscribe()
	go forwardEvents(conn, events)

	for {
		msg, err := conn.Receive()
		if err != nil {
			if errors.Is(err, ipc.ErrDisconnected) {
				return
			}
			// Framing is lost after an oversized or undecodable message.
			slog.Warn("Dropping IPC client after bad message", "pid", peer.PID, "error", err)
			conn.Send(ipc.ErrorMessage("", err))
			return
		}
		metrics.IPCMessages.WithLabelValues(string(msg.Type)).Inc()

		reply := s.handle(msg)
		if err := conn.Send(reply); err != nil {
			slog.Debug("Failed to send reply", "type", reply.Type, "error", err)
			return
		}
		if msg.Type == ipc.TypeShutdown {
			s.shutdownOnce.Do(func() { close(s.shutdown) })
		}
	}
}

func forwardEvents(conn *ipc.Conn, events <-chan service.Event) {
	for ev := range events {
		if err := conn.Send(eventMessage(ev)); err != nil {
			slog.Debug("Failed to forward event", "event", ev.Kind, "error", err)
			return
		}
	}
}

// handle executes one command and returns its reply
func (s *Server) handle(msg *ipc.Message) *ipc.Message {
	if err := msg.Validate(); err != nil {
		slog.Warn("Invalid IPC request", "type", msg.Type, "error", err)
		return ipc.ErrorMessage(msg.Type, err)
	}

	switch msg.Type {
	case ipc.TypeStartRecording:
		audioCfg := s.service.GetAudioConfig()
		if msg.Audio != nil {
			audioCfg = *msg.Audio
		}
		info, err := s.service.StartRecording(s.ctx, *msg.Target, audioCfg)
		if err != nil {
			return ipc.ErrorMessage(msg.Type, err)
		}
		reply := msg.Reply(ipc.TypeOK)
		reply.State = info.State
		reply.Session = &info
		return reply

	case ipc.TypeStopRecording:
		if err := s.service.StopRecording(); err != nil {
			return ipc.ErrorMessage(msg.Type, err)
		}
		return msg.Reply(ipc.TypeOK)

	case ipc.TypeValidateToken:
		if s.tokens.Validate(msg.Token) {
			return msg.Reply(ipc.TypeTokenValid)
		}
		return msg.Reply(ipc.TypeTokenInvalid)

	case ipc.TypeStoreToken:
		if err := s.tokens.Set(msg.Token); err != nil {
			return ipc.ErrorMessage(msg.Type, err)
		}
		slog.Info("Approval token stored")
		return msg.Reply(ipc.TypeTokenStored)

	case ipc.TypeListCaptureTargets:
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		defer cancel()
		targets, err := s.service.ListTargets(ctx)
		if err != nil {
			return ipc.ErrorMessage(msg.Type, err)
		}
		reply := msg.Reply(ipc.TypeTargets)
		reply.Targets = &targets
		return reply

	case ipc.TypeGetState:
		state, session := s.service.State()
		reply := msg.Reply(ipc.TypeState)
		reply.State = state
		reply.Session = session
		reply.LastError = s.service.GetLastError()
		return reply

	case ipc.TypeGetElapsedTime:
		seconds := uint64(s.service.GetElapsedTime() / time.Second)
		reply := msg.Reply(ipc.TypeElapsedTime)
		reply.Seconds = &seconds
		return reply

	case ipc.TypeGetOutputFormat:
		reply := msg.Reply(ipc.TypeOutputFormat)
		reply.Format = string(s.service.GetOutputFormat())
		return reply

	case ipc.TypeSetOutputFormat:
		if err := s.service.SetOutputFormat(encoder.OutputFormat(msg.Format)); err != nil {
			return ipc.ErrorMessage(msg.Type, err)
		}
		return msg.Reply(ipc.TypeOK)

	case ipc.TypeGetAudioConfig:
		audioCfg := s.service.GetAudioConfig()
		reply := msg.Reply(ipc.TypeAudioConfig)
		reply.Audio = &audioCfg
		return reply

	case ipc.TypeSetAudioConfig:
		if err := s.service.SetAudioConfig(*msg.Audio); err != nil {
			return ipc.ErrorMessage(msg.Type, err)
		}
		return msg.Reply(ipc.TypeOK)

	case ipc.TypePing:
		return msg.Reply(ipc.TypePong)

	case ipc.TypeShutdown:
		slog.Info("Shutdown requested by client")
		return msg.Reply(ipc.TypeOK)
	}
	return ipc.ErrorMessage(msg.Type, fmt.Errorf("%w: unhandled command %s", ipc.ErrInvalidMessage, msg.Type))
}

// eventMessage converts a service event to its wire form
func eventMessage(ev service.Event) *ipc.Message {
	switch ev.Kind {
	case service.EventStateChanged:
		return &ipc.Message{Type: ipc.TypeStateChanged, State: ev.State, Session: ev.Session}
	case service.EventRecordingSaved:
		msg := &ipc.Message{Type: ipc.TypeRecordingSaved}
		if ev.Result != nil {
			msg.Path = ev.Result.Path
			msg.Partial = ev.Result.Partial
		}
		return msg
	case service.EventTargetsChanged:
		return &ipc.Message{Type: ipc.TypeTargetsChanged, Targets: ev.Targets}
	default:
		err := ev.Err
		if err == nil {
			err = errors.New("unknown error")
		}
		return ipc.ErrorMessage("", err)
	}
}
