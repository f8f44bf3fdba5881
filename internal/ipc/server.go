package ipc

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/aromcp/workflow-engine/internal/engine"
	"github.com/aromcp/workflow-engine/internal/errors"
	"github.com/aromcp/workflow-engine/internal/state"
)

// Server exposes an engine over a Unix domain socket, one goroutine per
// connection. A connection may carry any number of requests.
type Server struct {
	socketPath string
	eng        *engine.Engine
	log        *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup

	mu       sync.Mutex
	shutdown bool
}

// NewServer creates a server for the engine on socketPath.
func NewServer(socketPath string, eng *engine.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		eng:        eng,
		log:        log.With("component", "ipc-server"),
	}
}

// Path returns the socket path the server listens on.
func (s *Server) Path() string {
	return s.socketPath
}

// Start listens and serves until ctx is cancelled, then shuts down. A stale
// socket file from a previous run is removed first.
func (s *Server) Start(ctx context.Context) error {
	if err := s.StartAsync(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Shutdown()
}

// StartAsync begins serving in the background and returns once the socket is
// listening.
func (s *Server) StartAsync(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	s.listener = listener
	s.log.Info("listening", "socket", s.socketPath)
	go s.acceptLoop(ctx)
	return nil
}

// Shutdown stops accepting, waits for in-flight connections, and removes the
// socket file. Safe to call more than once.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.log.Error("closing listener", "error", err)
		}
	}
	s.wg.Wait()
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.log.Error("removing socket", "error", err)
	}
	s.log.Info("stopped")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown || ctx.Err() != nil {
				return
			}
			s.log.Error("accept", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for ctx.Err() == nil {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && !stderrors.Is(err, net.ErrClosed) {
				s.log.Error("read", "error", err)
			}
			return
		}

		resp := s.handleLine(line)
		data, err := Marshal(resp)
		if err != nil {
			s.log.Error("marshal response", "error", err)
			return
		}
		if _, err := conn.Write(append(data, '\n')); err != nil {
			s.log.Error("write", "error", err)
			return
		}
	}
}

// handleLine parses one request and dispatches it to the engine.
func (s *Server) handleLine(line []byte) Message {
	msg, err := ParseRequest(line)
	if err != nil {
		return &ErrorMessage{
			Type:    MsgError,
			Kind:    string(errors.KindValidation),
			Code:    errors.CodeWorkflowInvalid,
			Message: err.Error(),
		}
	}
	s.log.Debug("request", "type", msg.MessageType())

	switch m := msg.(type) {
	case *ListWorkflowsRequest:
		return result(map[string]any{"workflows": s.eng.ListWorkflows()})
	case *GetInfoRequest:
		info, err := s.eng.GetInfo(m.Workflow)
		if err != nil {
			return errResponse(err)
		}
		return result(info)
	case *StartRequest:
		id, err := s.eng.Start(m.Workflow, m.Inputs)
		if err != nil {
			return errResponse(err)
		}
		return result(map[string]any{"instance_id": id})
	case *NextStepRequest:
		env, err := s.eng.GetNextStep(m.InstanceID, m.TaskID)
		if err != nil {
			return errResponse(err)
		}
		return result(map[string]any{"step": env})
	case *StepCompleteRequest:
		if err := s.eng.StepComplete(m.InstanceID, m.StepID, m.Result, m.TaskID); err != nil {
			return errResponse(err)
		}
		return result(map[string]any{"acknowledged": true})
	case *UpdateStateRequest:
		flat, err := s.eng.UpdateState(m.InstanceID, append([]state.Op(nil), m.Updates...))
		if err != nil {
			return errResponse(err)
		}
		return result(map[string]any{"state": flat})
	case *InstanceRequest:
		return s.handleInstance(m)
	case *TraceRequest:
		events, err := s.eng.Trace(m.InstanceID, m.TaskID)
		if err != nil {
			return errResponse(err)
		}
		return result(map[string]any{"events": events})
	default:
		return &ErrorMessage{
			Type:    MsgError,
			Kind:    string(errors.KindInternal),
			Code:    errors.CodeInternal,
			Message: fmt.Sprintf("unhandled message type %T", msg),
		}
	}
}

func (s *Server) handleInstance(m *InstanceRequest) Message {
	switch m.Type {
	case MsgPause:
		rec, err := s.eng.Pause(m.InstanceID)
		if err != nil {
			return errResponse(err)
		}
		return result(rec)
	case MsgResume:
		rec, err := s.eng.Resume(m.InstanceID)
		if err != nil {
			return errResponse(err)
		}
		return result(rec)
	case MsgCancel:
		rec, err := s.eng.Cancel(m.InstanceID)
		if err != nil {
			return errResponse(err)
		}
		return result(rec)
	case MsgStatus:
		rec, err := s.eng.Status(m.InstanceID)
		if err != nil {
			return errResponse(err)
		}
		return result(rec)
	case MsgListSubAgents:
		subs, err := s.eng.ListSubAgents(m.InstanceID)
		if err != nil {
			return errResponse(err)
		}
		return result(map[string]any{"sub_agents": subs})
	default:
		return &ErrorMessage{
			Type:    MsgError,
			Kind:    string(errors.KindInternal),
			Code:    errors.CodeInternal,
			Message: fmt.Sprintf("unhandled instance method %q", m.Type),
		}
	}
}

func result(payload any) Message {
	data, err := Marshal(payload)
	if err != nil {
		return &ErrorMessage{
			Type:    MsgError,
			Kind:    string(errors.KindInternal),
			Code:    errors.CodeInternal,
			Message: fmt.Sprintf("marshaling result: %v", err),
		}
	}
	return &ResultMessage{Type: MsgResult, Result: data}
}

func errResponse(err error) Message {
	var ee *errors.EngineError
	if stderrors.As(err, &ee) {
		msg := ee.Message
		if ee.Cause != nil {
			msg = fmt.Sprintf("%s: %v", ee.Message, ee.Cause)
		}
		return &ErrorMessage{
			Type:    MsgError,
			Kind:    string(ee.Kind),
			Code:    ee.Code,
			Message: msg,
		}
	}
	return &ErrorMessage{
		Type:    MsgError,
		Kind:    string(errors.KindInternal),
		Code:    errors.CodeInternal,
		Message: err.Error(),
	}
}
