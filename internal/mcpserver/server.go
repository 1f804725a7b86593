package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"deepscout/internal/async"
	"deepscout/internal/engine"
	"deepscout/internal/logging"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "deepscout"
)

// maxLineBytes bounds a single incoming request frame.
const maxLineBytes = 10 << 20

// Server reads newline-delimited JSON-RPC requests from in and writes
// responses to out. Requests are handled concurrently (a start call can
// legitimately hold its frame for the whole sync budget); writes serialize
// through a mutex.
type Server struct {
	engine  *engine.Engine
	version string
	logger  logging.Logger

	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
}

// New creates a stdio MCP server for the engine.
func New(eng *engine.Engine, version string, in io.Reader, out io.Writer, logger logging.Logger) *Server {
	return &Server{
		engine:  eng,
		version: version,
		logger:  logging.OrNop(logger),
		in:      in,
		out:     out,
	}
}

// Run serves until in closes or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	s.logger.Info("MCP server listening on stdio")

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		req, err := UnmarshalRequest(line)
		if err != nil {
			rpcErr, ok := err.(*RPCError)
			if !ok {
				rpcErr = &RPCError{Code: ParseError, Message: err.Error()}
			}
			s.write(NewErrorResponse(nil, rpcErr.Code, rpcErr.Message, rpcErr.Data))
			continue
		}

		s.dispatch(ctx, req)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdio: %w", err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, req *Request) {
	switch req.Method {
	case "initialize":
		s.write(NewResponse(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
			"serverInfo": map[string]any{
				"name":    serverName,
				"version": s.version,
			},
		}))

	case "notifications/initialized":
		// Client handshake acknowledgement; nothing to do.

	case "ping":
		s.write(NewResponse(req.ID, map[string]any{}))

	case "tools/list":
		s.write(NewResponse(req.ID, map[string]any{"tools": toolDefinitions()}))

	case "tools/call":
		// Tool calls can block for the sync budget; handle off the read loop
		// so status polls stay responsive.
		async.Go(s.logger, "tools-call", func() {
			s.handleToolCall(ctx, req)
		})

	default:
		if req.IsNotification() {
			s.logger.Debug("Ignoring notification %s", req.Method)
			return
		}
		s.write(NewErrorResponse(req.ID, MethodNotFound,
			fmt.Sprintf("Method not found: %s", req.Method), nil))
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleToolCall(ctx context.Context, req *Request) {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.write(NewErrorResponse(req.ID, InvalidParams, "Invalid tools/call params", err.Error()))
		return
	}

	handler, ok := s.toolHandler(params.Name)
	if !ok {
		s.write(NewErrorResponse(req.ID, InvalidParams,
			fmt.Sprintf("Unknown tool: %s", params.Name), nil))
		return
	}

	s.logger.Debug("Tool call: %s", params.Name)

	envelope, isError := handler(ctx, params.Arguments)
	payload, err := json.Marshal(envelope)
	if err != nil {
		s.write(NewErrorResponse(req.ID, InternalError, "Failed to encode tool result", err.Error()))
		return
	}

	s.write(NewResponse(req.ID, map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": string(payload)},
		},
		"isError": isError,
	}))
}

func (s *Server) write(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to encode response: %v", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("Failed to write response: %v", err)
	}
}
