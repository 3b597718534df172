package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Handler runs one tool call.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Server reads newline-delimited JSON-RPC requests and writes one response
// line per request. Notifications get no response.
type Server struct {
	name    string
	version string
	log     *zap.Logger

	mu       sync.RWMutex
	tools    []Tool
	handlers map[string]Handler

	in  io.Reader
	out io.Writer
}

// NewServer creates a server on stdin/stdout.
func NewServer(name, version string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		name:     name,
		version:  version,
		log:      log.Named("mcp"),
		handlers: make(map[string]Handler),
		in:       os.Stdin,
		out:      os.Stdout,
	}
}

// SetIO replaces the request and response streams.
func (s *Server) SetIO(in io.Reader, out io.Writer) {
	s.in = in
	s.out = out
}

// RegisterTool adds a tool. Registering a name twice replaces the handler.
func (s *Server) RegisterTool(tool Tool, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[tool.Name]; !ok {
		s.tools = append(s.tools, tool)
	}
	s.handlers[tool.Name] = h
}

// Run serves until EOF or ctx is done. The context is checked between
// requests only.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.handle(ctx, line)
		if resp == nil {
			continue
		}
		if err := s.write(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	return nil
}

func (s *Server) handle(ctx context.Context, line []byte) *Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return &Response{JSONRPC: JSONRPCVersion, Error: NewError(ParseError, "parse error: "+err.Error())}
	}
	if req.JSONRPC != JSONRPCVersion {
		return &Response{JSONRPC: JSONRPCVersion, ID: req.ID, Error: NewError(InvalidRequest, `jsonrpc must be "2.0"`)}
	}

	result, err := s.dispatch(ctx, req.Method, req.Params)
	if req.ID == nil {
		return nil
	}
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = NewError(InternalError, err.Error())
		}
		s.log.Debug("request failed", zap.String("method", req.Method), zap.Error(err))
		return &Response{JSONRPC: JSONRPCVersion, ID: req.ID, Error: rpcErr}
	}
	return &Response{JSONRPC: JSONRPCVersion, ID: req.ID, Result: result}
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "initialize":
		var p InitializeParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, NewError(InvalidParams, "invalid params: "+err.Error())
			}
		}
		s.log.Info("client connected", zap.String("client", p.ClientInfo.Name), zap.String("protocol", p.ProtocolVersion))
		return InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    ServerCapabilities{Tools: &ToolsCapability{}},
			ServerInfo:      ServerInfo{Name: s.name, Version: s.version},
		}, nil
	case "notifications/initialized", "initialized":
		return nil, nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		s.mu.RLock()
		defer s.mu.RUnlock()
		return ToolsListResult{Tools: append([]Tool(nil), s.tools...)}, nil
	case "tools/call":
		return s.call(ctx, params)
	}
	return nil, NewError(MethodNotFound, "method not found: "+method)
}

func (s *Server) call(ctx context.Context, params json.RawMessage) (any, error) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewError(InvalidParams, "invalid params: "+err.Error())
	}
	s.mu.RLock()
	h, ok := s.handlers[p.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, NewError(MethodNotFound, "tool not found: "+p.Name)
	}

	out, err := h(ctx, p.Arguments)
	if err != nil {
		s.log.Info("tool failed", zap.String("tool", p.Name), zap.Error(err))
		return textResult(err.Error(), true), nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return textResult("marshal result: "+err.Error(), true), nil
	}
	return textResult(string(data), false), nil
}

func (s *Server) write(resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = s.out.Write(append(data, '\n'))
	return err
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
