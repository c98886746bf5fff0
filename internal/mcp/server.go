// Package mcp exposes the companion core as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/companion/internal/rules"
	"github.com/xiy/companion/internal/store"
	"github.com/xiy/companion/pkg/types"
)

const jsonRPCVersion = "2.0"

// Memory is the conversation memory surface.
type Memory interface {
	Remember(ctx context.Context, in types.RememberInput) (types.RememberResult, error)
	Recall(ctx context.Context, in types.RecallInput) ([]types.ScoredMemory, error)
	ContextPack(ctx context.Context, in types.ContextPackInput) (types.ContextPack, error)
	UpdateImportance(ctx context.Context, id string, value float64) (types.MemoryRecord, error)
}

// Statuses records user status events.
type Statuses interface {
	Record(ctx context.Context, typ types.StatusType, detail, source string) (types.StatusRecord, error)
	RecordCommand(ctx context.Context, input string) (types.StatusRecord, error)
}

// Rules reports rule configuration, cooldowns and trigger history.
type Rules interface {
	Rules() []rules.ProactiveRule
	Status(id string, now time.Time) (rules.RuleStatus, error)
	History(ctx context.Context, ruleID string, limit int) ([]types.TriggerHistoryEntry, error)
}

// RequestLogSink receives summarized MCP request events.
type RequestLogSink interface {
	InsertMCPRequestLog(ctx context.Context, rec store.MCPRequestLog) error
}

// Backend groups the services behind the tools.
type Backend struct {
	Memory   Memory
	Statuses Statuses
	Rules    Rules
}

// Server handles MCP JSON-RPC messages over stdio.
type Server struct {
	backend Backend
	name    string
	version string
	logger  *log.Logger
	sink    RequestLogSink
	tools   map[string]toolHandler

	requests atomic.Uint64
	errors   atomic.Uint64
}

// NewServer creates an MCP server. sink may be nil.
func NewServer(backend Backend, name, version string, logger *log.Logger, sink RequestLogSink) *Server {
	s := &Server{
		backend: backend,
		name:    name,
		version: version,
		logger:  logger.With("component", "mcp"),
		sink:    sink,
	}
	s.tools = s.handlers()
	return s
}

// Serve handles requests until in reaches EOF or ctx is done.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	c := newConn(in, out)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		payload, mode, err := c.read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logger.Warn("invalid JSON-RPC request", "error", err)
			resp := errorResponse(nil, -32700, "parse error", err.Error())
			s.recordRequest(ctx, request{Method: "parse_error"}, resp, 0)
			if werr := c.write(resp, mode); werr != nil {
				return werr
			}
			continue
		}

		started := time.Now()
		resp, reply := s.handle(ctx, req)
		s.recordRequest(ctx, req, resp, time.Since(started))
		if !reply {
			continue
		}
		if err := c.write(resp, mode); err != nil {
			return err
		}
	}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) handle(ctx context.Context, req request) (response, bool) {
	s.requests.Add(1)
	hasID := len(req.ID) > 0
	id := decodeID(req.ID)

	switch req.Method {
	case "notifications/initialized":
		return response{}, false
	case "initialize":
		var p struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(req.Params, &p)
		pv := strings.TrimSpace(p.ProtocolVersion)
		if pv == "" {
			pv = "2024-11-05"
		}
		return result(id, map[string]any{
			"protocolVersion": pv,
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
			"serverInfo":      map[string]any{"name": s.name, "version": s.version},
		}), hasID
	case "ping":
		return result(id, map[string]any{}), hasID
	case "tools/list":
		return result(id, map[string]any{"tools": toolDefinitions()}), hasID
	case "tools/call":
		res, err := s.callTool(ctx, req.Params)
		if err != nil {
			s.errors.Add(1)
			return result(id, map[string]any{
				"content": []map[string]any{{"type": "text", "text": err.Error()}},
				"isError": true,
			}), hasID
		}
		return result(id, res), hasID
	default:
		if !hasID {
			return response{}, false
		}
		return errorResponse(id, -32601, "method not found", req.Method), true
	}
}

func (s *Server) recordRequest(ctx context.Context, req request, resp response, duration time.Duration) {
	if s.sink == nil {
		return
	}
	rec := store.MCPRequestLog{
		Method:     strings.TrimSpace(req.Method),
		ToolName:   toolNameFromParams(req.Method, req.Params),
		Success:    responseSuccessful(resp),
		ErrorText:  responseErrorText(resp),
		DurationMS: duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if rec.Method == "" {
		rec.Method = "unknown"
	}
	if err := s.sink.InsertMCPRequestLog(ctx, rec); err != nil {
		s.logger.Warn("failed to persist MCP request log", "error", err)
	}
}

func toolNameFromParams(method string, params json.RawMessage) string {
	if method != "tools/call" || len(params) == 0 {
		return ""
	}
	var in struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return ""
	}
	return strings.TrimSpace(in.Name)
}

// toolError reports whether resp is a failed tool call, and its text.
func toolError(resp response) (string, bool) {
	res, ok := resp.Result.(map[string]any)
	if !ok {
		return "", false
	}
	if isErr, _ := res["isError"].(bool); !isErr {
		return "", false
	}
	content, _ := res["content"].([]map[string]any)
	if len(content) > 0 {
		if text, _ := content[0]["text"].(string); strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text), true
		}
	}
	return "tool call failed", true
}

func responseSuccessful(resp response) bool {
	if resp.Error != nil {
		return false
	}
	_, failed := toolError(resp)
	return !failed
}

func responseErrorText(resp response) string {
	if resp.Error != nil {
		return strings.TrimSpace(resp.Error.Message)
	}
	text, _ := toolError(resp)
	return text
}

func result(id, v any) response {
	return response{JSONRPC: jsonRPCVersion, ID: id, Result: v}
}

func errorResponse(id any, code int, msg string, data any) response {
	return response{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &rpcError{Code: code, Message: msg, Data: data},
	}
}

func decodeID(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// Snapshot returns server counters for dashboards.
func (s *Server) Snapshot() map[string]any {
	return map[string]any{
		"requests": s.requests.Load(),
		"errors":   s.errors.Load(),
		"ts":       time.Now().UTC(),
	}
}
