package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/companion/internal/rules"
	"github.com/xiy/companion/internal/store"
	"github.com/xiy/companion/pkg/types"
)

type fakeMemory struct {
	lastRecall types.RecallInput
}

func (f *fakeMemory) Remember(_ context.Context, in types.RememberInput) (types.RememberResult, error) {
	if strings.TrimSpace(in.UserMessage) == "" {
		return types.RememberResult{}, fmt.Errorf("%w: user_message must not be empty", types.ErrInvalidInput)
	}
	return types.RememberResult{Extracted: 1, Inserted: []string{"m1"}}, nil
}

func (f *fakeMemory) Recall(_ context.Context, in types.RecallInput) ([]types.ScoredMemory, error) {
	f.lastRecall = in
	return []types.ScoredMemory{{Record: types.MemoryRecord{ID: "m1", Content: "likes tea"}, Score: 0.8}}, nil
}

func (f *fakeMemory) ContextPack(context.Context, types.ContextPackInput) (types.ContextPack, error) {
	return types.ContextPack{Text: "[semantic] likes tea", MemoryIDs: []string{"m1"}}, nil
}

func (f *fakeMemory) UpdateImportance(_ context.Context, id string, v float64) (types.MemoryRecord, error) {
	return types.MemoryRecord{ID: id, Importance: v}, nil
}

type fakeStatuses struct {
	got []types.StatusRecord
}

func (f *fakeStatuses) Record(_ context.Context, typ types.StatusType, detail, source string) (types.StatusRecord, error) {
	rec := types.StatusRecord{Type: typ, Detail: detail, Source: source}
	f.got = append(f.got, rec)
	return rec, nil
}

func (f *fakeStatuses) RecordCommand(ctx context.Context, input string) (types.StatusRecord, error) {
	return f.Record(ctx, types.StatusMealLunch, input, "command")
}

type fakeRules struct{}

func (fakeRules) Rules() []rules.ProactiveRule { return rules.Defaults() }

func (fakeRules) Status(id string, _ time.Time) (rules.RuleStatus, error) {
	for _, r := range rules.Defaults() {
		if r.ID == id {
			return rules.RuleStatus{Rule: r}, nil
		}
	}
	return rules.RuleStatus{}, types.ErrNotFound
}

func (fakeRules) History(context.Context, string, int) ([]types.TriggerHistoryEntry, error) {
	return []types.TriggerHistoryEntry{{ID: "h1", RuleID: "idle_30min"}}, nil
}

type captureSink struct {
	rows []store.MCPRequestLog
}

func (c *captureSink) InsertMCPRequestLog(_ context.Context, rec store.MCPRequestLog) error {
	c.rows = append(c.rows, rec)
	return nil
}

func newTestServer(sink RequestLogSink) (*Server, *fakeMemory, *fakeStatuses) {
	mem := &fakeMemory{}
	sts := &fakeStatuses{}
	srv := NewServer(Backend{Memory: mem, Statuses: sts, Rules: fakeRules{}}, "companion", "test",
		log.NewWithOptions(io.Discard, log.Options{}), sink)
	return srv, mem, sts
}

func callTool(t *testing.T, srv *Server, name, args string) map[string]any {
	t.Helper()
	params := fmt.Sprintf(`{"name":%q,"arguments":%s}`, name, args)
	resp, ok := srv.handle(context.Background(), request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`7`),
		Method:  "tools/call",
		Params:  json.RawMessage(params),
	})
	if !ok {
		t.Fatal("expected response")
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	return result
}

func TestHandle_ToolsList(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(nil)

	resp, ok := srv.handle(context.Background(), request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/list"})
	if !ok {
		t.Fatal("expected response")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	tools, ok := result["tools"].([]ToolDefinition)
	if !ok {
		t.Fatalf("unexpected tools type %T", result["tools"])
	}
	for _, def := range tools {
		if _, ok := srv.tools[def.Name]; !ok {
			t.Fatalf("tool %s has no handler", def.Name)
		}
	}
	if len(tools) != len(srv.tools) {
		t.Fatalf("listed %d tools, %d handlers", len(tools), len(srv.tools))
	}
}

func TestHandle_NotificationGetsNoReply(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(nil)
	if _, ok := srv.handle(context.Background(), request{Method: "notifications/initialized"}); ok {
		t.Fatal("expected no reply to notification")
	}
	if _, ok := srv.handle(context.Background(), request{Method: "something/else"}); ok {
		t.Fatal("expected no reply to unknown notification")
	}
}

func TestToolCall_Recall(t *testing.T) {
	t.Parallel()
	srv, mem, _ := newTestServer(nil)

	result := callTool(t, srv, "memory_recall", `{"query":"tea","limit":3,"threshold":0}`)
	if result["isError"] != false {
		t.Fatalf("unexpected tool error: %v", result["content"])
	}
	items, ok := result["structuredContent"].([]types.ScoredMemory)
	if !ok || len(items) != 1 || items[0].Record.ID != "m1" {
		t.Fatalf("unexpected structured content %#v", result["structuredContent"])
	}
	if mem.lastRecall.Limit != 3 || mem.lastRecall.Threshold == nil || *mem.lastRecall.Threshold != 0 {
		t.Fatalf("recall input = %+v", mem.lastRecall)
	}
}

func TestToolCall_StatusRecord(t *testing.T) {
	t.Parallel()
	srv, _, sts := newTestServer(nil)

	if res := callTool(t, srv, "status_record", `{"command":"meal lunch noodles"}`); res["isError"] != false {
		t.Fatalf("command status failed: %v", res["content"])
	}
	if res := callTool(t, srv, "status_record", `{"type":"mood","detail":" tired "}`); res["isError"] != false {
		t.Fatalf("typed status failed: %v", res["content"])
	}
	if res := callTool(t, srv, "status_record", `{"type":"dance"}`); res["isError"] != true {
		t.Fatal("expected unknown status type to fail")
	}
	if len(sts.got) != 2 {
		t.Fatalf("recorded %d statuses, want 2", len(sts.got))
	}
	if sts.got[1].Type != types.StatusMood || sts.got[1].Detail != "tired" || sts.got[1].Source != "mcp" {
		t.Fatalf("typed status = %+v", sts.got[1])
	}
}

func TestToolCall_RulesList(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(nil)

	result := callTool(t, srv, "rules_list", `{}`)
	statuses, ok := result["structuredContent"].([]rules.RuleStatus)
	if !ok || len(statuses) != len(rules.Defaults()) {
		t.Fatalf("unexpected rules_list content %#v", result["structuredContent"])
	}
}

func TestToolCall_UnknownTool(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(nil)

	result := callTool(t, srv, "memory_promote", `{}`)
	if result["isError"] != true {
		t.Fatal("expected unknown tool to fail")
	}
	if got := srv.Snapshot()["errors"]; got != uint64(1) {
		t.Fatalf("error counter = %v, want 1", got)
	}
}

func TestConn_FramedRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := newConn(nil, &buf)
	if err := w.write(response{JSONRPC: "2.0", ID: 1, Result: map[string]any{"ok": true}}, wireModeFramed); err != nil {
		t.Fatalf("write() error = %v", err)
	}
	if !strings.HasPrefix(buf.String(), "Content-Length: ") {
		t.Fatalf("expected framed output, got %q", buf.String())
	}

	r := newConn(bytes.NewReader(buf.Bytes()), io.Discard)
	payload, mode, err := r.read()
	if err != nil {
		t.Fatalf("read() error = %v", err)
	}
	if mode != wireModeFramed {
		t.Fatalf("expected framed mode, got %v", mode)
	}
	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got["jsonrpc"] != "2.0" {
		t.Fatalf("expected jsonrpc 2.0, got %v", got["jsonrpc"])
	}
}

func TestConn_JSONLine(t *testing.T) {
	t.Parallel()
	c := newConn(strings.NewReader("\n\n{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n"), io.Discard)

	payload, mode, err := c.read()
	if err != nil {
		t.Fatalf("read() error = %v", err)
	}
	if mode != wireModeJSONLine {
		t.Fatalf("expected JSON-line mode, got %v", mode)
	}
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatalf("json.Unmarshal(payload) error = %v", err)
	}
	if req.Method != "ping" {
		t.Fatalf("expected method ping, got %q", req.Method)
	}
}

func TestServe_JSONLineInitialize(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(nil)

	in := bytes.NewBufferString("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"initialize\",\"params\":{\"protocolVersion\":\"2024-11-05\"}}\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	line := bytes.TrimSpace(out.Bytes())
	if bytes.Contains(line, []byte("Content-Length:")) {
		t.Fatalf("expected JSON-line response, got framed output: %q", string(line))
	}
	var resp struct {
		Result struct {
			ServerInfo struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("json.Unmarshal(response) error = %v", err)
	}
	if resp.Result.ServerInfo.Name != "companion" {
		t.Fatalf("server name = %q, want companion", resp.Result.ServerInfo.Name)
	}
}

func TestServe_LogsRequestEvents(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	srv, _, _ := newTestServer(sink)

	in := bytes.NewBufferString(
		"{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"tools/call\",\"params\":{\"name\":\"memory_remember\",\"arguments\":{\"user_message\":\"  \"}}}\n" +
			"not json\n" +
			"{\"jsonrpc\":\"2.0\",\"id\":2,\"method\":\"tools/call\",\"params\":{\"name\":\"trigger_history\",\"arguments\":{}}}\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	if len(sink.rows) != 3 {
		t.Fatalf("expected 3 request log rows, got %d", len(sink.rows))
	}
	first := sink.rows[0]
	if first.Method != "tools/call" || first.ToolName != "memory_remember" {
		t.Fatalf("unexpected first row %+v", first)
	}
	if first.Success || !strings.Contains(first.ErrorText, "invalid input") {
		t.Fatalf("expected failed remember, got %+v", first)
	}
	if sink.rows[1].Method != "parse_error" || sink.rows[1].Success {
		t.Fatalf("unexpected parse error row %+v", sink.rows[1])
	}
	if !sink.rows[2].Success || sink.rows[2].ToolName != "trigger_history" {
		t.Fatalf("unexpected last row %+v", sink.rows[2])
	}
}
