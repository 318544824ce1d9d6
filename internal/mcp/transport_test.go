package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakeServer answers JSON-RPC over HTTP with canned method handlers.
func fakeServer(t *testing.T, handlers map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req JSONRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Notifications have no ID and expect no body.
		if req.ID == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		resp := JSONRPCResponse{JSONRPC: "2.0", ID: req.ID}
		if result, ok := handlers[req.Method]; ok {
			raw, _ := json.Marshal(result)
			resp.Result = raw
		} else {
			resp.Error = &JSONRPCError{Code: -32601, Message: "method not found"}
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestHTTPTransportCall(t *testing.T) {
	srv := fakeServer(t, map[string]any{
		"ping": map[string]string{"status": "ok"},
	})
	defer srv.Close()

	tr := NewHTTPTransport(&ServerConfig{ID: "t", Transport: TransportHTTP, URL: srv.URL})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Close()

	result, err := tr.Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed["status"] != "ok" {
		t.Errorf("result = %v", parsed)
	}
}

func TestHTTPTransportServerError(t *testing.T) {
	srv := fakeServer(t, nil)
	defer srv.Close()

	tr := NewHTTPTransport(&ServerConfig{ID: "t", Transport: TransportHTTP, URL: srv.URL})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Close()

	if _, err := tr.Call(context.Background(), "nope", nil); err == nil {
		t.Error("expected error for unknown method")
	}
}

func TestHTTPTransportNotConnected(t *testing.T) {
	tr := NewHTTPTransport(&ServerConfig{ID: "t", Transport: TransportHTTP, URL: "http://localhost:1"})
	if _, err := tr.Call(context.Background(), "ping", nil); err == nil {
		t.Error("call before connect must fail")
	}
}

func TestClientConnectAndCallTool(t *testing.T) {
	srv := fakeServer(t, map[string]any{
		"initialize": InitializeResult{
			ProtocolVersion: "2024-11-05",
			ServerInfo:      ServerInfo{Name: "fake", Version: "0.1"},
		},
		"tools/list": ListToolsResult{Tools: []*Tool{
			{Name: "echo", Description: "echoes input", InputSchema: json.RawMessage(`{"type":"object"}`)},
		}},
		"tools/call": ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: "hi"}}},
	})
	defer srv.Close()

	client := NewClient(&ServerConfig{ID: "fake", Transport: TransportHTTP, URL: srv.URL}, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if client.ServerInfo().Name != "fake" {
		t.Errorf("server info = %+v", client.ServerInfo())
	}

	tools := client.Tools()
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("tools = %+v", tools)
	}

	result, err := client.CallTool(context.Background(), "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if result.Text() != "hi" {
		t.Errorf("result text = %q", result.Text())
	}
}

func TestNewTransportSelection(t *testing.T) {
	if _, ok := NewTransport(&ServerConfig{Transport: TransportHTTP}).(*HTTPTransport); !ok {
		t.Error("http config should produce HTTPTransport")
	}
	if _, ok := NewTransport(&ServerConfig{Transport: TransportStdio}).(*StdioTransport); !ok {
		t.Error("stdio config should produce StdioTransport")
	}
}
