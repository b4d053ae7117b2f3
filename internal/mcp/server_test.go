// ABOUTME: Tests for the MCP HTTP endpoint: auth handling, dispatch, envelopes and id echoing.
// ABOUTME: Uses a stub verifier and the builtin registry behind httptest recorders.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/arith-gateway/internal/identity"
	"github.com/2389/arith-gateway/internal/observability"
	"github.com/2389/arith-gateway/internal/tools"
)

const (
	goodToken       = "good-token"
	providerDownTok = "provider-down"
	resourceURL     = "https://arith.example.com/.well-known/oauth-protected-resource"
)

// stubVerifier accepts goodToken and counts calls.
type stubVerifier struct {
	calls atomic.Int32
}

func (v *stubVerifier) Verify(_ context.Context, token string) (*identity.Identity, error) {
	v.calls.Add(1)
	switch token {
	case goodToken:
		return &identity.Identity{Subject: "user-123"}, nil
	case providerDownTok:
		return nil, &identity.VerificationError{Reason: "identity provider unavailable", Err: identity.ErrProviderUnavailable}
	default:
		return nil, &identity.VerificationError{Reason: "invalid token signature", Err: identity.ErrInvalidSignature}
	}
}

func newTestServer(t *testing.T, mutate ...func(*Config)) (*Server, *stubVerifier) {
	t.Helper()
	verifier := &stubVerifier{}
	cfg := Config{
		Registry:            tools.Builtin(),
		Verifier:            verifier,
		Metrics:             observability.NewMetrics("test"),
		ServerName:          "arith-gateway",
		ServerVersion:       "1.2.3",
		ResourceMetadataURL: func() string { return resourceURL },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return srv, verifier
}

func post(t *testing.T, srv http.Handler, authHeader, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	return rr
}

func call(t *testing.T, srv http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	return post(t, srv, "Bearer "+goodToken, body)
}

// testResponse mirrors Response with a raw result for inspection.
type testResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) testResponse {
	t.Helper()
	var resp testResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), "body: %s", rr.Body.String())
	return resp
}

func idOf(resp testResponse) string {
	if len(resp.ID) == 0 {
		return "null"
	}
	return string(resp.ID)
}

type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func decodeToolResult(t *testing.T, resp testResponse) toolResult {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error: %+v", resp.Error)
	var res toolResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.Len(t, res.Content, 1)
	return res
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{Verifier: &stubVerifier{}})
	assert.Error(t, err)

	_, err = NewServer(Config{Registry: tools.Builtin()})
	assert.Error(t, err)
}

func TestMissingAuthorization(t *testing.T) {
	srv, verifier := newTestServer(t)

	rr := post(t, srv, "", `{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"add","arguments":{"a":2,"b":3}}}`)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rr.Body.String())
	assert.Equal(t, `Bearer resource_metadata="`+resourceURL+`"`, rr.Header().Get("WWW-Authenticate"))
	assert.Equal(t, int32(0), verifier.calls.Load(), "verifier must not run without a token")
}

func TestInvalidToken(t *testing.T) {
	t.Run("rejected by verifier", func(t *testing.T) {
		srv, verifier := newTestServer(t)
		rr := post(t, srv, "Bearer forged", `{"method":"tools/list","id":5}`)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
		resp := decode(t, rr)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInvalidToken, resp.Error.Code)
		assert.Equal(t, "invalid token", resp.Error.Message)
		assert.Equal(t, "null", idOf(resp))
		assert.Nil(t, resp.Result)
		assert.Equal(t, int32(1), verifier.calls.Load())
	})

	t.Run("malformed header", func(t *testing.T) {
		srv, verifier := newTestServer(t)
		rr := post(t, srv, "Basic dXNlcjpwYXNz", `{"method":"tools/list","id":5}`)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		resp := decode(t, rr)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInvalidToken, resp.Error.Code)
		assert.Equal(t, int32(0), verifier.calls.Load())
	})

	t.Run("debug errors include detail", func(t *testing.T) {
		srv, _ := newTestServer(t, func(c *Config) { c.DebugErrors = true })
		resp := decode(t, post(t, srv, "Bearer forged", `{"method":"ping"}`))
		require.NotNil(t, resp.Error)
		assert.Contains(t, resp.Error.Message, "invalid token: ")
		assert.Contains(t, resp.Error.Message, "signature")
	})

	t.Run("no resource metadata url", func(t *testing.T) {
		srv, _ := newTestServer(t, func(c *Config) { c.ResourceMetadataURL = nil })
		rr := post(t, srv, "Bearer forged", `{"method":"ping"}`)
		assert.Equal(t, "Bearer", rr.Header().Get("WWW-Authenticate"))
	})

	t.Run("provider unavailable", func(t *testing.T) {
		srv, _ := newTestServer(t)
		rr := post(t, srv, "Bearer "+providerDownTok, `{"method":"ping"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		resp := decode(t, rr)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInternalError, resp.Error.Code)
	})
}

func TestToolsList(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := call(t, srv, `{"jsonrpc":"2.0","method":"tools/list","id":1}`)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode(t, rr)
	require.Nil(t, resp.Error)

	var result struct {
		Tools []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			InputSchema struct {
				Type       string                       `json:"type"`
				Required   []string                     `json:"required"`
				Properties map[string]map[string]string `json:"properties"`
			} `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.Description)
		assert.Equal(t, "object", tool.InputSchema.Type)
		assert.ElementsMatch(t, []string{"a", "b"}, tool.InputSchema.Required)
		assert.Equal(t, "number", tool.InputSchema.Properties["a"]["type"])
		assert.Equal(t, "number", tool.InputSchema.Properties["b"]["type"])
	}
	assert.Equal(t, []string{"add", "subtract", "multiply", "divide"}, names)
}

func TestToolsList_ReflectsRegistry(t *testing.T) {
	reg, err := tools.NewRegistry(tools.NewBinaryDescriptor("scale", "Scale a by b", func(a, b float64) tools.Outcome {
		return tools.Ok(a * b)
	}))
	require.NoError(t, err)
	srv, _ := newTestServer(t, func(c *Config) { c.Registry = reg })

	resp := decode(t, call(t, srv, `{"method":"tools/list","id":1}`))
	assert.Contains(t, string(resp.Result), `"scale"`)
	assert.NotContains(t, string(resp.Result), `"add"`)
}

func TestToolsCall_Add(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := call(t, srv, `{"method":"tools/call","id":1,"params":{"name":"add","arguments":{"a":2,"b":3}}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	resp := decode(t, rr)
	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Equal(t, "1", idOf(resp))
	res := decodeToolResult(t, resp)
	assert.Equal(t, "text", res.Content[0].Type)
	assert.Equal(t, "5", res.Content[0].Text)
	assert.False(t, res.IsError)
}

func TestToolsCall_DivideByZero(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := call(t, srv, `{"method":"tools/call","id":2,"params":{"name":"divide","arguments":{"a":1,"b":0}}}`)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode(t, rr)
	assert.Equal(t, "2", idOf(resp))
	assert.Nil(t, resp.Error, "division by zero is not a protocol error")
	res := decodeToolResult(t, resp)
	assert.Equal(t, "Division by zero", res.Content[0].Text)
	assert.True(t, res.IsError)
}

func TestToolsCall_Divide(t *testing.T) {
	srv, _ := newTestServer(t)
	cases := []struct {
		a, b float64
		want string
	}{
		{1, 2, "0.5"},
		{-9, 3, "-3"},
		{0, 7, "0"},
		{7.5, 2.5, "3"},
	}
	for _, tc := range cases {
		body := fmt.Sprintf(`{"method":"tools/call","id":3,"params":{"name":"divide","arguments":{"a":%v,"b":%v}}}`, tc.a, tc.b)
		res := decodeToolResult(t, decode(t, call(t, srv, body)))
		assert.Equal(t, tc.want, res.Content[0].Text)
		assert.False(t, res.IsError)
	}

	for _, a := range []string{"0", "1", "-42.5", "1e300"} {
		body := `{"method":"tools/call","id":4,"params":{"name":"divide","arguments":{"a":` + a + `,"b":0}}}`
		res := decodeToolResult(t, decode(t, call(t, srv, body)))
		assert.True(t, res.IsError)
		assert.Equal(t, "Division by zero", res.Content[0].Text)
	}
}

func TestToolsCall_UnknownTool(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := call(t, srv, `{"method":"tools/call","id":"req-9","params":{"name":"modulo","arguments":{"a":1,"b":2}}}`)
	assert.Equal(t, http.StatusOK, rr.Code)

	resp := decode(t, rr)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, `"req-9"`, idOf(resp))
	assert.Nil(t, resp.Result)
}

func TestToolsCall_InvalidParams(t *testing.T) {
	srv, _ := newTestServer(t)
	bodies := map[string]string{
		"string operand":  `{"method":"tools/call","id":1,"params":{"name":"add","arguments":{"a":"2","b":3}}}`,
		"missing operand": `{"method":"tools/call","id":1,"params":{"name":"add","arguments":{"a":2}}}`,
		"extra operand":   `{"method":"tools/call","id":1,"params":{"name":"add","arguments":{"a":2,"b":3,"c":4}}}`,
		"no arguments":    `{"method":"tools/call","id":1,"params":{"name":"add"}}`,
		"arguments array": `{"method":"tools/call","id":1,"params":{"name":"add","arguments":[2,3]}}`,
		"missing name":    `{"method":"tools/call","id":1,"params":{"arguments":{"a":2,"b":3}}}`,
		"no params":       `{"method":"tools/call","id":1}`,
		"params string":   `{"method":"tools/call","id":1,"params":"add"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			rr := call(t, srv, body)
			assert.Equal(t, http.StatusOK, rr.Code)
			resp := decode(t, rr)
			require.NotNil(t, resp.Error)
			assert.Equal(t, CodeInvalidParams, resp.Error.Code)
			assert.Equal(t, "1", idOf(resp))
		})
	}
}

func TestIDEcho(t *testing.T) {
	srv, _ := newTestServer(t)

	ids := map[string]struct {
		field string
		want  string
	}{
		"string": {`"id":"abc-123",`, `"abc-123"`},
		"number": {`"id":42,`, `42`},
		"float":  {`"id":1.5,`, `1.5`},
		"null":   {`"id":null,`, `null`},
		"absent": {``, `null`},
	}
	bodies := map[string]string{
		"success":        `"method":"tools/call","params":{"name":"multiply","arguments":{"a":2,"b":4}}`,
		"domain error":   `"method":"tools/call","params":{"name":"divide","arguments":{"a":2,"b":0}}`,
		"protocol error": `"method":"tools/call","params":{"name":"nope","arguments":{"a":2,"b":0}}`,
		"bad params":     `"method":"tools/call","params":{"name":"add","arguments":{"a":true,"b":0}}`,
		"unknown method": `"method":"resources/list"`,
		"ping":           `"method":"ping"`,
		"notification":   `"method":"notifications/initialized"`,
	}

	for idName, id := range ids {
		for bodyName, rest := range bodies {
			if idName == "absent" && bodyName == "notification" {
				// a real notification gets no envelope
				continue
			}
			t.Run(idName+"/"+bodyName, func(t *testing.T) {
				resp := decode(t, call(t, srv, "{"+id.field+rest+"}"))
				assert.Equal(t, id.want, idOf(resp))
				assert.True(t, (resp.Error == nil) != (resp.Result == nil), "exactly one of result and error must be set")
			})
		}
	}
}

func TestMalformedRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantRPC  int
		wantID   string
	}{
		{"invalid json", `{"method":`, http.StatusBadRequest, CodeParseError, "null"},
		{"empty body", ``, http.StatusBadRequest, CodeParseError, "null"},
		{"batch", `[{"method":"ping","id":1}]`, http.StatusBadRequest, CodeInvalidRequest, "null"},
		{"scalar", `42`, http.StatusBadRequest, CodeInvalidRequest, "null"},
		{"object id", `{"method":"ping","id":{"x":1}}`, http.StatusBadRequest, CodeInvalidRequest, "null"},
		{"bool id", `{"method":"ping","id":true}`, http.StatusBadRequest, CodeInvalidRequest, "null"},
		{"missing method", `{"id":7}`, http.StatusBadRequest, CodeInvalidRequest, "7"},
		{"empty method", `{"id":7,"method":""}`, http.StatusBadRequest, CodeInvalidRequest, "7"},
		{"numeric method", `{"id":7,"method":3}`, http.StatusBadRequest, CodeInvalidRequest, "7"},
		{"wrong version", `{"jsonrpc":"1.0","id":"v","method":"ping"}`, http.StatusBadRequest, CodeInvalidRequest, `"v"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := call(t, srv, tt.body)
			assert.Equal(t, tt.wantCode, rr.Code)
			resp := decode(t, rr)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantRPC, resp.Error.Code)
			assert.Equal(t, tt.wantID, idOf(resp))
		})
	}
}

func TestMissingJSONRPCVersionIsAccepted(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := call(t, srv, `{"method":"ping","id":1}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, rr.Body.String())
}

func TestUnknownMethod(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := decode(t, call(t, srv, `{"jsonrpc":"2.0","method":"prompts/list","id":3}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "3", idOf(resp))
}

func TestInitialize(t *testing.T) {
	srv, _ := newTestServer(t)
	body := `{"jsonrpc":"2.0","method":"initialize","id":1,"params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"0"}}}`

	first := call(t, srv, body)
	second := call(t, srv, body)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, first.Body.String(), second.Body.String(), "initialize must be idempotent")

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		Capabilities    struct {
			Tools map[string]any `json:"tools"`
		} `json:"capabilities"`
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(decode(t, first).Result, &result))
	assert.Equal(t, "2025-03-26", result.ProtocolVersion)
	assert.NotNil(t, result.Capabilities.Tools)
	assert.Equal(t, "arith-gateway", result.ServerInfo.Name)
	assert.Equal(t, "1.2.3", result.ServerInfo.Version)

	t.Run("unknown version falls back to latest", func(t *testing.T) {
		resp := decode(t, call(t, srv, `{"method":"initialize","id":1,"params":{"protocolVersion":"1999-01-01"}}`))
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		assert.Equal(t, latestProtocolVersion, result.ProtocolVersion)
	})

	t.Run("no params", func(t *testing.T) {
		resp := decode(t, call(t, srv, `{"method":"initialize","id":1}`))
		require.Nil(t, resp.Error)
	})

	t.Run("no session header", func(t *testing.T) {
		assert.Empty(t, first.Header().Get("Mcp-Session-Id"))
	})
}

func TestNotificationsAccepted(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := call(t, srv, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Empty(t, rr.Body.String())

	for _, id := range []string{`9`, `"n-1"`, `null`} {
		t.Run("with id "+id, func(t *testing.T) {
			rr := call(t, srv, `{"jsonrpc":"2.0","id":`+id+`,"method":"notifications/initialized"}`)
			assert.Equal(t, http.StatusOK, rr.Code)
			resp := decode(t, rr)
			assert.Equal(t, id, idOf(resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, verifier := newTestServer(t)
	for _, method := range []string{http.MethodGet, http.MethodDelete, http.MethodPut} {
		req := httptest.NewRequest(method, "/mcp", nil)
		rr := httptest.NewRecorder()
		srv.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
		assert.Equal(t, http.MethodPost, rr.Header().Get("Allow"))
	}
	assert.Equal(t, int32(0), verifier.calls.Load())
}

func TestBodyTooLarge(t *testing.T) {
	srv, _ := newTestServer(t, func(c *Config) { c.MaxBodyBytes = 64 })
	body := `{"method":"ping","id":1,"params":{"pad":"` + strings.Repeat("x", 128) + `"}}`

	rr := call(t, srv, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	resp := decode(t, rr)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestPanicIsConvertedToInternalError(t *testing.T) {
	reg, err := tools.NewRegistry(tools.NewBinaryDescriptor("explode", "always panics", func(a, b float64) tools.Outcome {
		panic("boom")
	}))
	require.NoError(t, err)
	srv, _ := newTestServer(t, func(c *Config) { c.Registry = reg })

	rr := call(t, srv, `{"method":"tools/call","id":"p1","params":{"name":"explode","arguments":{"a":1,"b":2}}}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	resp := decode(t, rr)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
	assert.Equal(t, `"p1"`, idOf(resp))
	assert.NotContains(t, resp.Error.Message, "boom")

	// The server keeps serving after a panic.
	rr = call(t, srv, `{"method":"ping","id":2}`)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestConcurrentCalls(t *testing.T) {
	srv, _ := newTestServer(t)

	var wg sync.WaitGroup
	errs := make(chan string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"method":"tools/call","id":%d,"params":{"name":"add","arguments":{"a":%d,"b":1}}}`, n, n)
			req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
			req.Header.Set("Authorization", "Bearer "+goodToken)
			rr := httptest.NewRecorder()
			srv.ServeHTTP(rr, req)

			var resp testResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				errs <- err.Error()
				return
			}
			if string(resp.ID) != fmt.Sprint(n) {
				errs <- fmt.Sprintf("id mismatch: got %s want %d", resp.ID, n)
				return
			}
			if !strings.Contains(string(resp.Result), fmt.Sprintf(`"text":"%d"`, n+1)) {
				errs <- fmt.Sprintf("wrong result for %d: %s", n, resp.Result)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Error(e)
	}
}

func TestParseRequest_HasID(t *testing.T) {
	tests := []struct {
		body   string
		hasID  bool
		notify bool
	}{
		{`{"method":"notifications/initialized"}`, false, true},
		{`{"id":null,"method":"notifications/initialized"}`, true, false},
		{`{"id":3,"method":"notifications/cancelled"}`, true, false},
		{`{"method":"ping"}`, false, false},
	}
	for _, tt := range tests {
		req, err := parseRequest([]byte(tt.body))
		require.NoError(t, err)
		assert.Equal(t, tt.hasID, req.HasID, tt.body)
		assert.Equal(t, tt.notify, req.IsNotification(), tt.body)
	}
}
