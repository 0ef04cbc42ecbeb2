package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/gateway"
	"github.com/basket/relay/internal/host"
	otelPkg "github.com/basket/relay/internal/otel"
)

// fakeHost stands in for the external agent-orchestration service.
type fakeHost struct {
	srv *httptest.Server

	registerStatus int
	registerBody   string
	relayStatus    int

	seenKeys  []string
	seenPaths []string
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	f := &fakeHost{
		registerStatus: http.StatusOK,
		registerBody:   `{"name":"coder","description":"writes code","icon":"gear"}`,
		relayStatus:    http.StatusOK,
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.seenKeys = append(f.seenKeys, r.Header.Get("X-API-Key"))
		f.seenPaths = append(f.seenPaths, r.URL.Path)
		switch r.URL.Path {
		case "/agents/register":
			w.WriteHeader(f.registerStatus)
			_, _ = w.Write([]byte(f.registerBody))
		case "/conversations":
			_, _ = w.Write([]byte(`{"name":"Planning session"}`))
		case "/messages":
			w.WriteHeader(f.relayStatus)
			_, _ = w.Write([]byte(`{"ack":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeHost) client() *host.Client {
	return host.NewClient(host.Config{BaseURL: f.srv.URL, Keys: host.NewKeyring("hk-1")})
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestAPI_TaskEventWebhook(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := postJSON(t, env.ts.URL+"/api/events/task", map[string]any{
		"id":        "t1",
		"contextId": "c1",
		"status":    "completed",
		"artifacts": []map[string]any{{"artifactId": "out", "content": "done"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var snap struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		Artifacts []any  `json:"artifacts"`
	}
	decodeBody(t, resp, &snap)
	if snap.ID != "t1" || snap.Status != "completed" || len(snap.Artifacts) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestAPI_TaskEventWebhookInvalid(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"missing fields", `{"id":"t1"}`},
		{"not json", `{nope`},
		{"empty id", `{"id":"","contextId":"c1","status":"x"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(env.ts.URL+"/api/events/task", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestAPI_ConversationLifecycle(t *testing.T) {
	fake := newFakeHost(t)
	env := newTestEnv(t, fake.client())

	// Host suggests the name when the client sends none.
	resp := postJSON(t, env.ts.URL+"/api/conversations", map[string]any{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var conv struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	decodeBody(t, resp, &conv)
	if conv.ID == "" || conv.Name != "Planning session" {
		t.Fatalf("conversation = %+v", conv)
	}

	// An explicit client name wins over the host suggestion.
	resp = postJSON(t, env.ts.URL+"/api/conversations", map[string]any{"name": "mine"})
	var named struct {
		Name string `json:"name"`
	}
	decodeBody(t, resp, &named)
	if named.Name != "mine" {
		t.Fatalf("name = %q, want mine", named.Name)
	}

	listResp, err := http.Get(env.ts.URL + "/api/conversations")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer listResp.Body.Close()
	var list struct {
		Conversations []any `json:"conversations"`
	}
	decodeBody(t, listResp, &list)
	if len(list.Conversations) != 2 {
		t.Fatalf("listed %d conversations, want 2", len(list.Conversations))
	}

	detailResp, err := http.Get(env.ts.URL + "/api/conversations/" + conv.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	defer detailResp.Body.Close()
	var detail struct {
		Conversation struct {
			ID string `json:"id"`
		} `json:"conversation"`
		Messages []any `json:"messages"`
		Tasks    []any `json:"tasks"`
	}
	decodeBody(t, detailResp, &detail)
	if detail.Conversation.ID != conv.ID {
		t.Fatalf("detail = %+v", detail)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/api/conversations/"+conv.ID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", delResp.StatusCode)
	}

	gone, err := http.Get(env.ts.URL + "/api/conversations/" + conv.ID)
	if err != nil {
		t.Fatalf("get deleted: %v", err)
	}
	defer gone.Body.Close()
	if gone.StatusCode != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", gone.StatusCode)
	}
}

func TestAPI_ConversationCreateSurvivesHostOutage(t *testing.T) {
	// Host gateway pointed at a dead address.
	dead := host.NewClient(host.Config{BaseURL: "http://127.0.0.1:1"})
	env := newTestEnv(t, dead)

	resp := postJSON(t, env.ts.URL+"/api/conversations", map[string]any{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var conv struct {
		Name string `json:"name"`
	}
	decodeBody(t, resp, &conv)
	if conv.Name != "New Conversation" {
		t.Fatalf("name = %q, want fallback", conv.Name)
	}
}

func TestAPI_MessageStoredAndRelayed(t *testing.T) {
	fake := newFakeHost(t)
	env := newTestEnv(t, fake.client())

	resp := postJSON(t, env.ts.URL+"/api/conversations", map[string]any{"name": "chat"})
	var conv struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &conv)

	content := []any{map[string]any{"type": "text", "text": "do the thing"}}
	resp = postJSON(t, env.ts.URL+"/api/conversations/"+conv.ID+"/messages", map[string]any{"content": content})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var created struct {
		Message struct {
			ID   string `json:"id"`
			Role string `json:"role"`
		} `json:"message"`
		Relay map[string]any `json:"relay"`
	}
	decodeBody(t, resp, &created)
	if created.Message.ID == "" || created.Message.Role != "user" {
		t.Fatalf("message = %+v", created.Message)
	}
	if created.Relay["ack"] != true {
		t.Fatalf("relay = %v", created.Relay)
	}
	if fake.seenPaths[len(fake.seenPaths)-1] != "/messages" {
		t.Fatalf("host saw paths %v", fake.seenPaths)
	}
}

func TestAPI_MessageSurvivesRelayFailure(t *testing.T) {
	fake := newFakeHost(t)
	fake.relayStatus = http.StatusInternalServerError
	env := newTestEnv(t, fake.client())

	resp := postJSON(t, env.ts.URL+"/api/conversations", map[string]any{"name": "chat"})
	var conv struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &conv)

	resp = postJSON(t, env.ts.URL+"/api/conversations/"+conv.ID+"/messages",
		map[string]any{"content": []any{map[string]any{"type": "text", "text": "hi"}}})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	var created struct {
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
		RelayStatus int `json:"relay_status"`
	}
	decodeBody(t, resp, &created)
	if created.RelayStatus != http.StatusInternalServerError {
		t.Fatalf("relay_status = %d, want 500", created.RelayStatus)
	}

	// The message is durable despite the failed relay.
	msgs, err := env.store.ListMessages(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != created.Message.ID {
		t.Fatalf("stored messages = %+v", msgs)
	}
}

func TestAPI_AgentRegistration(t *testing.T) {
	fake := newFakeHost(t)
	env := newTestEnv(t, fake.client())

	resp := postJSON(t, env.ts.URL+"/api/agents", map[string]any{"url": "https://agents.example/coder"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var agent struct {
		URL  string `json:"url"`
		Name string `json:"name"`
		Icon string `json:"icon"`
	}
	decodeBody(t, resp, &agent)
	if agent.Name != "coder" || agent.Icon != "gear" {
		t.Fatalf("agent = %+v, want host-enriched metadata", agent)
	}

	// Duplicate URL conflicts rather than upserting.
	resp = postJSON(t, env.ts.URL+"/api/agents", map[string]any{"url": "https://agents.example/coder"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}
}

func TestAPI_AgentRegistrationHostRejection(t *testing.T) {
	fake := newFakeHost(t)
	fake.registerStatus = http.StatusForbidden
	fake.registerBody = "bad key"
	env := newTestEnv(t, fake.client())

	resp := postJSON(t, env.ts.URL+"/api/agents", map[string]any{"url": "https://agents.example/x"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	var body struct {
		HostStatus int    `json:"host_status"`
		HostBody   string `json:"host_body"`
	}
	decodeBody(t, resp, &body)
	if body.HostStatus != http.StatusForbidden || body.HostBody != "bad key" {
		t.Fatalf("body = %+v, want verbatim host rejection", body)
	}

	agents, err := env.store.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 0 {
		t.Fatalf("agent stored despite host rejection: %+v", agents)
	}
}

func TestAPI_FileUploadAndDownload(t *testing.T) {
	env := newTestEnv(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("remember the milk"))
	_ = mw.Close()

	resp, err := http.Post(env.ts.URL+"/api/files", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d, want 201", resp.StatusCode)
	}
	var blob struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &blob)

	dl, err := http.Get(env.ts.URL + "/api/files/" + blob.ID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer dl.Body.Close()
	data, _ := io.ReadAll(dl.Body)
	if string(data) != "remember the milk" {
		t.Fatalf("downloaded %q", data)
	}

	missing, err := http.Get(env.ts.URL + "/api/files/nope")
	if err != nil {
		t.Fatalf("missing download: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", missing.StatusCode)
	}
}

func TestAPI_FileUploadTooLargeRejected(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *gateway.Config) {
		cfg.MaxUploadBytes = 1024
	})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "big.bin")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write(bytes.Repeat([]byte("x"), 2048))
	_ = mw.Close()

	resp, err := http.Post(env.ts.URL+"/api/files", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}

	// Nothing was stored truncated or otherwise.
	var count int
	if err := env.store.DB().QueryRowContext(context.Background(), `SELECT COUNT(*) FROM files;`).Scan(&count); err != nil {
		t.Fatalf("count files: %v", err)
	}
	if count != 0 {
		t.Fatalf("stored %d files, want 0", count)
	}
}

func TestAPI_KeyUpdateAppliesToNextHostCall(t *testing.T) {
	fake := newFakeHost(t)
	env := newTestEnv(t, fake.client())

	postJSON(t, env.ts.URL+"/api/conversations", map[string]any{"name": "a"})

	resp := postJSON(t, env.ts.URL+"/api/key", map[string]any{"api_key": "hk-2"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("key update status = %d, want 204", resp.StatusCode)
	}

	postJSON(t, env.ts.URL+"/api/conversations", map[string]any{"name": "b"})

	if len(fake.seenKeys) != 2 || fake.seenKeys[0] != "hk-1" || fake.seenKeys[1] != "hk-2" {
		t.Fatalf("host saw keys %v, want [hk-1 hk-2]", fake.seenKeys)
	}
}

func TestAPI_KeyUpdateAcceptsEmptyKey(t *testing.T) {
	fake := newFakeHost(t)
	env := newTestEnv(t, fake.client())

	resp := postJSON(t, env.ts.URL+"/api/key", map[string]any{"api_key": ""})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("empty key update status = %d, want 204", resp.StatusCode)
	}

	// With the key cleared, the next host call carries no credential.
	postJSON(t, env.ts.URL+"/api/conversations", map[string]any{"name": "a"})
	if len(fake.seenKeys) != 1 || fake.seenKeys[0] != "" {
		t.Fatalf("host saw keys %v, want one empty key", fake.seenKeys)
	}
}

func TestAPI_DomainEventsCountedOnPublish(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := otelPkg.NewMetrics(provider.Meter("gateway-test"))
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	fake := newFakeHost(t)
	env := newTestEnv(t, fake.client(), func(cfg *gateway.Config) {
		cfg.Metrics = metrics
	})

	resp := postJSON(t, env.ts.URL+"/api/conversations", map[string]any{"name": "counted"})
	var conv struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &conv)
	postJSON(t, env.ts.URL+"/api/conversations/"+conv.ID+"/messages",
		map[string]any{"content": []any{map[string]any{"type": "text", "text": "hi"}}})
	postJSON(t, env.ts.URL+"/api/agents", map[string]any{"url": "https://agents.example/counted"})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	var published int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "relayd.bus.published" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data shape %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				published += dp.Value
			}
		}
	}
	// conversation_created + new_message + agent_registered.
	if published != 3 {
		t.Fatalf("published counter = %d, want 3", published)
	}
}

func TestAPI_EndToEndFanOutOrdering(t *testing.T) {
	fake := newFakeHost(t)
	env := newTestEnv(t, fake.client())

	viewer := connectViewer(t, env)
	waitForSubscribers(t, env, 1)

	resp := postJSON(t, env.ts.URL+"/api/conversations", map[string]any{"name": "e2e"})
	var conv struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &conv)

	postJSON(t, env.ts.URL+"/api/conversations/"+conv.ID+"/messages",
		map[string]any{"content": []any{map[string]any{"type": "text", "text": "go"}}})

	postJSON(t, env.ts.URL+"/api/events/task", map[string]any{
		"id":        "task-e2e",
		"contextId": conv.ID,
		"status":    "completed",
		"artifacts": []map[string]any{{"artifactId": "result", "content": "answer"}},
	})

	wantTypes := []string{
		bus.TopicConversationCreated,
		bus.TopicNewMessage,
		bus.TopicTaskUpdated,
	}
	for i, want := range wantTypes {
		ev := readEvent(t, viewer)
		if ev.Type != want {
			t.Fatalf("event %d type = %q, want %q", i, ev.Type, want)
		}
		if want == bus.TopicTaskUpdated {
			var snap struct {
				Status    string `json:"status"`
				Artifacts []struct {
					ArtifactRef string `json:"artifact_ref"`
				} `json:"artifacts"`
			}
			if err := json.Unmarshal(ev.Data, &snap); err != nil {
				t.Fatalf("decode snapshot: %v", err)
			}
			if snap.Status != "completed" || len(snap.Artifacts) != 1 || snap.Artifacts[0].ArtifactRef != "result" {
				t.Fatalf("snapshot = %+v", snap)
			}
		}
	}
}

func TestAPI_Healthz(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Healthy bool `json:"healthy"`
	}
	decodeBody(t, resp, &body)
	if !body.Healthy {
		t.Fatal("healthy = false")
	}
}
