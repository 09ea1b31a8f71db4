package judgeclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"judgedispatch/internal/dispatcher/model"
	appErr "judgedispatch/pkg/errors"
)

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func testNode(server *httptest.Server) *model.Node {
	return &model.Node{ID: 1, Address: server.URL, Token: "secret", RuntimeMultiplier: 2}
}

func testRequest() *Request {
	return &Request{ID: 42, Language: "cpp", Code: "int main(){}", Fingerprint: NewFingerprint(), Cases: []string{"a", "b"}}
}

func TestDecodeReply(t *testing.T) {
	cases := []struct {
		name string
		body string
		code appErr.ErrorCode
	}{
		{name: "invalid json", body: "{", code: appErr.MalformedResponse},
		{name: "missing status", body: `{"verdict":0}`, code: appErr.MalformedResponse},
		{name: "unknown status", body: `{"status":"maybe","verdict":0}`, code: appErr.MalformedResponse},
		{name: "received without verdict", body: `{"status":"received"}`, code: appErr.MalformedResponse},
		{name: "unknown verdict", body: `{"status":"received","verdict":8}`, code: appErr.MalformedResponse},
		{name: "reject", body: `{"status":"reject","message":"busy"}`, code: appErr.RemoteReject},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeReply([]byte(tc.body))
			if !appErr.Is(err, tc.code) {
				t.Fatalf("expected code %d, got %v", tc.code, err)
			}
		})
	}

	reply, err := DecodeReply([]byte(`{"status":"received","verdict":0,"detail":[{"verdict":0,"time":0.5}],"time":0.5,"memory":12}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reply.Judged() || reply.ReceivedAt.IsZero() || len(reply.Details) != 1 {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestJudgeBlocking(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "ejudge" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Hold {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"status":"received","verdict":0,"detail":[{"verdict":0,"time":2},{"verdict":0,"time":1}],"time":2}`)
	}))
	defer server.Close()

	client := newTestClient(t, Config{Transport: TransportBlocking})
	reply, err := client.Judge(context.Background(), testNode(server), testRequest())
	if err != nil {
		t.Fatalf("judge: %v", err)
	}
	if reply.Verdict != model.StatusAccepted {
		t.Fatalf("unexpected verdict %s", reply.Verdict)
	}
	if reply.Details[0].Time != 1 || reply.Time != 1 {
		t.Fatalf("times should be divided by the node multiplier, got %+v", reply)
	}
}

func TestWatchPollsUntilFinal(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/judge":
			_, _ = io.WriteString(w, `{"status":"received"}`)
		case "/query":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["fingerprint"] == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if atomic.AddInt32(&polls, 1) < 3 {
				_, _ = io.WriteString(w, `{"status":"received","verdict":-2,"detail":[{"verdict":0}]}`)
				return
			}
			_, _ = io.WriteString(w, `{"status":"received","verdict":-1,"detail":[{"verdict":0},{"verdict":-1}]}`)
		}
	}))
	defer server.Close()

	client := newTestClient(t, Config{})
	var partials int
	reply, err := client.Watch(context.Background(), testNode(server), testRequest(), func(r *Reply) PollDecision {
		if DefaultHandler(r) == Final {
			return Final
		}
		partials++
		return Partial
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if reply.Verdict != model.StatusWrongAnswer {
		t.Fatalf("unexpected verdict %s", reply.Verdict)
	}
	if partials != 2 {
		t.Fatalf("expected 2 partial replies, got %d", partials)
	}
}

func TestDispatchFallsBackToBlocking(t *testing.T) {
	var holds int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/judge" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Hold {
			_, _ = io.WriteString(w, `{"status":"reject","message":"poll unsupported"}`)
			return
		}
		atomic.AddInt32(&holds, 1)
		_, _ = io.WriteString(w, `{"status":"received","verdict":0}`)
	}))
	defer server.Close()

	client := newTestClient(t, Config{})
	finals := 0
	reply, err := client.Dispatch(context.Background(), testNode(server), testRequest(), func(r *Reply) PollDecision {
		finals++
		return Final
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if reply.Verdict != model.StatusAccepted || atomic.LoadInt32(&holds) != 1 || finals != 1 {
		t.Fatalf("unexpected fallback outcome verdict=%s holds=%d finals=%d", reply.Verdict, holds, finals)
	}

	noFallback := newTestClient(t, Config{DisableFallback: true})
	if _, err := noFallback.Dispatch(context.Background(), testNode(server), testRequest(), nil); !appErr.Is(err, appErr.RemoteReject) {
		t.Fatalf("expected remote reject without fallback, got %v", err)
	}
}

func TestJudgeTimeoutAndHTTPError(t *testing.T) {
	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(block)

	client := newTestClient(t, Config{Transport: TransportBlocking, JudgeTimeout: 50 * time.Millisecond})
	if _, err := client.Judge(context.Background(), testNode(slow), testRequest()); !appErr.Is(err, appErr.JudgeTimeout) {
		t.Fatalf("expected judge timeout, got %v", err)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()
	if _, err := client.Judge(context.Background(), testNode(broken), testRequest()); !appErr.Is(err, appErr.RemoteReject) {
		t.Fatalf("expected remote reject on http 500, got %v", err)
	}
}

func TestUploadAndPing(t *testing.T) {
	var uploaded []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/upload/7":
			uploaded, _ = io.ReadAll(r.Body)
			_, _ = io.WriteString(w, `{"status":"received"}`)
		case "/upload/checker":
			_, _ = io.WriteString(w, `{"status":"reject","message":"compile failed"}`)
		case "/ping":
			_, _ = io.WriteString(w, "pong")
		case "/info":
			_, _ = io.WriteString(w, `{"version":"1.4.2"}`)
		case "/config/token":
			_, _ = io.WriteString(w, `{"status":"received"}`)
		}
	}))
	defer server.Close()

	client := newTestClient(t, Config{})
	node := testNode(server)
	ctx := context.Background()
	if err := client.Upload(ctx, node, 7, []byte("zipdata")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if string(uploaded) != "zipdata" {
		t.Fatalf("unexpected uploaded body %q", uploaded)
	}
	err := client.UploadSpecialProgram(ctx, node, &model.SpecialProgram{Fingerprint: "chk", Kind: model.ProgramChecker, Language: "cpp", Code: "x"})
	if !appErr.Is(err, appErr.SyncFailure) {
		t.Fatalf("expected sync failure, got %v", err)
	}
	version, err := client.Ping(ctx, node)
	if err != nil || version != "1.4.2" {
		t.Fatalf("ping: version=%q err=%v", version, err)
	}
	if err := client.UpdateToken(ctx, node, "next"); err != nil {
		t.Fatalf("update token: %v", err)
	}
}
