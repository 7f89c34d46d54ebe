package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/time/rate"

	"github.com/nuetzliches/remoteaccess/internal/client"
	"github.com/nuetzliches/remoteaccess/internal/command"
	"github.com/nuetzliches/remoteaccess/internal/dispatch"
	"github.com/nuetzliches/remoteaccess/internal/envelope"
	"github.com/nuetzliches/remoteaccess/internal/keys"
	"github.com/nuetzliches/remoteaccess/internal/store"
)

const (
	adminKey = "gfi4o3uthb3u4ytb43jutberkjgbnerjgergjklnwerjkgerg"
	listKey  = "t9834hguiernui34ht3hntoiju50234roietjoiawejglaertnaotjheriuthnerkgneraiogjero"
)

type testEnv struct {
	store   *store.MemoryStore
	handler *Handler
	logs    *bytes.Buffer
	server  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore(
		store.WithQueueSize(12),
		store.WithList(44, map[string]string{
			store.SettingRemoteAccessKeys: "\r\n" + listKey + "\r\n",
			"writers":                     "old@example.com",
		}),
		store.WithList(5, map[string]string{"writers": "b\na\nb"}),
	)
	if err := st.SetOption(context.Background(), store.OptionRemoteAccessKeys, adminKey); err != nil {
		t.Fatalf("seed admin key: %v", err)
	}

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	codec := envelope.NewCodec(envelope.SchemeCompat)
	h := NewHandler(keys.NewResolver(st, st), codec, dispatch.New(st, st, st, logger), logger)

	srv := httptest.NewServer(Endpoint(h))
	t.Cleanup(srv.Close)
	return &testEnv{store: st, handler: h, logs: logs, server: srv}
}

func TestEndToEnd_ListKey(t *testing.T) {
	env := newTestEnv(t)

	call := client.NewCall(env.server.URL, listKey, 44)
	updateID := call.Add(command.NewUpdateSetting(44, "writers", "it@example.com"))
	appendID := call.Add(command.NewAppendSetting(44, "writers", "\ninfo@example.com\nit@example.com"))
	uniqID := call.Add(command.NewUniqSetting(44, "writers"))
	otherID := call.Add(command.NewUniqSetting(5, "writers"))
	sizeID := call.Add(command.NewGetQueueSize())

	if err := client.New().Execute(context.Background(), call); err != nil {
		t.Fatalf("execute: %v", err)
	}

	for _, id := range []string{updateID, appendID, uniqID} {
		c, _ := call.Commands.Get(id)
		if !c.IsHandled() {
			t.Fatalf("%s not handled: %q", c.Kind, c.Error)
		}
	}
	ls, _ := env.store.GetListSettings(context.Background(), 44)
	if got := ls.Get("writers"); got != "it@example.com\ninfo@example.com" {
		t.Fatalf("writers=%q", got)
	}

	other, _ := call.Commands.Get(otherID)
	if other.IsHandled() || !strings.Contains(other.Error, "do not match") {
		t.Fatalf("cross-list command: handled=%v error=%q", other.IsHandled(), other.Error)
	}
	five, _ := env.store.GetListSettings(context.Background(), 5)
	if five.Get("writers") != "b\na\nb" {
		t.Fatalf("list 5 changed: %q", five.Get("writers"))
	}

	size, _ := call.Commands.Get(sizeID)
	if size.IsHandled() || size.Error != "No admin access for this key." {
		t.Fatalf("queue size with list key: %+v", size)
	}
}

func TestEndToEnd_AdminKey(t *testing.T) {
	env := newTestEnv(t)

	call := client.NewCall(env.server.URL, adminKey, 0)
	sizeID := call.Add(command.NewGetQueueSize())
	uniqID := call.Add(command.NewUniqSetting(5, "writers"))
	optID := call.Add(command.NewUpdateOption("blogname", "Reflector"))

	if err := client.New().Execute(context.Background(), call); err != nil {
		t.Fatalf("execute: %v", err)
	}
	size, _ := call.Commands.Get(sizeID)
	if !size.IsHandled() || size.Size != 12 {
		t.Fatalf("size=%+v", size)
	}
	if c, _ := call.Commands.Get(uniqID); !c.IsHandled() {
		t.Fatalf("uniq: %q", c.Error)
	}
	if c, _ := call.Commands.Get(optID); !c.IsHandled() {
		t.Fatalf("update_option: %q", c.Error)
	}
	five, _ := env.store.GetListSettings(context.Background(), 5)
	if five.Get("writers") != "b\na" {
		t.Fatalf("writers=%q", five.Get("writers"))
	}
}

func TestServeCall_UnknownKeyEchoesAndLogsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.logs.Reset()

	call := client.NewCall(env.server.URL, "not-a-configured-key", 44)
	id := call.Add(command.NewUpdateSetting(44, "writers", "evil@example.com"))
	if err := client.New().Execute(context.Background(), call); err != nil {
		t.Fatalf("execute: %v", err)
	}

	c, _ := call.Commands.Get(id)
	if c.IsHandled() || c.Error != "" {
		t.Fatalf("command was touched: %+v", c)
	}
	ls, _ := env.store.GetListSettings(context.Background(), 44)
	if ls.Get("writers") != "old@example.com" {
		t.Fatalf("writers=%q", ls.Get("writers"))
	}

	lines := strings.Split(strings.TrimSpace(env.logs.String()), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], "remote_access_key_not_found") {
		t.Fatalf("logs=%q", env.logs.String())
	}
}

func TestServeCall_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.handler.Limiter = rate.NewLimiter(rate.Limit(0.001), 1)
	outcomes := make(chan string, 4)
	env.handler.ObserveCall = func(outcome string, _ dispatch.Summary) {
		outcomes <- outcome
	}

	first := client.NewCall(env.server.URL, adminKey, 0)
	id := first.Add(command.NewGetQueueSize())
	if err := client.New().Execute(context.Background(), first); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if c, _ := first.Commands.Get(id); !c.IsHandled() || c.Size != 12 {
		t.Fatalf("first=%+v", c)
	}

	form := url.Values{}
	form.Set(MarkerField, "1")
	form.Set("commands", "x")
	form.Set("key", keys.Fingerprint(adminKey))
	resp, err := http.Post(env.server.URL, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") != "1" {
		t.Fatalf("status=%d retry-after=%q", resp.StatusCode, resp.Header.Get("Retry-After"))
	}
	if got := <-outcomes; got != OutcomeHandled {
		t.Fatalf("first outcome=%q", got)
	}
	if got := <-outcomes; got != OutcomeRateLimited {
		t.Fatalf("second outcome=%q", got)
	}

	// Requests that are not calls never consume tokens.
	rr := httptest.NewRecorder()
	Endpoint(env.handler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("non-call status=%d", rr.Code)
	}
}

func TestServeCall_UndecodableEchoesInbound(t *testing.T) {
	env := newTestEnv(t)
	var outcome string
	env.handler.ObserveCall = func(o string, _ dispatch.Summary) { outcome = o }

	form := url.Values{
		MarkerField: {"1"},
		"commands":  {"garbage"},
		"key":       {keys.Fingerprint(adminKey)},
		"list_id":   {""},
	}
	resp, err := http.PostForm(env.server.URL, form)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content-type=%q", ct)
	}
	outer, err := envelope.Extract(string(body))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if outer.Commands != "garbage" || outer.Key != keys.Fingerprint(adminKey) {
		t.Fatalf("outer=%+v", outer)
	}
	if outcome != OutcomeUndecodable {
		t.Fatalf("outcome=%q", outcome)
	}
}

func TestServeCall_MalformedCommandFailsAlone(t *testing.T) {
	env := newTestEnv(t)
	var outcome string
	var sum dispatch.Summary
	env.handler.ObserveCall = func(o string, s dispatch.Summary) { outcome, sum = o, s }

	codec := envelope.NewCodec(envelope.SchemeCompat)
	batch := command.NewBatch()
	sizeID := batch.Add(command.NewGetQueueSize())
	badID := batch.Add(&command.Command{Kind: command.KindUpdateSetting, ListID: 5})
	optID := batch.Add(command.NewUpdateOption("greeting", "hi"))
	ct, err := codec.Encode(batch, adminKey)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	resp, err := http.PostForm(env.server.URL, url.Values{
		MarkerField: {"1"},
		"commands":  {ct},
		"key":       {keys.Fingerprint(adminKey)},
		"list_id":   {""},
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	outer, err := envelope.Extract(string(body))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	reply, err := codec.Decode(outer.Commands, adminKey)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	size, _ := reply.Get(sizeID)
	if !size.IsHandled() || size.Size != 12 {
		t.Fatalf("queue size: %+v", size)
	}
	bad, _ := reply.Get(badID)
	if bad.IsHandled() || !strings.Contains(bad.Error, "setting name") {
		t.Fatalf("malformed command: handled=%v error=%q", bad.IsHandled(), bad.Error)
	}
	opt, _ := reply.Get(optID)
	if !opt.IsHandled() {
		t.Fatalf("update_option not handled: %q", opt.Error)
	}
	if v, _ := env.store.GetOption(context.Background(), "greeting"); v != "hi" {
		t.Fatalf("greeting=%q", v)
	}
	if sum.Handled != 2 || sum.Failed != 1 {
		t.Fatalf("summary=%+v outcome=%q", sum, outcome)
	}
}

func TestEndpoint_NotACall(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET status=%d", resp.StatusCode)
	}

	resp, err = http.PostForm(env.server.URL, url.Values{"commands": {"x"}, "key": {"y"}})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unmarked POST status=%d", resp.StatusCode)
	}
}

func TestMiddleware_PassesThroughWithBody(t *testing.T) {
	env := newTestEnv(t)

	var gotBody string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusTeapot)
	})
	enabled := true
	h := Middleware(env.handler, func() bool { return enabled }, next)

	req := httptest.NewRequest(http.MethodPost, "/comments", strings.NewReader("author=x&text=hello"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTeapot || gotBody != "author=x&text=hello" {
		t.Fatalf("code=%d body=%q", rec.Code, gotBody)
	}

	kc := client.NewCall("http://unused", adminKey, 0)
	kc.Add(command.NewGetQueueSize())
	ct, err := env.handler.Codec.Encode(kc.Commands, adminKey)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	form := url.Values{MarkerField: {"1"}, "commands": {ct}, "key": {keys.Fingerprint(adminKey)}}

	req = httptest.NewRequest(http.MethodPost, "/any/page", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<"+envelope.Tag+">") {
		t.Fatalf("code=%d body=%q", rec.Code, rec.Body.String())
	}

	enabled = false
	req = httptest.NewRequest(http.MethodPost, "/any/page", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTeapot {
		t.Fatalf("disabled middleware answered the call: code=%d", rec.Code)
	}
}

func TestReadCall_BodyLimit(t *testing.T) {
	env := newTestEnv(t)
	env.handler.MaxBodyBytes = 16

	form := url.Values{MarkerField: {"1"}, "commands": {strings.Repeat("x", 64)}, "key": {"k"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if _, ok := env.handler.readCall(req); ok {
		t.Fatalf("oversized call accepted")
	}
}
