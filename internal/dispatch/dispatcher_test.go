package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nuetzliches/remoteaccess/internal/command"
	"github.com/nuetzliches/remoteaccess/internal/keys"
	"github.com/nuetzliches/remoteaccess/internal/store"
)

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func newTestDispatcher(t *testing.T, st *store.MemoryStore) *Dispatcher {
	t.Helper()
	d := New(st, st, st, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	d.Now = func() time.Time { return fixedNow }
	return d
}

func listContext(t *testing.T, st *store.MemoryStore, listID int64) keys.Context {
	t.Helper()
	ls, err := st.GetListSettings(context.Background(), listID)
	if err != nil {
		t.Fatalf("get list %d: %v", listID, err)
	}
	return keys.Context{RawKey: "list-key", List: ls}
}

func mustGet(t *testing.T, b *command.Batch, id string) *command.Command {
	t.Helper()
	c, ok := b.Get(id)
	if !ok {
		t.Fatalf("missing command %s", id)
	}
	return c
}

func TestDispatch_ListKeyWritesCompose(t *testing.T) {
	st := store.NewMemoryStore(store.WithList(5, map[string]string{"writers": "b\na"}))
	d := newTestDispatcher(t, st)

	b := command.NewBatch()
	appendID := b.Add(command.NewAppendSetting(5, "writers", "\nb\na\nc"))
	uniqID := b.Add(command.NewUniqSetting(5, "writers"))
	sortID := b.Add(command.NewSortSetting(5, "writers"))
	getID := b.Add(command.NewGetSetting(5, "writers"))

	sum := d.Dispatch(context.Background(), b, listContext(t, st, 5))
	if sum.Handled != 4 || sum.Failed != 0 {
		t.Fatalf("summary=%+v", sum)
	}
	for _, id := range []string{appendID, uniqID, sortID} {
		c := mustGet(t, b, id)
		if !c.IsHandled() || c.Error != "" {
			t.Fatalf("command %s: handled=%v error=%q", c.Kind, c.IsHandled(), c.Error)
		}
		if !c.Handled.Equal(fixedNow) {
			t.Fatalf("handled=%v, want %v", c.Handled, fixedNow)
		}
	}
	ls, _ := st.GetListSettings(context.Background(), 5)
	if got := ls.Get("writers"); got != "a\nb\nc" {
		t.Fatalf("writers=%q", got)
	}

	// get_setting sees the writes made earlier in the batch.
	if got := mustGet(t, b, getID).Value; got != "a\nb\nc" {
		t.Fatalf("get_setting value=%q", got)
	}
}

func TestDispatch_AppendIsExactConcatenation(t *testing.T) {
	st := store.NewMemoryStore(store.WithList(5, map[string]string{"footer": "line1"}))
	d := newTestDispatcher(t, st)

	b := command.NewBatch()
	b.Add(command.NewAppendSetting(5, "footer", "line2"))
	d.Dispatch(context.Background(), b, listContext(t, st, 5))

	ls, _ := st.GetListSettings(context.Background(), 5)
	if got := ls.Get("footer"); got != "line1line2" {
		t.Fatalf("footer=%q", got)
	}
}

func TestDispatch_ListMismatchFailsOnlyThatCommand(t *testing.T) {
	st := store.NewMemoryStore(
		store.WithList(5, map[string]string{"writers": "a"}),
		store.WithList(6, map[string]string{"writers": "z"}),
	)
	d := newTestDispatcher(t, st)

	b := command.NewBatch()
	okID := b.Add(command.NewUpdateSetting(5, "writers", "x"))
	badID := b.Add(command.NewUpdateSetting(6, "writers", "pwned"))
	afterID := b.Add(command.NewAppendSetting(5, "writers", "y"))

	sum := d.Dispatch(context.Background(), b, listContext(t, st, 5))
	if sum.Handled != 2 || sum.Failed != 1 {
		t.Fatalf("summary=%+v", sum)
	}
	bad := mustGet(t, b, badID)
	if bad.IsHandled() {
		t.Fatalf("mismatched command was handled")
	}
	if bad.Error != "List ID's do not match: 6 was requested, 5 was given." {
		t.Fatalf("error=%q", bad.Error)
	}
	if !mustGet(t, b, okID).IsHandled() || !mustGet(t, b, afterID).IsHandled() {
		t.Fatalf("sibling commands did not run")
	}

	six, _ := st.GetListSettings(context.Background(), 6)
	if got := six.Get("writers"); got != "z" {
		t.Fatalf("list 6 writers=%q", got)
	}
	five, _ := st.GetListSettings(context.Background(), 5)
	if got := five.Get("writers"); got != "xy" {
		t.Fatalf("list 5 writers=%q", got)
	}
}

func TestDispatch_AdminOnlyCommands(t *testing.T) {
	st := store.NewMemoryStore(store.WithQueueSize(42), store.WithList(5, nil))
	if err := st.SetOption(context.Background(), "remote_access_url", "https://x.example/"); err != nil {
		t.Fatalf("set option: %v", err)
	}
	d := newTestDispatcher(t, st)

	build := func() (*command.Batch, [3]string) {
		b := command.NewBatch()
		return b, [3]string{
			b.Add(command.NewGetOption("remote_access_url")),
			b.Add(command.NewGetQueueSize()),
			b.Add(command.NewUpdateOption("blogname", "Reflector")),
		}
	}

	// List key: all three refused.
	b, ids := build()
	sum := d.Dispatch(context.Background(), b, listContext(t, st, 5))
	if sum.Failed != 3 {
		t.Fatalf("summary=%+v", sum)
	}
	for _, id := range ids {
		c := mustGet(t, b, id)
		if c.Error != "No admin access for this key." {
			t.Fatalf("%s error=%q", c.Kind, c.Error)
		}
	}
	if v, _ := st.GetOption(context.Background(), "blogname"); v != "" {
		t.Fatalf("blogname written by list key: %q", v)
	}

	// Admin key: all three run.
	b, ids = build()
	sum = d.Dispatch(context.Background(), b, keys.Context{RawKey: "admin", Admin: true})
	if sum.Handled != 3 {
		t.Fatalf("summary=%+v", sum)
	}
	if got := mustGet(t, b, ids[0]).Value; got != "https://x.example/" {
		t.Fatalf("get_option=%q", got)
	}
	if got := mustGet(t, b, ids[1]).Size; got != 42 {
		t.Fatalf("queue size=%d", got)
	}
	if v, _ := st.GetOption(context.Background(), "blogname"); v != "Reflector" {
		t.Fatalf("blogname=%q", v)
	}
}

func TestDispatch_AdminAddressesAnyList(t *testing.T) {
	st := store.NewMemoryStore(
		store.WithList(5, map[string]string{"writers": "a"}),
		store.WithList(6, map[string]string{"writers": "b"}),
	)
	d := newTestDispatcher(t, st)

	b := command.NewBatch()
	b.Add(command.NewAppendSetting(5, "writers", "1"))
	b.Add(command.NewAppendSetting(6, "writers", "2"))
	missingID := b.Add(command.NewUpdateSetting(99, "writers", "x"))
	noListID := b.Add(command.NewUpdateSetting(0, "writers", "x"))

	sum := d.Dispatch(context.Background(), b, keys.Context{RawKey: "admin", Admin: true})
	if sum.Handled != 2 || sum.Failed != 2 {
		t.Fatalf("summary=%+v", sum)
	}
	five, _ := st.GetListSettings(context.Background(), 5)
	six, _ := st.GetListSettings(context.Background(), 6)
	if five.Get("writers") != "a1" || six.Get("writers") != "b2" {
		t.Fatalf("writers=%q,%q", five.Get("writers"), six.Get("writers"))
	}

	missing := mustGet(t, b, missingID)
	if missing.Error != "No access to the requested list: 99" {
		t.Fatalf("missing error=%q", missing.Error)
	}
	if got := mustGet(t, b, noListID).Error; got != "List access check was requested but no list ID was specified." {
		t.Fatalf("no list error=%q", got)
	}
}

func TestDispatch_GetSettingPolicy(t *testing.T) {
	st := store.NewMemoryStore(
		store.WithList(5, map[string]string{"writers": "five"}),
		store.WithList(6, map[string]string{"writers": "six"}),
	)
	d := newTestDispatcher(t, st)

	// Open: the pinned list is read regardless of the requested id.
	b := command.NewBatch()
	id := b.Add(command.NewGetSetting(6, "writers"))
	d.Dispatch(context.Background(), b, listContext(t, st, 5))
	if c := mustGet(t, b, id); !c.IsHandled() || c.Value != "five" {
		t.Fatalf("open: handled=%v value=%q", c.IsHandled(), c.Value)
	}

	d.GetSettingPolicy = GetSettingList
	b = command.NewBatch()
	id = b.Add(command.NewGetSetting(6, "writers"))
	d.Dispatch(context.Background(), b, listContext(t, st, 5))
	if c := mustGet(t, b, id); c.IsHandled() || !strings.HasPrefix(c.Error, "List ID's do not match") {
		t.Fatalf("list policy: handled=%v error=%q", c.IsHandled(), c.Error)
	}
}

func TestDispatch_GetSettingWithoutListFails(t *testing.T) {
	d := newTestDispatcher(t, store.NewMemoryStore())
	b := command.NewBatch()
	id := b.Add(command.NewGetSetting(0, "writers"))
	d.Dispatch(context.Background(), b, keys.Context{RawKey: "admin", Admin: true})
	if c := mustGet(t, b, id); c.IsHandled() || c.Error == "" {
		t.Fatalf("handled=%v error=%q", c.IsHandled(), c.Error)
	}
}

func TestDispatch_InvalidCommandDoesNotStopBatch(t *testing.T) {
	st := store.NewMemoryStore(store.WithQueueSize(3))
	d := newTestDispatcher(t, st)

	b := command.NewBatch()
	badID := b.Add(&command.Command{Kind: "explode"})
	okID := b.Add(command.NewGetQueueSize())

	d.Dispatch(context.Background(), b, keys.Context{RawKey: "admin", Admin: true})
	if c := mustGet(t, b, badID); c.IsHandled() || c.Error == "" {
		t.Fatalf("bad command: handled=%v error=%q", c.IsHandled(), c.Error)
	}
	if c := mustGet(t, b, okID); !c.IsHandled() || c.Size != 3 {
		t.Fatalf("queue size command: handled=%v size=%d", c.IsHandled(), c.Size)
	}
}

type failingOptions struct{}

func (failingOptions) GetOption(context.Context, string) (string, error) {
	return "", errors.New("disk on fire")
}

func (failingOptions) SetOption(context.Context, string, string) error {
	return errors.New("disk on fire")
}

func TestDispatch_StoreFailureIsPerCommand(t *testing.T) {
	st := store.NewMemoryStore(store.WithQueueSize(1))
	d := newTestDispatcher(t, st)
	d.Options = failingOptions{}

	b := command.NewBatch()
	getID := b.Add(command.NewGetOption("x"))
	sizeID := b.Add(command.NewGetQueueSize())

	d.Dispatch(context.Background(), b, keys.Context{RawKey: "admin", Admin: true})
	if got := mustGet(t, b, getID).Error; got != "disk on fire" {
		t.Fatalf("error=%q", got)
	}
	if !mustGet(t, b, sizeID).IsHandled() {
		t.Fatalf("sibling command did not run")
	}
}

func TestDispatch_LogsFingerprintNotKey(t *testing.T) {
	var buf bytes.Buffer
	st := store.NewMemoryStore()
	d := New(st, st, st, slog.New(slog.NewJSONHandler(&buf, nil)))

	b := command.NewBatch()
	b.Add(command.NewGetQueueSize())
	d.Dispatch(context.Background(), b, keys.Context{RawKey: "super-secret-key", Admin: true})

	out := buf.String()
	if strings.Contains(out, "super-secret-key") {
		t.Fatalf("raw key leaked into log: %s", out)
	}
	if !strings.Contains(out, `"channel":"remote_access"`) {
		t.Fatalf("missing channel attr: %s", out)
	}
	if !strings.Contains(out, keys.Fingerprint("super-secret-key")[:12]) {
		t.Fatalf("missing key label: %s", out)
	}
}

func TestCommandError_Code(t *testing.T) {
	err := checkAdminAccess(Scope{})
	if !errors.Is(err, ErrNoAdminAccess) {
		t.Fatalf("err=%v, want ErrNoAdminAccess", err)
	}
	if code, ok := ErrorCode(err); !ok || code != CodeNoAdminAccess {
		t.Fatalf("code=%q ok=%v", code, ok)
	}

	serr := storeError(errors.New("boom"))
	if !errors.Is(serr, ErrStoreFailed) {
		t.Fatalf("err=%v, want ErrStoreFailed", serr)
	}
	if serr.Error() != "boom" {
		t.Fatalf("message=%q", serr.Error())
	}
}

func TestParseGetSettingPolicy(t *testing.T) {
	for in, want := range map[string]GetSettingPolicy{"": GetSettingOpen, "OPEN": GetSettingOpen, "list": GetSettingList} {
		got, err := ParseGetSettingPolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseGetSettingPolicy(%q)=%q,%v", in, got, err)
		}
	}
	if _, err := ParseGetSettingPolicy("closed"); err == nil {
		t.Fatalf("expected error")
	}
}
