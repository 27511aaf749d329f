package delivery

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"covidbot/internal/format"
)

var (
	errBlocked   = errors.New("forbidden: bot was blocked by the user")
	errMigrated  = errors.New("group migrated")
	errTooLong   = errors.New("bad request: message is too long")
	errExploded  = errors.New("internal server error")
	migratedToID = Recipient("-100200")
)

func testClassify(err error) Classification {
	switch {
	case errors.Is(err, errBlocked):
		return Classification{Kind: KindUnreachable, Reason: "blocked"}
	case errors.Is(err, errMigrated):
		return Classification{Kind: KindMigrated, MigratedTo: migratedToID}
	case errors.Is(err, errTooLong):
		return Classification{Kind: KindTransient, Reason: "too long"}
	default:
		return Classification{Kind: KindFatal}
	}
}

type call struct {
	op      string
	to      Recipient
	text    string
	images  []Image
	choices int
}

type fakeTransport struct {
	calls     []call
	fail      map[Recipient]error
	n         int
	deleted   []MessageRef
	deleteErr error
}

func (f *fakeTransport) next() string {
	f.n++
	return strings.Repeat("h", f.n)
}

func (f *fakeTransport) SendText(_ context.Context, to Recipient, text string, opt TextOptions) (MessageRef, error) {
	f.calls = append(f.calls, call{op: "text", to: to, text: text, choices: len(opt.Choices)})
	if err := f.fail[to]; err != nil {
		return MessageRef{}, err
	}
	return MessageRef{Recipient: to, ID: f.next()}, nil
}

func (f *fakeTransport) SendPhoto(_ context.Context, to Recipient, img Image, caption string, _ format.Target) (MessageRef, FileHandle, error) {
	f.calls = append(f.calls, call{op: "photo", to: to, text: caption, images: []Image{img}})
	if err := f.fail[to]; err != nil {
		return MessageRef{}, "", err
	}
	return MessageRef{Recipient: to, ID: f.next()}, FileHandle("file-" + img.Path), nil
}

func (f *fakeTransport) SendMediaGroup(_ context.Context, to Recipient, imgs []Image) ([]MessageRef, []FileHandle, error) {
	f.calls = append(f.calls, call{op: "group", to: to, images: imgs})
	if err := f.fail[to]; err != nil {
		return nil, nil, err
	}
	handles := make([]FileHandle, len(imgs))
	for i, img := range imgs {
		handles[i] = FileHandle("file-" + img.Path)
	}
	return nil, handles, nil
}

func (f *fakeTransport) DeleteMessage(_ context.Context, ref MessageRef) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeTransport) count(op string) int {
	n := 0
	for _, c := range f.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

type fakeRegistry struct {
	removed   []Recipient
	remapped  [][2]Recipient
	disabled  []Recipient
	delivered []Recipient
	asOf      []time.Time
	remapOK   bool
	remapErr  error
	markErr   error
}

func (r *fakeRegistry) RemoveRecipient(_ context.Context, id Recipient) error {
	r.removed = append(r.removed, id)
	return nil
}

func (r *fakeRegistry) RemapRecipient(_ context.Context, from, to Recipient) (bool, error) {
	r.remapped = append(r.remapped, [2]Recipient{from, to})
	return r.remapOK, r.remapErr
}

func (r *fakeRegistry) DisableRecipient(_ context.Context, id Recipient) error {
	r.disabled = append(r.disabled, id)
	return nil
}

func (r *fakeRegistry) MarkDelivered(_ context.Context, id Recipient, asOf time.Time) error {
	r.delivered = append(r.delivered, id)
	r.asOf = append(r.asOf, asOf)
	return r.markErr
}

type countingAdmitter struct {
	n   int
	err error
}

func (c *countingAdmitter) Admit(context.Context) error {
	if c.err != nil {
		return c.err
	}
	c.n++
	return nil
}

type fixture struct {
	tr      *fakeTransport
	reg     *fakeRegistry
	batch   *countingAdmitter
	inter   *countingAdmitter
	metrics *Metrics
	d       *Dispatcher
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		tr:      &fakeTransport{fail: map[Recipient]error{}},
		reg:     &fakeRegistry{remapOK: true},
		batch:   &countingAdmitter{},
		inter:   &countingAdmitter{},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	f.d = New(cfg, Deps{
		Transport:   f.tr,
		Classify:    testClassify,
		Registry:    f.reg,
		Batch:       f.batch,
		Interactive: f.inter,
		Metrics:     f.metrics,
	})
	return f
}

func entry(id string, msg string, images ...string) Entry {
	return Entry{Recipient: Recipient(id), Response: format.Response{Message: msg, Images: images}}
}

func TestDispatchAllSent(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	res, err := f.d.Dispatch(context.Background(), Batch{entry("1", "a"), entry("2", "b"), entry("3", "c")})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Summary.Sent != 3 || len(res.Outcomes) != 3 {
		t.Fatalf("summary = %+v", res.Summary)
	}
	for i, want := range []Recipient{"1", "2", "3"} {
		if res.Outcomes[i].Recipient != want {
			t.Fatalf("outcome %d recipient = %q, want %q", i, res.Outcomes[i].Recipient, want)
		}
	}
	if len(f.reg.delivered) != 3 {
		t.Fatalf("delivered = %v", f.reg.delivered)
	}
	if f.batch.n != 3 || f.inter.n != 0 {
		t.Fatalf("admits batch=%d interactive=%d", f.batch.n, f.inter.n)
	}
	if got := testutil.ToFloat64(f.metrics.SentMessages); got != 3 {
		t.Fatalf("sent messages = %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.Outcomes.WithLabelValues("sent")); got != 3 {
		t.Fatalf("sent outcomes = %v", got)
	}
}

func TestDispatchBlockedRemovesOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	f.tr.fail["2"] = errBlocked
	long := strings.Repeat("zeile\n", 2000)
	res, err := f.d.Dispatch(context.Background(), Batch{entry("1", "a"), entry("2", long), entry("3", "c")})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcomes[1].Status != StatusBlocked {
		t.Fatalf("status = %v", res.Outcomes[1].Status)
	}
	if len(f.reg.removed) != 1 || f.reg.removed[0] != "2" {
		t.Fatalf("removed = %v", f.reg.removed)
	}
	sends := 0
	for _, c := range f.tr.calls {
		if c.to == "2" {
			sends++
		}
	}
	if sends != 1 {
		t.Fatalf("sends to blocked recipient = %d, want 1", sends)
	}
	if res.Outcomes[2].Status != StatusSent {
		t.Fatalf("batch did not continue: %+v", res.Outcomes[2])
	}
}

func TestDispatchSinglePhotoUsesCaption(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	res, err := f.d.Dispatch(context.Background(), Batch{entry("1", "Bericht", "graph.png")})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Summary.Sent != 1 {
		t.Fatalf("summary = %+v", res.Summary)
	}
	if f.tr.count("photo") != 1 || f.tr.count("text") != 0 {
		t.Fatalf("calls = %+v", f.tr.calls)
	}
	if f.tr.calls[0].text != "Bericht" {
		t.Fatalf("caption = %q", f.tr.calls[0].text)
	}
	if got := testutil.ToFloat64(f.metrics.SentImages); got != 1 {
		t.Fatalf("sent images = %v", got)
	}
}

func TestDispatchTwoImagesUseMediaGroup(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	_, err := f.d.Dispatch(context.Background(), Batch{entry("1", "Bericht", "a.png", "b.png")})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if f.tr.count("group") != 1 || f.tr.count("text") != 1 || f.tr.count("photo") != 0 {
		t.Fatalf("calls = %+v", f.tr.calls)
	}
	if f.tr.calls[0].op != "group" {
		t.Fatalf("media group must come first: %+v", f.tr.calls)
	}
}

func TestDispatchReusesCachedHandles(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	_, err := f.d.Dispatch(context.Background(), Batch{entry("1", "x", "graph.png"), entry("2", "y", "graph.png")})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if f.tr.calls[0].images[0].Handle != "" {
		t.Fatalf("first upload should have no handle")
	}
	if got := f.tr.calls[1].images[0].Handle; got != "file-graph.png" {
		t.Fatalf("second send handle = %q", got)
	}
	if f.d.Cache().Len() != 1 {
		t.Fatalf("cache len = %d", f.d.Cache().Len())
	}
}

func TestDispatchMigrated(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		remapOK      bool
		remapErr     error
		wantDisabled bool
	}{
		{name: "remapped", remapOK: true},
		{name: "remap refused", remapOK: false, wantDisabled: true},
		{name: "remap error", remapErr: errors.New("db locked"), wantDisabled: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(Config{})
			f.reg.remapOK = tt.remapOK
			f.reg.remapErr = tt.remapErr
			f.tr.fail["-1"] = errMigrated
			res, err := f.d.Dispatch(context.Background(), Batch{entry("-1", "x"), entry("2", "y")})
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			o := res.Outcomes[0]
			if o.Status != StatusMigrated || o.NewRecipient != migratedToID {
				t.Fatalf("outcome = %+v", o)
			}
			if len(f.reg.remapped) != 1 || f.reg.remapped[0] != [2]Recipient{"-1", migratedToID} {
				t.Fatalf("remapped = %v", f.reg.remapped)
			}
			if got := len(f.reg.disabled) == 1; got != tt.wantDisabled {
				t.Fatalf("disabled = %v, want disabled %v", f.reg.disabled, tt.wantDisabled)
			}
			if res.Outcomes[1].Status != StatusSent {
				t.Fatalf("batch did not continue")
			}
		})
	}
}

func TestDispatchTransientContinues(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	f.tr.fail["1"] = errTooLong
	res, err := f.d.Dispatch(context.Background(), Batch{entry("1", "a"), entry("2", "b")})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcomes[0].Status != StatusTransient || res.Outcomes[0].Reason != "too long" {
		t.Fatalf("outcome = %+v", res.Outcomes[0])
	}
	if res.Summary.Transient != 1 || res.Summary.Sent != 1 {
		t.Fatalf("summary = %+v", res.Summary)
	}
	if len(f.reg.removed) != 0 || len(f.reg.delivered) != 1 {
		t.Fatalf("registry touched: %+v", f.reg)
	}
}

func TestDispatchFatalStops(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	f.tr.fail["2"] = errExploded
	res, err := f.d.Dispatch(context.Background(), Batch{entry("1", "a"), entry("2", "b"), entry("3", "c")})
	if !errors.Is(err, ErrFatalTransport) || !errors.Is(err, errExploded) {
		t.Fatalf("err = %v", err)
	}
	if !IsFatal(err) {
		t.Fatalf("IsFatal(%v) = false", err)
	}
	if len(res.Outcomes) != 2 || res.Outcomes[1].Status != StatusFatal {
		t.Fatalf("outcomes = %+v", res.Outcomes)
	}
	for _, c := range f.tr.calls {
		if c.to == "3" {
			t.Fatalf("recipient after fatal error was contacted")
		}
	}
}

func TestDispatchRegistryErrorsDoNotAbort(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	f.reg.markErr = errors.New("disk full")
	res, err := f.d.Dispatch(context.Background(), Batch{entry("1", "a"), entry("2", "b")})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Summary.Sent != 2 {
		t.Fatalf("summary = %+v", res.Summary)
	}
}

func TestDispatchDropsDuplicates(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	res, err := f.d.Dispatch(context.Background(), Batch{entry("1", "a"), entry("1", "b")})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(res.Outcomes) != 1 || res.Skipped != 1 || f.tr.calls[0].text != "a" {
		t.Fatalf("res = %+v calls = %+v", res, f.tr.calls)
	}
}

func TestDispatchAdmitsOncePerEntry(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{Limits: format.PlatformLimits{MaxMessageBytes: 16}})
	long := strings.Repeat("zeile\n", 20)
	if _, err := f.d.Dispatch(context.Background(), Batch{entry("1", long, "a.png", "b.png")}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(f.tr.calls) < 3 {
		t.Fatalf("expected several parts, got %d", len(f.tr.calls))
	}
	if f.batch.n != 1 {
		t.Fatalf("admits = %d, want 1", f.batch.n)
	}
}

func TestDispatchStopsOnCancelledAdmit(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	f.batch.err = context.Canceled
	res, err := f.d.Dispatch(context.Background(), Batch{entry("1", "a")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if len(res.Outcomes) != 0 || len(f.tr.calls) != 0 {
		t.Fatalf("sent despite cancelled admit")
	}
}

func TestBroadcastUsesInteractiveLimiter(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	f.tr.fail["2"] = errBlocked
	res, err := f.d.Broadcast(context.Background(), "<b>Wartung</b>", []Recipient{"1", "2", "3"})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if f.inter.n != 3 || f.batch.n != 0 {
		t.Fatalf("admits batch=%d interactive=%d", f.batch.n, f.inter.n)
	}
	if res.Summary.Sent != 2 || res.Summary.Blocked != 1 {
		t.Fatalf("summary = %+v", res.Summary)
	}
	if len(f.reg.delivered) != 0 {
		t.Fatalf("broadcast must not advance delivered markers")
	}
	if f.tr.calls[0].text != "<b>Wartung</b>" {
		t.Fatalf("text = %q", f.tr.calls[0].text)
	}
}

func TestReplyStopsAfterFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	f.tr.fail["1"] = errTooLong
	out, err := f.d.Reply(context.Background(), "1",
		format.Response{Message: "erste"},
		format.Response{Message: "zweite"},
	)
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if out.Status != StatusTransient || len(f.tr.calls) != 1 {
		t.Fatalf("out = %+v calls = %d", out, len(f.tr.calls))
	}
}

func TestCache(t *testing.T) {
	t.Parallel()
	c := NewCache()
	c.Put("a", "")
	if c.Len() != 0 {
		t.Fatalf("empty handle stored")
	}
	c.Put("a", "h1")
	if c.Get("a") != "h1" {
		t.Fatalf("Get = %q", c.Get("a"))
	}
	c.Forget("a")
	if c.Get("a") != "" {
		t.Fatalf("Forget did not drop handle")
	}
	var nilCache *Cache
	if nilCache.Get("a") != "" || nilCache.Len() != 0 || nilCache.Deleted(MessageRef{ID: "1"}) {
		t.Fatalf("nil cache should be empty")
	}
}

func TestApplyChangesLimits(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	msg := strings.Repeat("zeile\n", 20)
	if _, err := f.d.Dispatch(context.Background(), Batch{entry("1", msg)}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(f.tr.calls) != 1 {
		t.Fatalf("calls before Apply = %d", len(f.tr.calls))
	}

	f.d.Apply(Config{Limits: format.PlatformLimits{MaxMessageBytes: 64}})
	if _, err := f.d.Dispatch(context.Background(), Batch{entry("2", msg)}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(f.tr.calls) < 3 {
		t.Fatalf("message not split after Apply: %d calls", len(f.tr.calls))
	}
}

func TestDispatchMarksDeliveredWithEntryDate(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	day := time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC)
	e := entry("1", "a")
	e.AsOf = day
	if _, err := f.d.Dispatch(context.Background(), Batch{e}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(f.reg.asOf) != 1 || !f.reg.asOf[0].Equal(day) {
		t.Fatalf("asOf = %v", f.reg.asOf)
	}
}

func TestTransientPhotoFailureDropsHandle(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	f.tr.fail["2"] = errTooLong
	res, err := f.d.Dispatch(context.Background(), Batch{
		entry("1", "x", "graph.png"),
		entry("2", "y", "graph.png"),
		entry("3", "z", "graph.png"),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Summary.Sent != 2 || res.Summary.Transient != 1 {
		t.Fatalf("summary = %+v", res.Summary)
	}
	if got := f.tr.calls[1].images[0].Handle; got != "file-graph.png" {
		t.Fatalf("second send handle = %q", got)
	}
	if got := f.tr.calls[2].images[0].Handle; got != "" {
		t.Fatalf("rejected handle reused: %q", got)
	}
	if f.d.Cache().Len() != 1 {
		t.Fatalf("cache len = %d", f.d.Cache().Len())
	}
}

func TestRetire(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	ctx := context.Background()
	ref := MessageRef{Recipient: "1", ID: "42"}
	if f.d.Retired(ref) {
		t.Fatalf("retired before Retire")
	}
	if err := f.d.Retire(ctx, ref); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if !f.d.Retired(ref) || len(f.tr.deleted) != 1 || f.inter.n != 1 {
		t.Fatalf("deleted=%v admits=%d", f.tr.deleted, f.inter.n)
	}
	if f.d.Retired(MessageRef{Recipient: "2", ID: "42"}) {
		t.Fatalf("same id in another chat counted as retired")
	}

	other := MessageRef{Recipient: "1", ID: "43"}
	f.tr.deleteErr = errors.New("message can't be deleted")
	if err := f.d.Retire(ctx, other); err == nil || f.d.Retired(other) {
		t.Fatalf("failed delete recorded: err=%v", err)
	}
}

func TestCacheBoundsDeleted(t *testing.T) {
	t.Parallel()
	c := NewCache()
	for i := 0; i <= maxDeleted; i++ {
		c.markDeleted(MessageRef{Recipient: "1", ID: strconv.Itoa(i)})
	}
	if c.Deleted(MessageRef{Recipient: "1", ID: "0"}) {
		t.Fatalf("oldest entry kept past the bound")
	}
	if !c.Deleted(MessageRef{Recipient: "1", ID: strconv.Itoa(maxDeleted)}) {
		t.Fatalf("newest entry missing")
	}
}
