package engine

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"stocksim/internal/domain"
	"stocksim/internal/export"
	"stocksim/internal/notify"
	"stocksim/internal/playback"
	"stocksim/internal/source"
	"stocksim/internal/store"
)

var taipei = time.FixedZone("CST", 8*3600)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeSource struct {
	events []domain.OrderEvent
	err    error
	dates    []string
	datesErr error
	query    source.Query
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) FetchOrders(_ context.Context, q source.Query) ([]domain.OrderEvent, error) {
	s.query = q
	if s.err != nil {
		return nil, s.err
	}
	return append([]domain.OrderEvent(nil), s.events...), nil
}

func (s *fakeSource) AvailableDates(context.Context, string, string) ([]string, error) {
	return s.dates, s.datesErr
}

type resetCall struct {
	stockID string
	opts    domain.ResetOptions
}

type fakeBroker struct {
	mu      sync.Mutex
	resets  []resetCall
	display string
	err     error
}

func (b *fakeBroker) Name() string { return "fake" }

func (b *fakeBroker) SubmitOrder(context.Context, *domain.OrderEvent) error { return nil }

func (b *fakeBroker) ResetStock(_ context.Context, stockID string, opts domain.ResetOptions) (*domain.ResetResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets = append(b.resets, resetCall{stockID, opts})
	if b.err != nil {
		return nil, b.err
	}
	return &domain.ResetResult{DisplayStockID: b.display}, nil
}

func (b *fakeBroker) calls() []resetCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]resetCall(nil), b.resets...)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.OrderEvent
}

func (r *recorder) Dispatch(ev domain.OrderEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.ID
	}
	return out
}

type memSessions struct {
	saved []store.Session
}

func (m *memSessions) SaveSession(_ context.Context, s *store.Session) error {
	m.saved = append(m.saved, *s)
	return nil
}

func (m *memSessions) ListSessions(context.Context, int) ([]store.Session, error) {
	return m.saved, nil
}

type fakeArchive []string

func (a fakeArchive) ListDates(string) ([]string, error) { return a, nil }

func sampleEvents() []domain.OrderEvent {
	base := time.Date(2024, 3, 5, 9, 0, 0, 0, taipei)
	var out []domain.OrderEvent
	for i, ms := range []int{0, 5, 10} {
		raw := domain.NewRecord()
		_ = raw.Set("stockId", "2330")
		_ = raw.Set("o_type", "B")
		_ = raw.Set("odr_price", 600+i)
		out = append(out, domain.OrderEvent{
			StockID:     "2330",
			CreatedTime: base.Add(time.Duration(ms) * time.Millisecond),
			Side:        domain.OrderSideBuy,
			Price:       float64(600 + i),
			Volume:      1,
			Raw:         raw,
		})
	}
	return out
}

type harness struct {
	eng      *Engine
	src      *fakeSource
	broker   *fakeBroker
	rec      *recorder
	sessions *memSessions
	notes    []notify.Notification
	notesMu  sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		src:      &fakeSource{events: sampleEvents()},
		broker:   &fakeBroker{},
		rec:      &recorder{},
		sessions: &memSessions{},
	}
	h.eng = New(Options{
		Source:     h.src,
		Broker:     h.broker,
		Dispatcher: h.rec,
		Sessions:   h.sessions,
		Notifier: notify.Func(func(n notify.Notification) {
			h.notesMu.Lock()
			h.notes = append(h.notes, n)
			h.notesMu.Unlock()
		}),
		Location: taipei,
		Playback: playback.Options{
			MinimumDelay:  time.Millisecond,
			ResetDebounce: 10 * time.Millisecond,
		},
	})
	t.Cleanup(h.eng.Close)
	return h
}

func (h *harness) notifications() []notify.Notification {
	h.notesMu.Lock()
	defer h.notesMu.Unlock()
	return append([]notify.Notification(nil), h.notes...)
}

// waitFor polls cond until it holds or timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustPrepare(t *testing.T, h *harness) *store.Session {
	t.Helper()
	sess, err := h.eng.Prepare(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return sess
}

var testRequest = PrepareRequest{StockID: "2330", Date: "2024-03-05", Start: "09:00:00", End: "13:30:00"}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestPrepare(t *testing.T) {
	h := newHarness(t)

	sess := mustPrepare(t, h)
	if sess.ID == "" {
		t.Error("session id is empty")
	}
	if sess.StockID != "2330" || sess.Events != 3 || sess.Source != "fake" {
		t.Errorf("session = %+v, want stock 2330, 3 events, source fake", sess)
	}
	if want := time.Date(2024, 3, 5, 9, 0, 0, 0, taipei); !sess.Start.Equal(want) {
		t.Errorf("Start = %v, want %v", sess.Start, want)
	}
	if want := time.Date(2024, 3, 5, 13, 30, 0, 0, taipei); !h.src.query.End.Equal(want) {
		t.Errorf("query End = %v, want %v", h.src.query.End, want)
	}

	if got, want := h.broker.calls(), []resetCall{{"2330", domain.ResetOptions{IsReset: true}}}; !slices.Equal(got, want) {
		t.Errorf("resets = %v, want %v", got, want)
	}
	if len(h.sessions.saved) != 1 || h.sessions.saved[0].ID != sess.ID {
		t.Errorf("saved sessions = %+v, want [%s]", h.sessions.saved, sess.ID)
	}

	orders, err := h.eng.Orders(0, 0)
	if err != nil {
		t.Fatalf("Orders: %v", err)
	}
	var ids []string
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	// Missing ids fall back to the index.
	if want := []string{"0", "1", "2"}; !slices.Equal(ids, want) {
		t.Errorf("order ids = %v, want %v", ids, want)
	}

	st := h.eng.Status()
	if st.Session == nil {
		t.Fatal("Status().Session = nil after Prepare")
	}
	if st.Playback.Len != 3 || st.Playback.Running {
		t.Errorf("playback = %+v, want 3 events idle", st.Playback)
	}
	if st.Dispatch != nil {
		t.Errorf("Dispatch = %+v, want nil for a plain dispatcher", st.Dispatch)
	}
}

func TestPrepareReplayStampsDisplayStock(t *testing.T) {
	h := newHarness(t)
	h.broker.display = "9001"

	req := testRequest
	req.Replay = true
	sess, err := h.eng.Prepare(context.Background(), req)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if sess.DisplayStockID != "9001" {
		t.Errorf("DisplayStockID = %q, want 9001", sess.DisplayStockID)
	}
	if got, want := h.broker.calls(), []resetCall{{"2330", domain.ResetOptions{IsReset: false}}}; !slices.Equal(got, want) {
		t.Errorf("resets = %v, want %v", got, want)
	}

	orders, err := h.eng.Orders(0, 1)
	if err != nil {
		t.Fatalf("Orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("got %d orders, want 1", len(orders))
	}
	if orders[0].StockID != "9001" || orders[0].Raw.String("stockId") != "9001" {
		t.Errorf("order = %+v, want stamped with 9001", orders[0])
	}
	if got := h.src.events[0].Raw.String("stockId"); got != "2330" {
		t.Errorf("source record stockId = %q, want it left at 2330", got)
	}
}

func TestPrepareResetFailureDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	h.broker.err = errors.New("backend down")

	sess := mustPrepare(t, h)
	if sess.Events != 3 {
		t.Errorf("Events = %d, want 3", sess.Events)
	}

	notes := h.notifications()
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	if notes[0].Level != notify.LevelError || notes[0].Source != "reset" {
		t.Errorf("notification = %+v, want reset error", notes[0])
	}
}

func TestPrepareErrors(t *testing.T) {
	h := newHarness(t)

	invalid := []PrepareRequest{
		{Date: "2024-03-05", Start: "09:00", End: "10:00"},
		{StockID: "2330", Date: "2024-03-05", Start: "10:00", End: "09:00"},
	}
	for _, req := range invalid {
		if _, err := h.eng.Prepare(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("Prepare(%+v) = %v, want ErrInvalidRequest", req, err)
		}
	}

	h.src.err = errors.New("upstream timeout")
	_, err := h.eng.Prepare(context.Background(), testRequest)
	if err == nil || !strings.Contains(err.Error(), "upstream timeout") {
		t.Errorf("Prepare = %v, want upstream timeout", err)
	}
	if err := h.eng.Start(); !errors.Is(err, ErrNoSession) {
		t.Errorf("Start after failed prepare = %v, want ErrNoSession", err)
	}
}

func TestOperationsRequireSession(t *testing.T) {
	h := newHarness(t)

	ops := map[string]func() error{
		"Start":    h.eng.Start,
		"Stop":     h.eng.Stop,
		"Seek":     func() error { return h.eng.Seek(0) },
		"SetSpeed": func() error { return h.eng.SetSpeed(2) },
		"Orders":   func() error { _, err := h.eng.Orders(0, 10); return err },
		"Summary":  func() error { _, err := h.eng.Summary(); return err },
		"Export":   func() error { return h.eng.ExportCSV(&bytes.Buffer{}, export.DefaultOptions()) },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrNoSession) {
			t.Errorf("%s = %v, want ErrNoSession", name, err)
		}
	}
	if st := h.eng.Status(); st.Session != nil {
		t.Errorf("Session = %+v, want nil", st.Session)
	}
}

func TestPlaybackDispatchesInOrder(t *testing.T) {
	h := newHarness(t)
	var changes sync.Map
	h.eng.opts.OnChange = func(st Status) { changes.Store(st.Playback.Cursor, st.Session != nil) }

	mustPrepare(t, h)
	if err := h.eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, "playback to finish", func() bool { return h.eng.Status().Playback.Finished })
	if got, want := h.rec.ids(), []string{"0", "1", "2"}; !slices.Equal(got, want) {
		t.Errorf("dispatched = %v, want %v", got, want)
	}
	if h.eng.Status().Playback.Running {
		t.Error("Running = true after completion")
	}

	withSession, ok := changes.Load(2)
	if !ok || !withSession.(bool) {
		t.Errorf("final change carried session = %v, %v; want true", withSession, ok)
	}
}

func TestSeekResetsTargetStock(t *testing.T) {
	h := newHarness(t)
	mustPrepare(t, h)

	if err := h.eng.Seek(2); err != nil {
		t.Fatalf("Seek(2): %v", err)
	}
	if err := h.eng.Seek(3); !errors.Is(err, playback.ErrIndexOutOfRange) {
		t.Errorf("Seek(3) = %v, want ErrIndexOutOfRange", err)
	}

	waitFor(t, time.Second, "seek reset", func() bool { return len(h.broker.calls()) == 2 })
	if got, want := h.broker.calls()[1], (resetCall{"2330", domain.ResetOptions{IsReset: true}}); got != want {
		t.Errorf("seek reset = %+v, want %+v", got, want)
	}
	if c := h.eng.Status().Playback.Cursor; c != 2 {
		t.Errorf("cursor = %d, want 2", c)
	}
}

func TestSetSpeed(t *testing.T) {
	h := newHarness(t)
	mustPrepare(t, h)

	if err := h.eng.SetSpeed(4); err != nil {
		t.Fatalf("SetSpeed(4): %v", err)
	}
	if sp := h.eng.Status().Playback.Speed; sp != 4 {
		t.Errorf("speed = %v, want 4", sp)
	}
	if err := h.eng.SetSpeed(0); !errors.Is(err, playback.ErrInvalidSpeed) {
		t.Errorf("SetSpeed(0) = %v, want ErrInvalidSpeed", err)
	}
	if m := h.eng.MaxSpeed(); m != 10 {
		t.Errorf("MaxSpeed = %v, want 10", m)
	}
}

func TestViews(t *testing.T) {
	h := newHarness(t)
	mustPrepare(t, h)

	var buf bytes.Buffer
	if err := h.eng.ExportCSV(&buf, export.Options{}); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	if want := "stockId,o_type,odr_price\n2330,B,600\n2330,B,601\n2330,B,602\n"; buf.String() != want {
		t.Errorf("csv = %q, want %q", buf.String(), want)
	}

	sum, err := h.eng.Summary()
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Orders != 3 || sum.High != 602 {
		t.Errorf("summary = %+v, want 3 orders, high 602", sum)
	}

	series, err := h.eng.Series(time.Second)
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	if len(series.Quantity) != 1 || series.Quantity[0] != 3 {
		t.Errorf("series quantity = %v, want [3]", series.Quantity)
	}

	page, err := h.eng.Orders(1, 5)
	if err != nil {
		t.Fatalf("Orders: %v", err)
	}
	if len(page) != 2 || page[0].ID != "1" {
		t.Errorf("page = %+v, want 2 orders from id 1", page)
	}
}

func TestAvailableDates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.src.dates = []string{"2024-03-04"}
	dates, err := h.eng.AvailableDates(ctx, "2330", "2024-03")
	if err != nil {
		t.Fatalf("AvailableDates: %v", err)
	}
	if want := []string{"2024-03-04"}; !slices.Equal(dates, want) {
		t.Errorf("dates = %v, want %v", dates, want)
	}

	h.src.dates = nil
	h.eng.opts.Archive = fakeArchive{"2024-02-29", "2024-03-01", "2024-03-05"}
	dates, err = h.eng.AvailableDates(ctx, "2330", "2024-03")
	if err != nil {
		t.Fatalf("AvailableDates: %v", err)
	}
	if want := []string{"2024-03-01", "2024-03-05"}; !slices.Equal(dates, want) {
		t.Errorf("archive dates = %v, want %v", dates, want)
	}

	if _, err := h.eng.AvailableDates(ctx, "2330", "March"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("AvailableDates(March) = %v, want ErrInvalidRequest", err)
	}
}

func TestAvailableDatesSourceFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.src.datesErr = errors.New("listing unavailable")

	// Without an archive the source error is returned.
	if _, err := h.eng.AvailableDates(ctx, "2330", "2024-03"); err == nil || err.Error() != "listing unavailable" {
		t.Errorf("AvailableDates = %v, want the source error", err)
	}

	h.eng.opts.Archive = fakeArchive{"2024-03-01", "2024-04-02"}
	dates, err := h.eng.AvailableDates(ctx, "2330", "2024-03")
	if err != nil {
		t.Fatalf("AvailableDates with archive: %v", err)
	}
	if want := []string{"2024-03-01"}; !slices.Equal(dates, want) {
		t.Errorf("dates = %v, want %v", dates, want)
	}

	notes := h.notifications()
	if len(notes) != 2 {
		t.Fatalf("notifications = %d, want 2", len(notes))
	}
	for _, n := range notes {
		if n.Source != "source" || n.Level != notify.LevelError {
			t.Errorf("notification = %+v, want source error", n)
		}
	}
}

func TestSessions(t *testing.T) {
	h := newHarness(t)
	mustPrepare(t, h)

	list, err := h.eng.Sessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(list) != 1 || list[0].StockID != "2330" {
		t.Errorf("sessions = %+v, want one for 2330", list)
	}
}

func TestRiskManagerCheckOrder(t *testing.T) {
	tests := []struct {
		name    string
		rm      *RiskManager
		ev      domain.OrderEvent
		wantErr bool
		limit   bool
	}{
		{"unlimited", NewRiskManager(0, 0), domain.OrderEvent{ID: "1", Price: 1e6, Volume: 1e6}, false, false},
		{"zero volume", NewRiskManager(0, 0), domain.OrderEvent{ID: "2", Price: 10}, true, false},
		{"negative price", NewRiskManager(0, 0), domain.OrderEvent{ID: "3", Price: -1, Volume: 1}, true, false},
		{"volume limit", NewRiskManager(100, 0), domain.OrderEvent{ID: "4", Price: 1, Volume: 101}, true, true},
		{"notional limit", NewRiskManager(0, 5000), domain.OrderEvent{ID: "5", Price: 600, Volume: 9}, true, true},
		{"within limits", NewRiskManager(100, 5000), domain.OrderEvent{ID: "6", Price: 600, Volume: 8}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rm.CheckOrder(context.Background(), &tt.ev)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckOrder = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && errors.Is(err, ErrRiskLimit) != tt.limit {
				t.Errorf("errors.Is(ErrRiskLimit) = %v, want %v", !tt.limit, tt.limit)
			}
		})
	}
}
