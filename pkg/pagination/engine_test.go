package pagination

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/Sternrassler/api-query/internal/testutil"
	"github.com/Sternrassler/api-query/pkg/client"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *recordingSleeper) {
	t.Helper()
	sleeper := &recordingSleeper{}
	opts = append([]Option{WithBackoff(testBackoff()), WithSleeper(sleeper.Sleep)}, opts...)
	return NewEngine(newTestClient(t), opts...), sleeper
}

// ids decodes the fixture record IDs in order.
func ids(t *testing.T, records []Record) []int {
	t.Helper()
	out := make([]int, len(records))
	for i, rec := range records {
		var r testutil.Record
		if err := json.Unmarshal(rec, &r); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		out[i] = r.ID
	}
	return out
}

func assertSequential(t *testing.T, got []int, want int) {
	t.Helper()
	if len(got) != want {
		t.Fatalf("got %d records, want %d", len(got), want)
	}
	for i, id := range got {
		if id != i {
			t.Fatalf("record %d has id %d, want %d", i, id, i)
		}
	}
}

func TestEngine_TokenPagination(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	// three pages of ten linked by next_token
	mock.SetHandler("/items", func(w http.ResponseWriter, r *http.Request) {
		page := 0
		if tok := r.URL.Query().Get("page_token"); tok != "" {
			page, _ = strconv.Atoi(tok)
		}
		body := map[string]any{"data": testutil.Records(page*10, 10)}
		if page < 2 {
			body["next_token"] = strconv.Itoa(page + 1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})

	engine, sleeper := newTestEngine(t)
	records, err := engine.Collect(context.Background(), Query{Endpoint: mock.URL() + "/items"})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	assertSequential(t, ids(t, records), 30)
	if mock.RequestCount() != 3 {
		t.Errorf("RequestCount() = %d, want 3", mock.RequestCount())
	}
	if len(sleeper.Delays()) != 0 {
		t.Errorf("retries = %d, want 0", len(sleeper.Delays()))
	}
}

func TestEngine_RetriesWithinPage(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.TokenPaged("/items", 5, 5, 5)
	mock.FailNext("/items", url.Values{"page_token": {"p1"}}, http.StatusServiceUnavailable, 2)

	var events []RetryEvent
	engine, sleeper := newTestEngine(t, WithRetryHook(func(ev RetryEvent) { events = append(events, ev) }))
	records, err := engine.Collect(context.Background(), Query{Endpoint: mock.URL() + "/items", MaxRetries: 3})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	assertSequential(t, ids(t, records), 15)
	if len(sleeper.Delays()) != 2 {
		t.Fatalf("retries = %d, want 2", len(sleeper.Delays()))
	}
	for _, ev := range events {
		if ev.PageIndex != 1 {
			t.Errorf("retry on page %d, want 1", ev.PageIndex)
		}
	}
	if got := mock.CountWhere("/items", "page_token", "p1"); got != 3 {
		t.Errorf("requests for p1 = %d, want 3", got)
	}
}

func TestEngine_PermanentFailureStopsQuery(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.TokenPaged("/items", 10, 10, 10)
	mock.FailNext("/items", url.Values{"page_token": {"p1"}}, http.StatusNotFound, 1)

	engine, sleeper := newTestEngine(t)

	var got []Record
	var errs []error
	for rec, err := range engine.Run(context.Background(), Query{Endpoint: mock.URL() + "/items", MaxRetries: 3}) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		got = append(got, rec)
	}

	assertSequential(t, ids(t, got), 10)
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want exactly 1", len(errs))
	}
	var qe *QueryError
	if !errors.As(errs[0], &qe) {
		t.Fatalf("error = %v, want *QueryError", errs[0])
	}
	if qe.PageIndex != 1 || qe.Page() != 2 {
		t.Errorf("QueryError page index %d (page %d), want index 1 (page 2)", qe.PageIndex, qe.Page())
	}
	if !errors.Is(errs[0], ErrPermanent) {
		t.Errorf("error %v does not match ErrPermanent", errs[0])
	}
	if len(sleeper.Delays()) != 0 {
		t.Errorf("retries = %d, want 0", len(sleeper.Delays()))
	}
	if mock.RequestCount() != 2 {
		t.Errorf("RequestCount() = %d, want 2", mock.RequestCount())
	}
}

func TestEngine_OffsetFallbackExhaustsOnShortPage(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.OffsetPaged("/items", 5*10+4, testutil.OffsetOptions{})

	var progress []Progress
	engine, _ := newTestEngine(t, WithProgress(func(p Progress) { progress = append(progress, p) }))
	records, err := engine.Collect(context.Background(), Query{Endpoint: mock.URL() + "/items", PageSize: 10})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	assertSequential(t, ids(t, records), 54)
	if mock.RequestCount() != 6 {
		t.Errorf("RequestCount() = %d, want 6", mock.RequestCount())
	}
	if len(progress) != 6 {
		t.Fatalf("progress reports = %d, want 6", len(progress))
	}
	last := progress[len(progress)-1]
	if last.PageIndex != 5 || last.PageRecords != 4 || last.Records != 54 {
		t.Errorf("last progress = %+v", last)
	}
	for i, p := range progress {
		if p.PageIndex != i {
			t.Errorf("progress[%d].PageIndex = %d", i, p.PageIndex)
		}
	}
}

func TestEngine_OffsetModeConcurrencyPreservesOrder(t *testing.T) {
	const total = 137

	for _, concurrency := range []int{1, 2, 8} {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			mock := testutil.NewMockAPI()
			defer mock.Close()
			mock.OffsetPaged("/items", total, testutil.OffsetOptions{MaxDelay: 20 * time.Millisecond})

			engine, _ := newTestEngine(t)
			records, err := engine.Collect(context.Background(), Query{
				Endpoint:    mock.URL() + "/items",
				Mode:        ModeOffset,
				PageSize:    10,
				Concurrency: concurrency,
			})
			if err != nil {
				t.Fatalf("Collect() error = %v", err)
			}
			assertSequential(t, ids(t, records), total)

			for offset := 0; offset < total; offset += 10 {
				if n := mock.CountWhere("/items", "offset", strconv.Itoa(offset)); n != 1 {
					t.Errorf("offset %d requested %d times, want 1", offset, n)
				}
			}
		})
	}
}

func TestEngine_OffsetModePageNumbers(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.OffsetPaged("/items", 45, testutil.OffsetOptions{OffsetParam: "page", LimitParam: "per_page", PageNumbers: true})

	engine, _ := newTestEngine(t)
	records, err := engine.Collect(context.Background(), Query{
		Endpoint:      mock.URL() + "/items",
		Mode:          ModeOffset,
		PageSize:      10,
		PageSizeParam: "per_page",
		OffsetParam:   "page",
		OffsetStyle:   OffsetPages,
		Concurrency:   3,
	})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	assertSequential(t, ids(t, records), 45)
	if mock.CountWhere("/items", "page", "0") != 0 {
		t.Error("requested page 0 with 1-based page numbers")
	}
}

func TestEngine_WindowedFailureKeepsEarlierPages(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.OffsetPaged("/items", 100, testutil.OffsetOptions{})
	mock.FailNext("/items", url.Values{"offset": {"20"}}, http.StatusNotFound, 1)

	engine, _ := newTestEngine(t)
	var got []Record
	var qerr error
	for rec, err := range engine.Run(context.Background(), Query{
		Endpoint:    mock.URL() + "/items",
		Mode:        ModeOffset,
		PageSize:    10,
		Concurrency: 4,
	}) {
		if err != nil {
			qerr = err
			continue
		}
		got = append(got, rec)
	}

	assertSequential(t, ids(t, got), 20)
	var qe *QueryError
	if !errors.As(qerr, &qe) || qe.PageIndex != 2 {
		t.Fatalf("error = %v, want QueryError at index 2", qerr)
	}
}

func TestEngine_EmptyFirstPage(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.TokenPaged("/items", 0)

	engine, _ := newTestEngine(t)
	records, err := engine.Collect(context.Background(), Query{Endpoint: mock.URL() + "/items", PageSize: 10})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
	if mock.RequestCount() != 1 {
		t.Errorf("RequestCount() = %d, want 1", mock.RequestCount())
	}
}

func TestEngine_EmptyBodyMidQueryFails(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	// page p1 of three answers 200 with no body
	mock.SetHandler("/items", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page_token") {
		case "":
			_ = json.NewEncoder(w).Encode(map[string]any{"items": testutil.Records(0, 10), "next": "p1"})
		case "p1":
			w.WriteHeader(http.StatusOK)
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"items": testutil.Records(20, 10)})
		}
	})

	engine, sleeper := newTestEngine(t)
	records, err := engine.Collect(context.Background(), Query{Endpoint: mock.URL() + "/items", MaxRetries: 3})

	var qe *QueryError
	if !errors.As(err, &qe) || qe.PageIndex != 1 {
		t.Fatalf("Collect() error = %v, want QueryError at index 1", err)
	}
	if !errors.Is(err, ErrPermanent) {
		t.Errorf("error %v does not match ErrPermanent", err)
	}
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Errorf("error %v does not wrap *DecodeError", err)
	}
	assertSequential(t, ids(t, records), 10)
	if len(sleeper.Delays()) != 0 {
		t.Errorf("retries = %d, want 0", len(sleeper.Delays()))
	}
	if mock.RequestCount() != 2 {
		t.Errorf("RequestCount() = %d, want 2", mock.RequestCount())
	}
}

func TestEngine_LogLinesHaveUniqueKeys(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.TokenPaged("/items", 2, 2)

	var buf bytes.Buffer
	engine, _ := newTestEngine(t, WithLogger(zerolog.New(&buf).Level(zerolog.DebugLevel)))
	if _, err := engine.Collect(context.Background(), Query{Endpoint: mock.URL() + "/items"}); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	fetchLines := 0
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if n := bytes.Count(line, []byte(`"endpoint":`)); n > 1 {
			t.Errorf("endpoint logged %d times: %s", n, line)
		}
		if bytes.Contains(line, []byte("Fetching page")) {
			fetchLines++
			if !bytes.Contains(line, []byte(`"url":`)) {
				t.Errorf("fetch line without url: %s", line)
			}
		}
	}
	if fetchLines != 2 {
		t.Errorf("got %d fetch lines, want 2", fetchLines)
	}
}

func TestEngine_MaxRecords(t *testing.T) {
	t.Run("token mode", func(t *testing.T) {
		mock := testutil.NewMockAPI()
		defer mock.Close()
		mock.TokenPaged("/items", 10, 10, 10)

		engine, _ := newTestEngine(t)
		records, err := engine.Collect(context.Background(), Query{Endpoint: mock.URL() + "/items", MaxRecords: 15})
		if err != nil {
			t.Fatalf("Collect() error = %v", err)
		}
		assertSequential(t, ids(t, records), 15)
		if mock.RequestCount() != 2 {
			t.Errorf("RequestCount() = %d, want 2", mock.RequestCount())
		}
	})

	t.Run("offset mode", func(t *testing.T) {
		mock := testutil.NewMockAPI()
		defer mock.Close()
		mock.OffsetPaged("/items", 100, testutil.OffsetOptions{})

		engine, _ := newTestEngine(t)
		records, err := engine.Collect(context.Background(), Query{
			Endpoint:    mock.URL() + "/items",
			Mode:        ModeOffset,
			PageSize:    10,
			Concurrency: 8,
			MaxRecords:  15,
		})
		if err != nil {
			t.Fatalf("Collect() error = %v", err)
		}
		assertSequential(t, ids(t, records), 15)
		if mock.RequestCount() != 2 {
			t.Errorf("RequestCount() = %d, want 2", mock.RequestCount())
		}
	})
}

func TestEngine_PageLimitExceeded(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.TokenPaged("/items", 10, 10, 10)

	engine, _ := newTestEngine(t)
	records, err := engine.Collect(context.Background(), Query{Endpoint: mock.URL() + "/items", MaxPages: 2})

	if !errors.Is(err, ErrPageLimitExceeded) {
		t.Fatalf("Collect() error = %v, want ErrPageLimitExceeded", err)
	}
	var qe *QueryError
	if errors.As(err, &qe) && qe.PageIndex != 2 {
		t.Errorf("QueryError.PageIndex = %d, want 2", qe.PageIndex)
	}
	assertSequential(t, ids(t, records), 20)
	if mock.RequestCount() != 2 {
		t.Errorf("RequestCount() = %d, want 2", mock.RequestCount())
	}
}

func TestEngine_PageLimitReachedExactly(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.TokenPaged("/items", 10, 10)

	engine, _ := newTestEngine(t)
	records, err := engine.Collect(context.Background(), Query{Endpoint: mock.URL() + "/items", MaxPages: 2})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	assertSequential(t, ids(t, records), 20)
}

func TestEngine_LinkHeaderPagination(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/v1/things", func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("cursor"))
		if page < 2 {
			w.Header().Set("Link", fmt.Sprintf(`</v1/things?cursor=%d>; rel="next"`, page+1))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(testutil.Records(page*3, 3))
	})

	engine, _ := newTestEngine(t)
	records, err := engine.Collect(context.Background(), Query{
		Endpoint: mock.URL() + "/v1/things",
		Params:   url.Values{"sort": {"id"}},
	})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	assertSequential(t, ids(t, records), 9)

	reqs := mock.Requests()
	if reqs[0].Query.Get("sort") != "id" {
		t.Errorf("first request query = %v, want sort=id", reqs[0].Query)
	}
	if reqs[2].Query.Get("cursor") != "2" {
		t.Errorf("third request query = %v, want cursor=2", reqs[2].Query)
	}
}

func TestEngine_InvalidQuery(t *testing.T) {
	engine, _ := newTestEngine(t)

	n := 0
	for _, err := range engine.Run(context.Background(), Query{Endpoint: "not a url"}) {
		n++
		if !errors.Is(err, ErrInvalidQuery) {
			t.Errorf("error = %v, want ErrInvalidQuery", err)
		}
	}
	if n != 1 {
		t.Errorf("yielded %d times, want 1", n)
	}
}

func TestEngine_RunIsRepeatable(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.OffsetPaged("/items", 42, testutil.OffsetOptions{MaxDelay: 5 * time.Millisecond})

	engine, _ := newTestEngine(t)
	seq := engine.Run(context.Background(), Query{
		Endpoint:    mock.URL() + "/items",
		Mode:        ModeOffset,
		PageSize:    5,
		Concurrency: 4,
	})

	for round := 0; round < 2; round++ {
		var got []Record
		for rec, err := range seq {
			if err != nil {
				t.Fatalf("round %d: %v", round, err)
			}
			got = append(got, rec)
		}
		assertSequential(t, ids(t, got), 42)
	}
}

func TestEngine_ConsumerStopsEarly(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.TokenPaged("/items", 10, 10, 10)

	engine, _ := newTestEngine(t)
	n := 0
	for _, err := range engine.Run(context.Background(), Query{Endpoint: mock.URL() + "/items"}) {
		if err != nil {
			t.Fatal(err)
		}
		n++
		if n == 5 {
			break
		}
	}
	if mock.RequestCount() != 1 {
		t.Errorf("RequestCount() = %d, want 1", mock.RequestCount())
	}
}

// blockingSender serves offset pages of pageSize records below limit and
// blocks until cancellation for anything at or past it.
func blockingSender(pageSize, limit int) client.Sender {
	return client.SenderFunc(func(ctx context.Context, req *client.Request) (*client.Response, error) {
		offset, _ := strconv.Atoi(req.Params.Get("offset"))
		if offset >= limit {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		body, err := json.Marshal(testutil.Records(offset, pageSize))
		if err != nil {
			return nil, err
		}
		return &client.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: body}, nil
	})
}

func TestEngine_CancellationStopsFetches(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := NewEngine(blockingSender(10, 20), WithSleeper((&recordingSleeper{}).Sleep), WithGracePeriod(2*time.Second))
	q := Query{Endpoint: "https://api.example.com/items", Mode: ModeOffset, PageSize: 10, Concurrency: 4}

	n := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, err := range engine.Run(ctx, q) {
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			n++
			if n == 20 {
				cancel()
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if n != 20 {
		t.Errorf("got %d records, want 20", n)
	}
}

func TestEngine_EarlyBreakStopsFetches(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	engine := NewEngine(blockingSender(10, 10), WithSleeper((&recordingSleeper{}).Sleep))
	q := Query{Endpoint: "https://api.example.com/items", Mode: ModeOffset, PageSize: 10, Concurrency: 8}

	n := 0
	for _, err := range engine.Run(context.Background(), q) {
		if err != nil {
			t.Fatal(err)
		}
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Errorf("got %d records, want 3", n)
	}
}

func TestEngine_CollectReportsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine(blockingSender(10, 0))
	_, err := engine.Collect(ctx, Query{Endpoint: "https://api.example.com/items"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Collect() error = %v, want context.Canceled", err)
	}
}
