package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"watchsync/config"
	"watchsync/internal/events"
	"watchsync/internal/store"
	"watchsync/models"
	"watchsync/services/playback"
	"watchsync/services/resolver"
	"watchsync/services/tracker"
)

type fakeProvider struct {
	id       string
	pages    [][]models.HistoryRecord
	fetched  []string
	failPage int // 1-based page index to fail on, 0 = never

	started   chan struct{} // closed when the first History call begins
	release   chan struct{} // when set, History blocks until closed
	startOnce sync.Once
}

func (f *fakeProvider) ID() string                          { return f.id }
func (f *fakeProvider) Sources() []playback.SnapshotSource  { return nil }
func (f *fakeProvider) CurrentItem(context.Context) (*models.CatalogItem, error) {
	return nil, nil
}

func (f *fakeProvider) History(_ context.Context, cursor string) ([]models.HistoryRecord, string, error) {
	if f.release != nil {
		f.startOnce.Do(func() { close(f.started) })
		<-f.release
	}
	f.fetched = append(f.fetched, cursor)
	idx := 0
	if cursor != "" {
		idx, _ = strconv.Atoi(cursor)
	}
	if f.failPage > 0 && idx == f.failPage-1 {
		return nil, "", errors.New("feed unavailable")
	}
	if idx >= len(f.pages) {
		return nil, "", nil
	}
	next := ""
	if idx+1 < len(f.pages) {
		next = strconv.Itoa(idx + 1)
	}
	return f.pages[idx], next, nil
}

type fakeResolverAPI struct {
	mu       sync.Mutex
	ids      map[string]int
	nextID   int
	resolves int
	forgot   []string
	fail     map[string]error // per-title resolution failures
}

func (f *fakeResolverAPI) Resolve(_ context.Context, item models.CatalogItem, _ *models.CatalogItem) (models.CatalogItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	if err := f.fail[item.Title]; err != nil {
		return item, err
	}
	if f.ids == nil {
		f.ids = map[string]int{}
	}
	id, ok := f.ids[item.Title]
	if !ok {
		f.nextID++
		id = 1000 + f.nextID
		f.ids[item.Title] = id
	}
	item.IDs = models.CatalogIDs{Trakt: id, Slug: resolver.Slugify(item.Title)}
	return item, nil
}

func (f *fakeResolverAPI) Forget(item models.CatalogItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgot = append(f.forgot, item.Title)
	return nil
}

type fakeSyncAPI struct {
	mu       sync.Mutex
	requests []tracker.SyncHistoryRequest
	notFound []int // trakt ids to reject
	err      error
}

func (f *fakeSyncAPI) AddToHistory(_ context.Context, req tracker.SyncHistoryRequest) (*tracker.SyncHistoryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}

	reject := make(map[int]bool, len(f.notFound))
	for _, id := range f.notFound {
		reject[id] = true
	}
	resp := &tracker.SyncHistoryResponse{}
	for _, m := range req.Movies {
		if reject[m.IDs.Trakt] {
			resp.NotFound.Movies = append(resp.NotFound.Movies, m)
			continue
		}
		resp.Added.Movies++
	}
	for _, ep := range req.Episodes {
		if reject[ep.IDs.Trakt] {
			resp.NotFound.Episodes = append(resp.NotFound.Episodes, ep)
			continue
		}
		resp.Added.Episodes++
	}
	return resp, nil
}

func newTestEngine(t *testing.T, tweak func(*config.Settings)) (*Engine, *fakeSyncAPI, *fakeResolverAPI, *store.Store) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mgr := config.NewManager(filepath.Join(dir, "settings.json"))
	settings, err := mgr.Load()
	if err != nil {
		t.Fatal(err)
	}
	settings.Providers = []config.ProviderSettings{{
		ID:          "netflix",
		Enabled:     true,
		SyncEnabled: true,
	}}
	settings.Sync.Concurrency = 2
	if tweak != nil {
		tweak(settings)
	}
	if err := mgr.Save(settings); err != nil {
		t.Fatal(err)
	}

	api := &fakeSyncAPI{}
	res := &fakeResolverAPI{}
	return NewEngine(res, api, st, events.NewBus(), mgr), api, res, st
}

func movieRecord(id string, ts int64, title string) models.HistoryRecord {
	watched := time.Unix(ts, 0).UTC()
	return models.HistoryRecord{
		ID:        id,
		Timestamp: ts,
		Item: models.CatalogItem{
			Type:      models.MediaTypeMovie,
			Title:     title,
			Year:      2020,
			NativeID:  id,
			ServiceID: "netflix",
			WatchedAt: &watched,
			Progress:  100,
		},
	}
}

func TestWatermarkShortCircuit(t *testing.T) {
	// 50 records newest-first, pages of 20. The watermark equals record 30,
	// so only records 1..29 are accepted and page 3 is never fetched.
	var all []models.HistoryRecord
	for i := 1; i <= 50; i++ {
		all = append(all, movieRecord(fmt.Sprintf("r%d", i), int64(5000-i*10), fmt.Sprintf("Movie %d", i)))
	}
	prov := &fakeProvider{id: "netflix", pages: [][]models.HistoryRecord{all[:20], all[20:40], all[40:]}}

	e, _, _, st := newTestEngine(t, nil)
	wm := models.SyncWatermark{Timestamp: all[29].Timestamp, ID: all[29].ID}
	if err := st.Set(store.BucketWatermark, "netflix", wm); err != nil {
		t.Fatal(err)
	}

	res, err := e.Sync(context.Background(), prov)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	if len(prov.fetched) != 2 {
		t.Fatalf("pages fetched = %v, want 2", prov.fetched)
	}
	if res.Submitted != 29 {
		t.Fatalf("submitted = %d, want 29", res.Submitted)
	}
	if res.Watermark.Timestamp != all[0].Timestamp || res.Watermark.ID != "r1" {
		t.Fatalf("watermark = %+v, want newest record", res.Watermark)
	}
}

func TestOnlyRecordsPastWatermarkSync(t *testing.T) {
	prov := &fakeProvider{id: "netflix", pages: [][]models.HistoryRecord{{
		movieRecord("y", 1500, "Younger"),
		movieRecord("x", 1000, "Boundary"),
		movieRecord("w", 500, "Older"),
	}}}

	e, api, _, st := newTestEngine(t, nil)
	if err := st.Set(store.BucketWatermark, "netflix", models.SyncWatermark{Timestamp: 1000, ID: "x"}); err != nil {
		t.Fatal(err)
	}

	res, err := e.Sync(context.Background(), prov)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Submitted != 1 {
		t.Fatalf("submitted = %d, want 1", res.Submitted)
	}
	if got := api.requests[0].Movies[0].Title; got != "Younger" {
		t.Fatalf("submitted title = %q", got)
	}
	if res.Watermark.Timestamp != 1500 || res.Watermark.ID != "y" {
		t.Fatalf("watermark = %+v, want {1500 y}", res.Watermark)
	}

	var persisted models.SyncWatermark
	if _, err := st.Get(store.BucketWatermark, "netflix", &persisted); err != nil {
		t.Fatal(err)
	}
	if persisted != res.Watermark {
		t.Fatalf("persisted watermark %+v != result %+v", persisted, res.Watermark)
	}
}

func TestEmptyFirstPageIsEndOfHistory(t *testing.T) {
	prov := &fakeProvider{id: "netflix", pages: nil}
	e, api, _, st := newTestEngine(t, nil)

	res, err := e.Sync(context.Background(), prov)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Submitted != 0 || len(api.requests) != 0 {
		t.Fatalf("submitted on empty history: %+v", res)
	}
	if found, _ := st.Get(store.BucketWatermark, "netflix", &models.SyncWatermark{}); found {
		t.Fatal("watermark written with nothing synced")
	}
}

func TestItemBudgetBoundsRun(t *testing.T) {
	var page []models.HistoryRecord
	for i := 1; i <= 10; i++ {
		page = append(page, movieRecord(fmt.Sprintf("r%d", i), int64(1000-i), fmt.Sprintf("Movie %d", i)))
	}
	prov := &fakeProvider{id: "netflix", pages: [][]models.HistoryRecord{page}}

	e, _, _, _ := newTestEngine(t, func(s *config.Settings) { s.Sync.ItemBudget = 3 })
	res, err := e.Sync(context.Background(), prov)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Submitted != 3 {
		t.Fatalf("submitted = %d, want 3", res.Submitted)
	}
}

func TestWatchedPercentFilter(t *testing.T) {
	abandoned := movieRecord("r2", 900, "Abandoned")
	abandoned.Item.Progress = 35
	prov := &fakeProvider{id: "netflix", pages: [][]models.HistoryRecord{{
		movieRecord("r1", 1000, "Finished"),
		abandoned,
	}}}

	e, api, _, _ := newTestEngine(t, nil)
	res, err := e.Sync(context.Background(), prov)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Submitted != 1 || res.Skipped != 1 {
		t.Fatalf("submitted=%d skipped=%d, want 1/1", res.Submitted, res.Skipped)
	}
	if got := api.requests[0].Movies[0].Title; got != "Finished" {
		t.Fatalf("submitted %q, want Finished", got)
	}
}

func TestUndatedRecordsNeedReleaseDateOptIn(t *testing.T) {
	undated := movieRecord("r1", 1000, "Undated")
	undated.Item.WatchedAt = nil

	prov := &fakeProvider{id: "netflix", pages: [][]models.HistoryRecord{{undated}}}
	e, _, _, _ := newTestEngine(t, nil)
	res, err := e.Sync(context.Background(), prov)
	if err != nil {
		t.Fatal(err)
	}
	if res.Submitted != 0 || res.Skipped != 1 {
		t.Fatalf("submitted=%d skipped=%d, want 0/1", res.Submitted, res.Skipped)
	}

	// With the opt-in, the record goes out dated "released".
	prov2 := &fakeProvider{id: "netflix", pages: [][]models.HistoryRecord{{undated}}}
	e2, api2, _, _ := newTestEngine(t, func(s *config.Settings) {
		s.Providers[0].SyncWithReleaseDate = true
	})
	if _, err := e2.Sync(context.Background(), prov2); err != nil {
		t.Fatal(err)
	}
	if len(api2.requests) != 1 || api2.requests[0].Movies[0].WatchedAt != "released" {
		t.Fatalf("requests = %+v, want one released movie", api2.requests)
	}
}

func TestNotFoundQueuedAndRetried(t *testing.T) {
	prov := &fakeProvider{id: "netflix", pages: [][]models.HistoryRecord{{
		movieRecord("r1", 1000, "Known"),
		movieRecord("r2", 900, "Unknown"),
	}}}

	e, api, res, st := newTestEngine(t, func(s *config.Settings) {
		s.Providers[0].SyncWithReleaseDate = true
	})
	res.ids = map[string]int{"Known": 7, "Unknown": 42}
	api.notFound = []int{42}

	out, err := e.Sync(context.Background(), prov)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if out.Added != 1 || out.NotFound != 1 {
		t.Fatalf("added=%d notFound=%d, want 1/1", out.Added, out.NotFound)
	}
	if len(res.forgot) != 1 || res.forgot[0] != "Unknown" {
		t.Fatalf("forgot = %v, want [Unknown]", res.forgot)
	}

	// The rejected item sits in the retry bucket with its watched date unset.
	keys, err := st.Keys(store.BucketPending)
	if err != nil || len(keys) != 1 {
		t.Fatalf("pending keys = %v (err %v), want 1", keys, err)
	}
	var queued models.CatalogItem
	if _, err := st.Get(store.BucketPending, keys[0], &queued); err != nil {
		t.Fatal(err)
	}
	if queued.WatchedAt != nil || !queued.IDs.Empty() {
		t.Fatalf("queued retry = %+v, want cleared date and ids", queued)
	}

	// Next run: nothing new in the feed, the service now knows the title.
	prov.pages = [][]models.HistoryRecord{}
	api.notFound = nil
	out2, err := e.Sync(context.Background(), prov)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if out2.Submitted != 1 || out2.Added != 1 {
		t.Fatalf("retry run: %+v", out2)
	}
	last := api.requests[len(api.requests)-1]
	if len(last.Movies) != 1 || last.Movies[0].WatchedAt != "released" {
		t.Fatalf("retry request = %+v", last)
	}
	if keys, _ := st.Keys(store.BucketPending); len(keys) != 0 {
		t.Fatalf("retry slot not cleared: %v", keys)
	}
}

func TestPaginationFailureLeavesWatermark(t *testing.T) {
	prov := &fakeProvider{
		id: "netflix",
		pages: [][]models.HistoryRecord{
			{movieRecord("r1", 1000, "First")},
			{movieRecord("r2", 900, "Second")},
		},
		failPage: 2,
	}

	e, api, _, st := newTestEngine(t, nil)
	if err := st.Set(store.BucketWatermark, "netflix", models.SyncWatermark{Timestamp: 100, ID: "old"}); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Sync(context.Background(), prov); err == nil {
		t.Fatal("expected pagination failure")
	}
	if len(api.requests) != 0 {
		t.Fatalf("submitted despite pagination failure: %v", api.requests)
	}

	var wm models.SyncWatermark
	if _, err := st.Get(store.BucketWatermark, "netflix", &wm); err != nil {
		t.Fatal(err)
	}
	if wm.Timestamp != 100 || wm.ID != "old" {
		t.Fatalf("watermark moved to %+v on failure", wm)
	}
}

func TestSubmitFailureLeavesWatermark(t *testing.T) {
	prov := &fakeProvider{id: "netflix", pages: [][]models.HistoryRecord{{
		movieRecord("r1", 1000, "First"),
	}}}

	e, api, _, st := newTestEngine(t, nil)
	api.err = errors.New("upstream 503")

	if _, err := e.Sync(context.Background(), prov); err == nil {
		t.Fatal("expected submit failure")
	}
	if found, _ := st.Get(store.BucketWatermark, "netflix", &models.SyncWatermark{}); found {
		t.Fatal("watermark written after failed submit")
	}

	// The same record syncs on the next run.
	api.err = nil
	res, err := e.Sync(context.Background(), prov)
	if err != nil {
		t.Fatalf("retry sync: %v", err)
	}
	if res.Submitted != 1 || res.Watermark.ID != "r1" {
		t.Fatalf("retry run: %+v", res)
	}
}

func TestWatermarkMonotonicAcrossRuns(t *testing.T) {
	e, _, _, st := newTestEngine(t, nil)

	prov := &fakeProvider{id: "netflix", pages: [][]models.HistoryRecord{{
		movieRecord("r1", 1000, "First"),
	}}}
	res1, err := e.Sync(context.Background(), prov)
	if err != nil {
		t.Fatal(err)
	}

	prov2 := &fakeProvider{id: "netflix", pages: [][]models.HistoryRecord{{
		movieRecord("r2", 2000, "Second"),
		movieRecord("r1", 1000, "First"),
	}}}
	res2, err := e.Sync(context.Background(), prov2)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Watermark.Timestamp < res1.Watermark.Timestamp {
		t.Fatalf("watermark regressed: %+v then %+v", res1.Watermark, res2.Watermark)
	}
	var wm models.SyncWatermark
	if _, err := st.Get(store.BucketWatermark, "netflix", &wm); err != nil {
		t.Fatal(err)
	}
	if wm.Timestamp != 2000 || wm.ID != "r2" {
		t.Fatalf("watermark = %+v, want {2000 r2}", wm)
	}
}

func TestUnknownProviderRejected(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	prov := &fakeProvider{id: "mystery"}
	if _, err := e.Sync(context.Background(), prov); err == nil {
		t.Fatal("expected error for unconfigured provider")
	}
}

func TestUnresolvedRecordSurvivesWatermarkAdvance(t *testing.T) {
	prov := &fakeProvider{id: "netflix", pages: [][]models.HistoryRecord{{
		movieRecord("r1", 1000, "Obscure"),
	}}}

	e, api, res, st := newTestEngine(t, nil)
	res.fail = map[string]error{"Obscure": resolver.ErrUnresolved}

	out, err := e.Sync(context.Background(), prov)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if out.Submitted != 0 || out.Skipped != 1 {
		t.Fatalf("submitted=%d skipped=%d, want 0/1", out.Submitted, out.Skipped)
	}
	if out.Watermark.ID != "r1" {
		t.Fatalf("watermark = %+v, want advanced to r1", out.Watermark)
	}

	// The record sits in the retry bucket with its watched date intact.
	keys, err := st.Keys(store.BucketPending)
	if err != nil || len(keys) != 1 {
		t.Fatalf("pending keys = %v (err %v), want 1", keys, err)
	}
	var queued models.CatalogItem
	if _, err := st.Get(store.BucketPending, keys[0], &queued); err != nil {
		t.Fatal(err)
	}
	if queued.WatchedAt == nil {
		t.Fatal("queued retry lost its watched date")
	}

	// Next run: nothing new in the feed, but the title now resolves.
	prov.pages = [][]models.HistoryRecord{}
	res.fail = nil
	out2, err := e.Sync(context.Background(), prov)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if out2.Submitted != 1 || out2.Added != 1 {
		t.Fatalf("retry run: %+v", out2)
	}
	last := api.requests[len(api.requests)-1]
	want := time.Unix(1000, 0).UTC().Format(time.RFC3339)
	if len(last.Movies) != 1 || last.Movies[0].WatchedAt != want {
		t.Fatalf("retry request = %+v, want watched at %s", last, want)
	}
	if keys, _ := st.Keys(store.BucketPending); len(keys) != 0 {
		t.Fatalf("retry slot not cleared: %v", keys)
	}
}

func TestTransientResolveFailureQueuedForRetry(t *testing.T) {
	prov := &fakeProvider{id: "netflix", pages: [][]models.HistoryRecord{{
		movieRecord("r1", 1000, "Flaky"),
	}}}

	e, _, res, st := newTestEngine(t, nil)
	res.fail = map[string]error{"Flaky": errors.New("search unavailable")}

	out, err := e.Sync(context.Background(), prov)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if out.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", out.Skipped)
	}
	if keys, _ := st.Keys(store.BucketPending); len(keys) != 1 {
		t.Fatalf("pending keys = %v, want 1", keys)
	}
}

func TestProvidersSyncIndependently(t *testing.T) {
	slowRec := movieRecord("n1", 1000, "Slow Movie")
	slow := &fakeProvider{
		id:      "netflix",
		pages:   [][]models.HistoryRecord{{slowRec}},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}

	fastRec := movieRecord("h1", 1000, "Fast Movie")
	fastRec.Item.ServiceID = "hulu"
	fast := &fakeProvider{id: "hulu", pages: [][]models.HistoryRecord{{fastRec}}}

	e, _, _, _ := newTestEngine(t, func(s *config.Settings) {
		s.Providers = append(s.Providers, config.ProviderSettings{
			ID:          "hulu",
			Enabled:     true,
			SyncEnabled: true,
		})
	})

	done := make(chan error, 1)
	go func() {
		_, err := e.Sync(context.Background(), slow)
		done <- err
	}()
	<-slow.started

	// The second provider completes while the first is mid-fetch.
	res, err := e.Sync(context.Background(), fast)
	if err != nil {
		t.Fatalf("fast sync: %v", err)
	}
	if res.Submitted != 1 {
		t.Fatalf("fast submitted = %d, want 1", res.Submitted)
	}

	close(slow.release)
	if err := <-done; err != nil {
		t.Fatalf("slow sync: %v", err)
	}
}
