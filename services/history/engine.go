// Package history reconciles a provider's own viewing-activity feed with the
// tracking service. Each run pages the feed newest-first down to a persisted
// high-water mark, resolves the new records, and submits them in one bulk
// call.
package history

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"watchsync/config"
	"watchsync/internal/events"
	"watchsync/internal/store"
	"watchsync/models"
	"watchsync/services/provider"
	"watchsync/services/resolver"
	"watchsync/services/tracker"
)

// watchedAtReleased asks the tracking service to date a record by release.
const watchedAtReleased = "released"

// TrackerAPI is the slice of the tracking service the engine submits to.
type TrackerAPI interface {
	AddToHistory(ctx context.Context, req tracker.SyncHistoryRequest) (*tracker.SyncHistoryResponse, error)
}

// ItemResolver attaches canonical identities and can drop a cached one that
// the tracking service rejected.
type ItemResolver interface {
	Resolve(ctx context.Context, item models.CatalogItem, correction *models.CatalogItem) (models.CatalogItem, error)
	Forget(item models.CatalogItem) error
}

// Engine runs watermark-bounded incremental history syncs.
type Engine struct {
	resolver ItemResolver
	api      TrackerAPI
	store    *store.Store
	bus      *events.Bus
	config   *config.Manager

	mu   sync.Mutex
	runs map[string]*sync.Mutex // one run at a time per provider
}

// SyncResult summarizes one sync run.
type SyncResult struct {
	RunID     string               `json:"runId"`
	Provider  string               `json:"provider"`
	Scanned   int                  `json:"scanned"`
	Submitted int                  `json:"submitted"`
	Added     int                  `json:"added"`
	NotFound  int                  `json:"notFound"`
	Skipped   int                  `json:"skipped"`
	Watermark models.SyncWatermark `json:"watermark"`
}

// NewEngine creates a history sync engine. Runs serialize per provider, so
// one provider's sync never delays another's.
func NewEngine(res ItemResolver, api TrackerAPI, st *store.Store, bus *events.Bus, cfg *config.Manager) *Engine {
	return &Engine{
		resolver: res,
		api:      api,
		store:    st,
		bus:      bus,
		config:   cfg,
		runs:     make(map[string]*sync.Mutex),
	}
}

func (e *Engine) runLock(providerID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.runs[providerID]
	if !ok {
		l = &sync.Mutex{}
		e.runs[providerID] = l
	}
	return l
}

// candidate is one record heading toward submission. pendingKey is set when
// the record was replayed from the retry bucket rather than fetched fresh.
type candidate struct {
	item       models.CatalogItem
	pendingKey string
}

// Sync runs one incremental sync for the provider. The watermark only
// advances after the run is at least partially successful; a pagination or
// submit failure leaves it untouched.
func (e *Engine) Sync(ctx context.Context, prov provider.Provider) (*SyncResult, error) {
	lock := e.runLock(prov.ID())
	lock.Lock()
	defer lock.Unlock()

	settings, err := e.config.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	ps := settings.GetProvider(prov.ID())
	if ps == nil {
		return nil, fmt.Errorf("provider %q not configured", prov.ID())
	}

	res := &SyncResult{RunID: uuid.NewString(), Provider: prov.ID()}

	var wm models.SyncWatermark
	if _, err := e.store.Get(store.BucketWatermark, prov.ID(), &wm); err != nil {
		return nil, fmt.Errorf("load watermark: %w", err)
	}
	res.Watermark = wm

	fresh, err := e.collect(ctx, prov, wm, settings.Sync.ItemBudget, res)
	if err != nil {
		e.bus.Publish(events.TopicHistoryError, err.Error())
		return nil, err
	}
	log.Printf("[history:%s] run %s: %d new records past watermark", prov.ID(), res.RunID, len(fresh))

	var candidates []candidate
	for _, c := range e.replayPending(prov.ID()) {
		// Undated retries wait in the bucket until release-date sync is on.
		if c.item.WatchedAt == nil && !ps.SyncWithReleaseDate {
			continue
		}
		candidates = append(candidates, c)
	}
	for _, rec := range fresh {
		item := rec.Item
		if item.Progress > 0 && item.Progress < ps.MinWatchedPercent {
			res.Skipped++
			continue
		}
		if item.WatchedAt == nil && !ps.SyncWithReleaseDate {
			res.Skipped++
			continue
		}
		candidates = append(candidates, candidate{item: item})
	}

	resolved := e.resolveAll(ctx, candidates, settings.Sync.Concurrency, res)

	req, movies, episodes := buildRequest(resolved)
	res.Submitted = len(movies) + len(episodes)

	if !req.IsEmpty() {
		resp, err := e.api.AddToHistory(ctx, req)
		if err != nil {
			e.bus.Publish(events.TopicSyncError, err.Error())
			return nil, fmt.Errorf("bulk submit: %w", err)
		}
		res.Added = resp.Added.Movies + resp.Added.Episodes
		e.reconcile(resp, movies, episodes, res)
	}

	if len(fresh) > 0 {
		next := models.SyncWatermark{Timestamp: fresh[0].Timestamp, ID: fresh[0].ID}
		if next.Timestamp >= wm.Timestamp {
			if err := e.store.Set(store.BucketWatermark, prov.ID(), next); err != nil {
				return nil, fmt.Errorf("persist watermark: %w", err)
			}
			res.Watermark = next
		}
	}

	log.Printf("[history:%s] run %s: submitted=%d added=%d notFound=%d skipped=%d",
		prov.ID(), res.RunID, res.Submitted, res.Added, res.NotFound, res.Skipped)
	e.bus.Publish(events.TopicSyncSuccess, res)
	return res, nil
}

// collect pages the feed newest-first, stopping at end-of-history, the
// watermark boundary, or the item budget. No page beyond the one containing
// the boundary record is fetched.
func (e *Engine) collect(ctx context.Context, prov provider.Provider, wm models.SyncWatermark, budget int, res *SyncResult) ([]models.HistoryRecord, error) {
	var out []models.HistoryRecord
	cursor := ""
	first := true
	for {
		page, next, err := prov.History(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("history page %q: %w", cursor, err)
		}
		if first && len(page) == 0 {
			return nil, nil
		}
		first = false

		for _, rec := range page {
			res.Scanned++
			if !wm.IsZero() && wm.Covers(rec.Timestamp, rec.ID) {
				return out, nil
			}
			out = append(out, rec)
			if budget > 0 && len(out) >= budget {
				return out, nil
			}
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// replayPending loads items earlier runs queued for retry, whether the
// service rejected them or their resolution failed.
func (e *Engine) replayPending(providerID string) []candidate {
	keys, err := e.store.Keys(store.BucketPending)
	if err != nil {
		log.Printf("[history:%s] list pending retries: %v", providerID, err)
		return nil
	}

	var out []candidate
	prefix := providerID + "/"
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var item models.CatalogItem
		found, err := e.store.Get(store.BucketPending, key, &item)
		if err != nil || !found {
			continue
		}
		out = append(out, candidate{item: item, pendingKey: key})
	}
	return out
}

// resolveAll resolves candidates with a bounded worker pool, preserving
// order. A candidate whose resolution fails sits out this run in the retry
// bucket: the watermark will move past its record, so the bucket is the only
// way a later run sees it again.
func (e *Engine) resolveAll(ctx context.Context, candidates []candidate, workers int, res *SyncResult) []candidate {
	if workers <= 0 {
		workers = 4
	}
	workerPool := pool.New().WithMaxGoroutines(workers)

	resolved := make([]*candidate, len(candidates))
	var mu sync.Mutex

	for i := range candidates {
		i := i
		workerPool.Go(func() {
			c := candidates[i]
			item, err := e.resolver.Resolve(ctx, c.item, nil)
			if err != nil {
				if !errors.Is(err, resolver.ErrUnresolved) {
					log.Printf("[history:%s] resolve %q: %v", c.item.ServiceID, c.item.Title, err)
				}
				mu.Lock()
				res.Skipped++
				mu.Unlock()
				e.park(c)
				return
			}
			c.item = item
			resolved[i] = &c
		})
	}
	workerPool.Wait()

	out := make([]candidate, 0, len(candidates))
	for _, c := range resolved {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out
}

// park queues a resolution-failed candidate for replay. A candidate that
// came out of the retry bucket still has its slot and stays as-is.
func (e *Engine) park(c candidate) {
	if c.pendingKey != "" {
		return
	}
	key := c.item.ServiceID + "/" + resolver.CacheKey(c.item)
	if err := e.store.Set(store.BucketPending, key, c.item); err != nil {
		log.Printf("[history:%s] queue retry: %v", c.item.ServiceID, err)
	}
}

// buildRequest converts resolved candidates into the bulk wire shape,
// returning the submitted movies and episodes in request order for
// acknowledgement matching.
func buildRequest(resolved []candidate) (tracker.SyncHistoryRequest, []candidate, []candidate) {
	var req tracker.SyncHistoryRequest
	var movies, episodes []candidate

	for _, c := range resolved {
		watched := watchedAtReleased
		if c.item.WatchedAt != nil {
			watched = c.item.WatchedAt.UTC().Format(time.RFC3339)
		}
		if c.item.Type == models.MediaTypeMovie {
			req.Movies = append(req.Movies, tracker.HistoryMovie{
				WatchedAt: watched,
				Title:     c.item.Title,
				Year:      c.item.Year,
				IDs:       c.item.IDs,
			})
			movies = append(movies, c)
			continue
		}
		req.Episodes = append(req.Episodes, tracker.HistoryEpisode{
			WatchedAt: watched,
			IDs:       c.item.IDs,
		})
		episodes = append(episodes, c)
	}
	return req, movies, episodes
}

// reconcile applies the per-item acknowledgements: items the service did not
// recognize lose their cached identity and watched date and are queued for a
// later retry; everything else is settled and leaves the retry bucket.
func (e *Engine) reconcile(resp *tracker.SyncHistoryResponse, movies, episodes []candidate, res *SyncResult) {
	nfMovies := make(map[int]bool, len(resp.NotFound.Movies))
	for _, m := range resp.NotFound.Movies {
		nfMovies[m.IDs.Trakt] = true
	}
	nfEpisodes := make(map[int]bool, len(resp.NotFound.Episodes))
	for _, ep := range resp.NotFound.Episodes {
		nfEpisodes[ep.IDs.Trakt] = true
	}

	for _, c := range movies {
		e.settle(c, nfMovies[c.item.IDs.Trakt], res)
	}
	for _, c := range episodes {
		e.settle(c, nfEpisodes[c.item.IDs.Trakt], res)
	}
}

func (e *Engine) settle(c candidate, notFound bool, res *SyncResult) {
	if !notFound {
		if c.pendingKey != "" {
			if err := e.store.Remove(store.BucketPending, c.pendingKey); err != nil {
				log.Printf("[history:%s] clear retry slot %s: %v", c.item.ServiceID, c.pendingKey, err)
			}
		}
		return
	}

	res.NotFound++
	log.Printf("[history:%s] service does not know %q, queued for retry", c.item.ServiceID, c.item.Title)
	if err := e.resolver.Forget(c.item); err != nil {
		log.Printf("[history:%s] drop cached identity: %v", c.item.ServiceID, err)
	}

	retry := c.item
	retry.WatchedAt = nil
	retry.IDs = models.CatalogIDs{}
	key := retry.ServiceID + "/" + resolver.CacheKey(retry)
	if err := e.store.Set(store.BucketPending, key, retry); err != nil {
		log.Printf("[history:%s] queue retry: %v", c.item.ServiceID, err)
	}
}
