// Package resolver maps provider-native items to canonical catalog
// identities, consulting a persistent cache before falling back to the
// tracking service's search endpoints.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"watchsync/internal/store"
	"watchsync/internal/transport"
	"watchsync/models"
	"watchsync/services/tracker"
)

// ErrUnresolved marks an item the remote search could not match. It is a
// sentinel, not a failure: callers distinguish "known unmatched" from "not
// yet attempted". Unresolved markers live only in the process-local negative
// cache so later runs retry.
var ErrUnresolved = errors.New("item unresolved")

// negativeCacheSize bounds the per-process unresolved marker cache.
const negativeCacheSize = 1024

// SearchAPI is the slice of the tracking service the resolver needs.
type SearchAPI interface {
	SearchMovie(ctx context.Context, query string) ([]tracker.SearchResult, error)
	SearchShow(ctx context.Context, query string) ([]tracker.SearchResult, error)
	GetEpisode(ctx context.Context, showTrakt, season, number int) (*tracker.Episode, error)
	GetSeasonEpisodes(ctx context.Context, showTrakt, season int) ([]tracker.Episode, error)
}

// Resolver resolves catalog items with cache assistance.
type Resolver struct {
	api   SearchAPI
	store *store.Store
	neg   *lru.Cache[string, struct{}]
}

// New creates a resolver backed by the given search API and durable store.
func New(api SearchAPI, st *store.Store) *Resolver {
	neg, _ := lru.New[string, struct{}](negativeCacheSize)
	return &Resolver{api: api, store: st, neg: neg}
}

// CacheKey returns the normalized identity path for an item:
// /movies/{slug}-{year} or /shows/{slug}/seasons/{n}/episodes/{n|slug}.
func CacheKey(item models.CatalogItem) string {
	if item.Type == models.MediaTypeMovie {
		s := Slugify(item.Title)
		if item.Year > 0 {
			return fmt.Sprintf("/movies/%s-%d", s, item.Year)
		}
		return "/movies/" + s
	}
	epPart := Slugify(item.EpisodeTitle)
	if item.Episode > 0 {
		epPart = fmt.Sprintf("%d", item.Episode)
	}
	return fmt.Sprintf("/shows/%s/seasons/%d/episodes/%s", Slugify(item.Title), item.Season, epPart)
}

func (r *Resolver) bucket(serviceID string) string {
	return store.BucketResolver + "/" + serviceID
}

// Resolve returns the item with its canonical identity attached. With a
// correction, the cache read is skipped, the corrected target is searched,
// and the cache entry is overwritten.
func (r *Resolver) Resolve(ctx context.Context, item models.CatalogItem, correction *models.CatalogItem) (models.CatalogItem, error) {
	target := item
	if correction != nil {
		target = *correction
		target.NativeID = item.NativeID
		target.ServiceID = item.ServiceID
		target.WatchedAt = item.WatchedAt
		target.Progress = item.Progress
	}

	key := CacheKey(target)
	bucket := r.bucket(item.ServiceID)

	if correction == nil {
		if _, unmatched := r.neg.Get(bucket + key); unmatched {
			return item, ErrUnresolved
		}
		var cached models.CatalogItem
		hit, err := r.store.Get(bucket, key, &cached)
		if err != nil {
			log.Printf("[resolver] cache read failed for %s: %v", key, err)
		} else if hit {
			return withIdentity(item, cached), nil
		}
	}

	resolved, err := r.resolveRemote(ctx, target)
	if errors.Is(err, ErrUnresolved) {
		r.neg.Add(bucket+key, struct{}{})
		return item, ErrUnresolved
	}
	if err != nil {
		return item, err
	}

	// The durable cache stores identity only, never watch timestamps, so an
	// entry is safe to reuse across unrelated watch events.
	entry := resolved
	entry.WatchedAt = nil
	entry.Progress = 0
	if err := r.store.Set(bucket, key, entry); err != nil {
		log.Printf("[resolver] cache write failed for %s: %v", key, err)
	}

	return withIdentity(item, resolved), nil
}

// Forget drops the cached identity for one item so the next Resolve runs a
// fresh search. Used when the tracking service rejects a previously cached
// identity as unknown.
func (r *Resolver) Forget(item models.CatalogItem) error {
	key := CacheKey(item)
	bucket := r.bucket(item.ServiceID)
	r.neg.Remove(bucket + key)
	return r.store.Remove(bucket, key)
}

// ClearCache drops every cache entry for the provider, durable and negative.
// Other providers' entries are untouched.
func (r *Resolver) ClearCache(serviceID string) error {
	prefix := r.bucket(serviceID)
	for _, key := range r.neg.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.neg.Remove(key)
		}
	}
	return r.store.Clear(prefix)
}

// withIdentity copies the canonical identity of src onto dst, preserving
// dst's provenance and watch data.
func withIdentity(dst, src models.CatalogItem) models.CatalogItem {
	dst.IDs = src.IDs
	dst.ShowIDs = src.ShowIDs
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Year > 0 {
		dst.Year = src.Year
	}
	if src.EpisodeTitle != "" {
		dst.EpisodeTitle = src.EpisodeTitle
	}
	if src.Episode > 0 {
		dst.Episode = src.Episode
	}
	return dst
}

func (r *Resolver) resolveRemote(ctx context.Context, item models.CatalogItem) (models.CatalogItem, error) {
	switch item.Type {
	case models.MediaTypeMovie:
		return r.resolveMovie(ctx, item)
	case models.MediaTypeEpisode:
		return r.resolveEpisode(ctx, item)
	default:
		return item, fmt.Errorf("unknown media type %q", item.Type)
	}
}

func (r *Resolver) resolveMovie(ctx context.Context, item models.CatalogItem) (models.CatalogItem, error) {
	results, err := r.api.SearchMovie(ctx, item.Title)
	if err != nil {
		return item, fmt.Errorf("movie search: %w", err)
	}

	// Exact title+year match wins; first title-only match otherwise.
	var fallback *tracker.Movie
	for i := range results {
		m := results[i].Movie
		if m == nil || !strings.EqualFold(m.Title, item.Title) {
			continue
		}
		if item.Year > 0 && m.Year == item.Year {
			item.IDs = m.IDs
			item.Year = m.Year
			return item, nil
		}
		if fallback == nil {
			fallback = m
		}
	}
	if fallback != nil {
		item.IDs = fallback.IDs
		if item.Year == 0 {
			item.Year = fallback.Year
		}
		return item, nil
	}
	return item, ErrUnresolved
}

func (r *Resolver) resolveEpisode(ctx context.Context, item models.CatalogItem) (models.CatalogItem, error) {
	results, err := r.api.SearchShow(ctx, item.Title)
	if err != nil {
		return item, fmt.Errorf("show search: %w", err)
	}

	var show *tracker.Show
	for i := range results {
		if results[i].Show != nil {
			show = results[i].Show
			break
		}
	}
	if show == nil || show.IDs.Trakt == 0 {
		return item, ErrUnresolved
	}
	item.ShowIDs = show.IDs

	if item.Episode > 0 {
		ep, err := r.api.GetEpisode(ctx, show.IDs.Trakt, item.Season, item.Episode)
		if err != nil {
			if isNotFound(err) {
				return item, ErrUnresolved
			}
			return item, fmt.Errorf("episode lookup: %w", err)
		}
		item.IDs = ep.IDs
		if item.EpisodeTitle == "" {
			item.EpisodeTitle = ep.Title
		}
		return item, nil
	}

	// Episode number unknown: match by episode title within the season.
	eps, err := r.api.GetSeasonEpisodes(ctx, show.IDs.Trakt, item.Season)
	if err != nil {
		if isNotFound(err) {
			return item, ErrUnresolved
		}
		return item, fmt.Errorf("season lookup: %w", err)
	}
	want := normalizeTitle(item.EpisodeTitle)
	for i := range eps {
		if normalizeTitle(eps[i].Title) == want && want != "" {
			item.IDs = eps[i].IDs
			item.Episode = eps[i].Number
			return item, nil
		}
	}
	return item, ErrUnresolved
}

func isNotFound(err error) bool {
	apiErr, ok := transport.AsAPIError(err)
	return ok && apiErr.StatusCode == 404
}

// normalizeTitle lowercases and strips leading articles and surrounding
// whitespace for the episode-title tie-break.
func normalizeTitle(title string) string {
	t := strings.ToLower(strings.TrimSpace(title))
	for _, article := range []string{"the ", "a ", "an "} {
		if strings.HasPrefix(t, article) {
			t = strings.TrimSpace(t[len(article):])
			break
		}
	}
	return t
}
