package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"watchsync/internal/transport"
	"watchsync/models"
	"watchsync/services/playback"
)

const (
	netflixID       = "netflix"
	netflixPageSize = 20

	// netflixPlayerQuery reads the player app state global the web player
	// keeps outside the DOM.
	netflixPlayerQuery = `(() => {
		const api = window.netflix && window.netflix.appContext.state.playerApp.getAPI();
		if (!api) return null;
		const ids = api.videoPlayer.getAllPlayerSessionIds();
		if (!ids.length) return null;
		const p = api.videoPlayer.getVideoPlayerBySessionId(ids[0]);
		return { currentTime: p.getCurrentTime() / 1000, duration: p.getDuration() / 1000, isPaused: p.isPaused() };
	})()`

	// netflixMetadataQuery identifies the video loaded in the player page.
	netflixMetadataQuery = `(() => {
		const data = window.netflix && window.netflix.falcorCache;
		if (!data || !data.currentVideo) return null;
		return data.currentVideo;
	})()`
)

// Netflix watches the Netflix web player and pages through the account's
// viewing activity feed.
type Netflix struct {
	bridge    PageBridge
	transport *transport.Client
	baseURL   string
	sources   []playback.SnapshotSource
}

// NewNetflix creates the Netflix adapter.
func NewNetflix(bridge PageBridge, t *transport.Client) *Netflix {
	n := &Netflix{
		bridge:    bridge,
		transport: t,
		baseURL:   "https://www.netflix.com",
	}
	n.sources = []playback.SnapshotSource{
		NewPlayerElementSource(bridge),
		NewScriptBridgeSource(bridge, netflixPlayerQuery),
		NewDOMProgressSource(bridge),
	}
	return n
}

// SetBaseURL overrides the site base URL (used by tests).
func (n *Netflix) SetBaseURL(u string) { n.baseURL = u }

func (n *Netflix) ID() string { return netflixID }

func (n *Netflix) Sources() []playback.SnapshotSource { return n.sources }

// netflixVideoMeta is the identification payload from the player page.
type netflixVideoMeta struct {
	VideoID      int64  `json:"videoId"`
	Type         string `json:"type"` // "movie" or "episode"
	Title        string `json:"title"`
	Year         int    `json:"releaseYear"`
	SeriesTitle  string `json:"seriesTitle"`
	Season       int    `json:"seasonNumber"`
	Episode      int    `json:"episodeNumber"`
	EpisodeTitle string `json:"episodeTitle"`
}

// CurrentItem identifies the video loaded in the player, or nil when the
// user is not on a playback page.
func (n *Netflix) CurrentItem(ctx context.Context) (*models.CatalogItem, error) {
	raw, err := n.bridge.Query(ctx, netflixMetadataQuery)
	if err != nil {
		return nil, fmt.Errorf("netflix metadata query: %w", err)
	}
	if raw == "" || raw == "null" {
		return nil, nil
	}

	var meta netflixVideoMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("decode netflix metadata: %w", err)
	}
	if meta.VideoID == 0 {
		return nil, nil
	}
	return netflixItem(meta), nil
}

func netflixItem(meta netflixVideoMeta) *models.CatalogItem {
	item := &models.CatalogItem{
		NativeID:  strconv.FormatInt(meta.VideoID, 10),
		ServiceID: netflixID,
	}
	if meta.Type == "episode" || meta.SeriesTitle != "" {
		item.Type = models.MediaTypeEpisode
		item.Title = meta.SeriesTitle
		item.Season = meta.Season
		item.Episode = meta.Episode
		item.EpisodeTitle = meta.EpisodeTitle
	} else {
		item.Type = models.MediaTypeMovie
		item.Title = meta.Title
		item.Year = meta.Year
	}
	return item
}

// netflixActivityItem is one record of the viewing activity feed.
type netflixActivityItem struct {
	MovieID          int64  `json:"movieID"`
	Title            string `json:"title"`
	VideoTitle       string `json:"videoTitle"`
	SeriesTitle      string `json:"seriesTitle"`
	SeasonDescriptor string `json:"seasonDescriptor"`
	EpisodeTitle     string `json:"episodeTitle"`
	Date             int64  `json:"date"` // unix millis
	Bookmark         int64  `json:"bookmark"`
	Duration         int64  `json:"duration"`
	Series           int64  `json:"series"` // series id, 0 for movies
}

type netflixActivityPage struct {
	ViewedItems []netflixActivityItem `json:"viewedItems"`
}

// History fetches one page of viewing activity. The cursor is the numeric
// page index; "" starts at page 0, and "" is returned after a short page.
func (n *Netflix) History(ctx context.Context, cursor string) ([]models.HistoryRecord, string, error) {
	page := 0
	if cursor != "" {
		p, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("bad history cursor %q: %w", cursor, err)
		}
		page = p
	}

	u := fmt.Sprintf("%s/api/shakti/mre/viewingactivity?pg=%d&pgSize=%d", n.baseURL, page, netflixPageSize)
	data, err := n.transport.Send(ctx, "provider/"+netflixID, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, "", fmt.Errorf("netflix viewing activity: %w", err)
	}

	var resp netflixActivityPage
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, "", fmt.Errorf("decode viewing activity: %w", err)
	}

	records := make([]models.HistoryRecord, 0, len(resp.ViewedItems))
	for _, it := range resp.ViewedItems {
		records = append(records, netflixRecord(it))
	}

	next := ""
	if len(resp.ViewedItems) == netflixPageSize {
		next = strconv.Itoa(page + 1)
	}
	return records, next, nil
}

func netflixRecord(it netflixActivityItem) models.HistoryRecord {
	item := models.CatalogItem{
		NativeID:  strconv.FormatInt(it.MovieID, 10),
		ServiceID: netflixID,
	}
	if it.Series != 0 || it.SeriesTitle != "" {
		item.Type = models.MediaTypeEpisode
		item.Title = it.SeriesTitle
		item.Season = parseSeasonNumber(it.SeasonDescriptor)
		item.EpisodeTitle = it.EpisodeTitle
	} else {
		item.Type = models.MediaTypeMovie
		item.Title = firstNonEmpty(it.VideoTitle, it.Title)
	}

	if it.Date > 0 {
		t := timeFromMillis(it.Date)
		item.WatchedAt = &t
	}
	if it.Duration > 0 {
		item.Progress = float64(it.Bookmark) / float64(it.Duration) * 100
	} else {
		// The feed only lists titles the account actually watched.
		item.Progress = 100
	}

	return models.HistoryRecord{
		ID:        item.NativeID,
		Timestamp: it.Date / 1000,
		Item:      item,
	}
}

// parseSeasonNumber extracts the number from descriptors like "Season 2".
// Descriptors without a number ("Limited Series") map to season 1.
func parseSeasonNumber(desc string) int {
	for _, field := range strings.Fields(desc) {
		if n, err := strconv.Atoi(field); err == nil {
			return n
		}
	}
	return 1
}

func timeFromMillis(ms int64) time.Time {
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)).UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
