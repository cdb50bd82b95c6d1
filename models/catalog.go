package models

import "time"

// MediaType distinguishes the two kinds of watchable units.
type MediaType string

const (
	MediaTypeMovie   MediaType = "movie"
	MediaTypeEpisode MediaType = "episode"
)

// CatalogIDs holds the canonical identifiers the tracking service understands.
// All fields are zero until the item has been resolved.
type CatalogIDs struct {
	Trakt int    `json:"trakt,omitempty"`
	Slug  string `json:"slug,omitempty"`
	IMDB  string `json:"imdb,omitempty"`
	TMDB  int    `json:"tmdb,omitempty"`
	TVDB  int    `json:"tvdb,omitempty"`
}

// Empty reports whether no canonical identifier is set.
func (ids CatalogIDs) Empty() bool {
	return ids.Trakt == 0 && ids.Slug == "" && ids.IMDB == "" && ids.TMDB == 0 && ids.TVDB == 0
}

// CatalogItem represents one unit watched: a movie or a single episode.
// For episodes, Title carries the parent show title and EpisodeTitle the
// episode's own title.
type CatalogItem struct {
	Type         MediaType  `json:"type"`
	Title        string     `json:"title"`
	Year         int        `json:"year,omitempty"`
	Season       int        `json:"season,omitempty"`
	Episode      int        `json:"episode,omitempty"`
	EpisodeTitle string     `json:"episodeTitle,omitempty"`
	IDs          CatalogIDs `json:"ids"`
	ShowIDs      CatalogIDs `json:"showIds,omitempty"`
	NativeID     string     `json:"nativeId"`
	ServiceID    string     `json:"serviceId"`
	WatchedAt    *time.Time `json:"watchedAt,omitempty"`
	Progress     float64    `json:"progress,omitempty"`
}

// Resolved reports whether the item carries a canonical identity.
func (i CatalogItem) Resolved() bool {
	return !i.IDs.Empty()
}
