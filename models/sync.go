package models

// SyncWatermark marks the newest provider record already synced, bounding
// incremental history scans. Monotonically non-decreasing across runs.
type SyncWatermark struct {
	Timestamp int64  `json:"ts"`
	ID        string `json:"id"`
}

// IsZero reports whether no sync has completed yet for the provider.
func (w SyncWatermark) IsZero() bool {
	return w.Timestamp == 0 && w.ID == ""
}

// Covers reports whether the given record is at or behind the watermark.
// Records are compared by timestamp first; the ID catches re-delivered
// records sharing the boundary timestamp.
func (w SyncWatermark) Covers(ts int64, id string) bool {
	if w.IsZero() {
		return false
	}
	if ts != w.Timestamp {
		return ts < w.Timestamp
	}
	return true
}

// HistoryRecord is one entry of a provider's own viewing log, already mapped
// out of the provider-specific wire shape.
type HistoryRecord struct {
	ID        string      `json:"id"` // provider-native record id
	Timestamp int64       `json:"ts"` // unix seconds, reverse-chronological in the feed
	Item      CatalogItem `json:"item"`
}
