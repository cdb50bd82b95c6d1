package provider

import (
	"context"
	"encoding/json"

	"watchsync/models"
)

// The generic snapshot sources below cover the three observation channels
// most providers share. Anything beyond these is a provider-custom source.

// playerElementQuery reads the page's primary media element.
const playerElementQuery = `(() => {
	const v = document.querySelector("video");
	if (!v || !v.duration) return null;
	return { currentTime: v.currentTime, duration: v.duration, isPaused: v.paused };
})()`

// PlayerElementSource observes the native player element through the bridge.
// Reports position, duration, and an explicit paused flag.
type PlayerElementSource struct {
	bridge PageBridge
}

// NewPlayerElementSource creates the native-player observation channel.
func NewPlayerElementSource(bridge PageBridge) *PlayerElementSource {
	return &PlayerElementSource{bridge: bridge}
}

func (s *PlayerElementSource) Name() string { return "player-element" }

func (s *PlayerElementSource) Snapshot(ctx context.Context) *models.PlaybackSnapshot {
	return querySnapshot(ctx, s.bridge, playerElementQuery)
}

// ScriptBridgeSource observes playback via a provider-specific page global,
// for players that keep state out of reach of the DOM.
type ScriptBridgeSource struct {
	bridge PageBridge
	script string
}

// NewScriptBridgeSource creates a source around the given page expression.
// The expression must evaluate to a playback snapshot object or null.
func NewScriptBridgeSource(bridge PageBridge, script string) *ScriptBridgeSource {
	return &ScriptBridgeSource{bridge: bridge, script: script}
}

func (s *ScriptBridgeSource) Name() string { return "script-bridge" }

func (s *ScriptBridgeSource) Snapshot(ctx context.Context) *models.PlaybackSnapshot {
	return querySnapshot(ctx, s.bridge, s.script)
}

// domProgressQuery reads a percent-styled progress bar as a last resort.
const domProgressQuery = `(() => {
	const bar = document.querySelector("[role=slider][aria-valuenow]");
	if (!bar) return null;
	return { progressPercent: parseFloat(bar.getAttribute("aria-valuenow")) };
})()`

// DOMProgressSource estimates progress from page chrome. No paused flag;
// the normalizer infers it from lack of change.
type DOMProgressSource struct {
	bridge PageBridge
}

// NewDOMProgressSource creates the DOM-heuristic observation channel.
func NewDOMProgressSource(bridge PageBridge) *DOMProgressSource {
	return &DOMProgressSource{bridge: bridge}
}

func (s *DOMProgressSource) Name() string { return "dom-progress" }

func (s *DOMProgressSource) Snapshot(ctx context.Context) *models.PlaybackSnapshot {
	return querySnapshot(ctx, s.bridge, domProgressQuery)
}

// querySnapshot runs the script and decodes the result. Any bridge error or
// null result means "no signal this tick".
func querySnapshot(ctx context.Context, bridge PageBridge, script string) *models.PlaybackSnapshot {
	raw, err := bridge.Query(ctx, script)
	if err != nil || raw == "" || raw == "null" {
		return nil
	}
	var snap models.PlaybackSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil
	}
	return &snap
}
