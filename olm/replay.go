package olm

import (
	"errors"
	"fmt"
	"sync"
)

// ErrReplayDetected is returned when a (session, index) pair is seen twice
// within one timeline for different events.
var ErrReplayDetected = errors.New("replay attack detected")

// ReplayCache tracks which group message indexes have been decrypted per
// timeline. Re-decrypting the exact same event within a timeline is allowed,
// since hosts legitimately re-run decryption on redraw; a different event
// reusing an index is a replay. Back-pagination opens a new timeline, so
// indexes may legitimately reappear across timelines.
type ReplayCache struct {
	mu        sync.Mutex
	timelines map[string]map[string]replayEntry
}

type replayEntry struct {
	eventID string
	ts      int64
}

// NewReplayCache creates an empty replay cache.
func NewReplayCache() *ReplayCache {
	return &ReplayCache{timelines: make(map[string]map[string]replayEntry)}
}

// Check records a decryption and reports whether it is a replay. A replay is
// a second occurrence of (senderKey, sessionID, index) in the same timeline
// with a different (eventID, originTS). An empty timelineID disables the
// check, matching decryption outside any timeline.
func (c *ReplayCache) Check(timelineID, senderKey, sessionID string, index uint32, eventID string, originTS int64) error {
	if timelineID == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tl, ok := c.timelines[timelineID]
	if !ok {
		tl = make(map[string]replayEntry)
		c.timelines[timelineID] = tl
	}

	key := fmt.Sprintf("%s|%s|%d", senderKey, sessionID, index)
	if prev, seen := tl[key]; seen {
		if prev.eventID == eventID && prev.ts == originTS {
			return nil
		}
		return ErrReplayDetected
	}

	tl[key] = replayEntry{eventID: eventID, ts: originTS}
	return nil
}

// Reset forgets everything recorded for one timeline.
func (c *ReplayCache) Reset(timelineID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timelines, timelineID)
}
