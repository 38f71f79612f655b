package session

import (
	"context"
	"sync"
	"time"

	"github.com/ent0n29/callpilot/internal/audio"
	"github.com/ent0n29/callpilot/internal/conversation"
)

const maxErrorLog = 20

// Call owns everything scoped to one phone call. It is only reachable
// through Manager.
type Call struct {
	mu             sync.Mutex
	sid            string
	meta           Meta
	state          State
	stage          Stage
	startedAt      time.Time
	lastActivityAt time.Time
	endedAt        time.Time
	endReason      string

	conv      *conversation.State
	segmenter *audio.Segmenter
	transport Transport
	metrics   CallMetrics
	// confidence samples behind AvgConfidence
	confSamples int

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *Call) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivityAt = now
	c.mu.Unlock()
}

func (c *Call) recordTurn(rec TurnRecord, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityAt = now
	if rec.Failed {
		c.metrics.ChunksFailed++
	}
	c.metrics.ChunksProcessed++
	n := float64(c.metrics.ChunksProcessed)
	c.metrics.AvgProcessingMS += (float64(rec.Latency.Milliseconds()) - c.metrics.AvgProcessingMS) / n
	if rec.Confidence > 0 {
		c.confSamples++
		c.metrics.AvgConfidence += (rec.Confidence - c.metrics.AvgConfidence) / float64(c.confSamples)
	}
	c.metrics.WordsTranscribed += rec.Words
	if rec.Responded {
		c.metrics.AssistantResponses++
	}
}

func (c *Call) recordError(stage string, err error, now time.Time) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.Errors = append(c.metrics.Errors, ErrorEntry{Timestamp: now, Stage: stage, Error: err.Error()})
	if over := len(c.metrics.Errors) - maxErrorLog; over > 0 {
		c.metrics.Errors = append([]ErrorEntry(nil), c.metrics.Errors[over:]...)
	}
}

func (c *Call) snapshotLocked() Snapshot {
	m := c.metrics
	m.Errors = append([]ErrorEntry(nil), c.metrics.Errors...)
	return Snapshot{
		CallSid:        c.sid,
		State:          c.state,
		Stage:          c.stage,
		Meta:           c.meta,
		Language:       c.conv.CurrentLanguage(),
		StartedAt:      c.startedAt,
		LastActivityAt: c.lastActivityAt,
		EndedAt:        c.endedAt,
		EndReason:      c.endReason,
		Metrics:        m,
		Conversation:   c.conv.Stats(),
	}
}

func (c *Call) snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// teardown moves the call to ENDED and releases what it owns. The returned
// snapshot carries the history as it was before it was cleared.
func (c *Call) teardown(reason string, now time.Time) (Snapshot, Transport) {
	c.mu.Lock()
	c.state = StateEnded
	c.stage = StageIdle
	c.endedAt = now
	c.endReason = reason
	c.cancel()
	transport := c.transport
	c.transport = nil
	snap := c.snapshotLocked()
	snap.History = c.conv.History()
	c.conv.Clear()
	c.mu.Unlock()

	c.segmenter.Close()
	return snap, transport
}
