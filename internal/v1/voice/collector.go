package voice

import (
	"sync"
	"time"
)

// entryTTL bounds how long unconsumed chunks and transcripts live.
const entryTTL = 5 * time.Minute

type chunkBuffer struct {
	data      [][]byte
	total     int
	updatedAt time.Time
}

// Transcript is a finalized ASR result stored per capture key.
type Transcript struct {
	Text        string
	GeneratedAt time.Time
}

// Collector buffers opaque audio chunks and finalized transcripts per capture
// key ("{room}:{user}" for authenticated captures, "{room}" otherwise). Every
// operation performs a lazy TTL purge, so abandoned captures decay without a
// background sweeper.
type Collector struct {
	mu          sync.Mutex
	chunks      map[string]*chunkBuffer
	transcripts map[string]Transcript
	now         func() time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		chunks:      make(map[string]*chunkBuffer),
		transcripts: make(map[string]Transcript),
		now:         time.Now,
	}
}

// CaptureKey builds the storage key for a capture stream.
func CaptureKey(roomID, userID string) string {
	if userID == "" {
		return roomID
	}
	return roomID + ":" + userID
}

func (c *Collector) purgeLocked() {
	cutoff := c.now().Add(-entryTTL)
	for key, buf := range c.chunks {
		if buf.updatedAt.Before(cutoff) {
			delete(c.chunks, key)
		}
	}
	for key, tr := range c.transcripts {
		if tr.GeneratedAt.Before(cutoff) {
			delete(c.transcripts, key)
		}
	}
}

// AddChunk appends a chunk and returns the total bytes buffered for the key.
func (c *Collector) AddChunk(key string, data []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()

	buf := c.chunks[key]
	if buf == nil {
		buf = &chunkBuffer{}
		c.chunks[key] = buf
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	buf.data = append(buf.data, cp)
	buf.total += len(cp)
	buf.updatedAt = c.now()
	return buf.total
}

// ChunkCount returns how many chunks are buffered for the key.
func (c *Collector) ChunkCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
	if buf := c.chunks[key]; buf != nil {
		return len(buf.data)
	}
	return 0
}

// GetAndClearChunks drains the buffered chunks for the key.
func (c *Collector) GetAndClearChunks(key string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()

	buf := c.chunks[key]
	if buf == nil {
		return nil
	}
	delete(c.chunks, key)
	return buf.data
}

// StoreTranscript records the finalized transcript for the key, stamping
// GeneratedAt with the current time.
func (c *Collector) StoreTranscript(key, text string) Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()

	tr := Transcript{Text: text, GeneratedAt: c.now()}
	c.transcripts[key] = tr
	return tr
}

// GetTranscript returns the stored transcript without consuming it.
func (c *Collector) GetTranscript(key string) (Transcript, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
	tr, ok := c.transcripts[key]
	return tr, ok
}

// PopTranscript returns and removes the stored transcript.
func (c *Collector) PopTranscript(key string) (Transcript, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
	tr, ok := c.transcripts[key]
	if ok {
		delete(c.transcripts, key)
	}
	return tr, ok
}
