package orchestration

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/actionplane/actionplane/core"
	"github.com/actionplane/actionplane/telemetry"
)

// JournalKind discriminates journal envelopes.
type JournalKind string

const (
	JournalActionAdmitted   JournalKind = "action_admitted"
	JournalActionAttempt    JournalKind = "action_attempt"
	JournalActionTerminal   JournalKind = "action_terminal"
	JournalWorkflowStep     JournalKind = "workflow_step"
	JournalReviewTransition JournalKind = "review_transition"
	JournalIdempotencyDone  JournalKind = "idempotency_done"
)

// JournalRecord is the append-only envelope, one per line in the file
// backend and one list element in the Redis backend.
type JournalRecord struct {
	Kind JournalKind            `json:"kind"`
	ID   string                 `json:"id"`
	TS   time.Time              `json:"ts"`
	Body map[string]interface{} `json:"body,omitempty"`
}

// JournalStats is a point-in-time snapshot for the health surface.
type JournalStats struct {
	Backend    string    `json:"backend"`
	Appended   int64     `json:"appended"`
	LastAppend time.Time `json:"last_append,omitempty"`
}

// journalAppend is the append helper every component writes through. A nil
// journal and append failures reduce to logs so journaling never changes an
// action's outcome.
func journalAppend(ctx context.Context, j Journal, logger core.Logger, rec JournalRecord) {
	if j == nil {
		return
	}
	if rec.TS.IsZero() {
		rec.TS = time.Now()
	}
	if err := j.Append(ctx, rec); err != nil && logger != nil {
		logger.Warn("Journal append failed", map[string]interface{}{
			"operation": "journal_append",
			"kind":      string(rec.Kind),
			"id":        rec.ID,
			"error":     err.Error(),
		})
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// File backend
// ═══════════════════════════════════════════════════════════════════════════

// FileJournal appends JSON lines to a single file through a buffered writer
// flushed every flushEvery and on Close.
type FileJournal struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	closed bool

	path       string
	flushEvery time.Duration
	stop       chan struct{}
	stopped    sync.WaitGroup
	logger     core.Logger

	appended   atomic.Int64
	lastAppend atomic.Int64 // unix nanos
}

// NewFileJournal opens or creates the journal file at path.
func NewFileJournal(path string, flushEvery time.Duration, logger core.Logger) (*FileJournal, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if flushEvery <= 0 {
		flushEvery = time.Second
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}

	j := &FileJournal{
		file:       file,
		writer:     bufio.NewWriter(file),
		path:       path,
		flushEvery: flushEvery,
		stop:       make(chan struct{}),
		logger:     logger,
	}

	j.stopped.Add(1)
	go j.flushLoop()

	logger.Info("Journal opened", map[string]interface{}{
		"backend":     "file",
		"path":        path,
		"flush_every": flushEvery.String(),
	})
	return j, nil
}

// Append implements Journal.
func (j *FileJournal) Append(ctx context.Context, rec JournalRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return core.ErrJournalClosed
	}
	_, err = j.writer.Write(append(line, '\n'))
	j.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}

	j.appended.Add(1)
	j.lastAppend.Store(time.Now().UnixNano())
	telemetry.Counter("orchestration.journal.appends", "backend", "file", "kind", string(rec.Kind))
	telemetry.RecordBytes("orchestration.journal.bytes", int64(len(line)+1), "backend", "file")
	return nil
}

// Replay implements Journal. It reads the file from the beginning; malformed
// lines are logged and skipped so one bad record cannot block recovery.
func (j *FileJournal) Replay(ctx context.Context, fn func(rec JournalRecord) error) error {
	j.mu.Lock()
	if !j.closed {
		j.writer.Flush()
	}
	j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open journal for replay: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		var rec JournalRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			j.logger.Warn("Skipping malformed journal line", map[string]interface{}{
				"operation": "journal_replay",
				"path":      j.path,
				"line":      line,
				"error":     err.Error(),
			})
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Stats implements Journal.
func (j *FileJournal) Stats() JournalStats {
	stats := JournalStats{Backend: "file", Appended: j.appended.Load()}
	if ns := j.lastAppend.Load(); ns > 0 {
		stats.LastAppend = time.Unix(0, ns)
	}
	return stats
}

// Close flushes buffered records and closes the file. Idempotent.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	flushErr := j.writer.Flush()
	closeErr := j.file.Close()
	j.mu.Unlock()

	close(j.stop)
	j.stopped.Wait()

	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func (j *FileJournal) flushLoop() {
	defer j.stopped.Done()
	ticker := time.NewTicker(j.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.mu.Lock()
			if !j.closed {
				if err := j.writer.Flush(); err != nil {
					j.logger.Error("Journal flush failed", map[string]interface{}{
						"operation": "journal_flush",
						"path":      j.path,
						"error":     err.Error(),
					})
				}
			}
			j.mu.Unlock()
		case <-j.stop:
			return
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Redis backend
// ═══════════════════════════════════════════════════════════════════════════

// redisJournalKey is the list key under the journal namespace.
const redisJournalKey = "log"

// redisReplayChunk bounds LRANGE reads during replay.
const redisReplayChunk = 512

// RedisJournal stores records in a capped Redis list (RPUSH + LTRIM), so a
// restart elsewhere can replay the same history.
type RedisJournal struct {
	client     *core.RedisClient
	maxEntries int64
	logger     core.Logger

	appended   atomic.Int64
	lastAppend atomic.Int64
}

// NewRedisJournal connects a journal to Redis DB core.RedisDBJournal.
func NewRedisJournal(redisURL string, maxEntries int64, logger core.Logger) (*RedisJournal, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  redisURL,
		DB:        core.RedisDBJournal,
		Namespace: core.RedisJournalPrefix,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	j := &RedisJournal{
		client:     client,
		maxEntries: maxEntries,
		logger:     logger,
	}
	logger.Info("Journal opened", map[string]interface{}{
		"backend":     "redis",
		"db":          core.RedisDBJournal,
		"max_entries": maxEntries,
	})
	return j, nil
}

// Append implements Journal.
func (j *RedisJournal) Append(ctx context.Context, rec JournalRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}

	if err := j.client.RPush(ctx, redisJournalKey, payload); err != nil {
		return fmt.Errorf("journal RPUSH: %w", err)
	}
	if j.maxEntries > 0 {
		if err := j.client.LTrim(ctx, redisJournalKey, -j.maxEntries, -1); err != nil {
			j.logger.Warn("Journal trim failed", map[string]interface{}{
				"operation": "journal_trim",
				"error":     err.Error(),
			})
		}
	}

	j.appended.Add(1)
	j.lastAppend.Store(time.Now().UnixNano())
	telemetry.Counter("orchestration.journal.appends", "backend", "redis", "kind", string(rec.Kind))
	telemetry.RecordBytes("orchestration.journal.bytes", int64(len(payload)), "backend", "redis")
	return nil
}

// Replay implements Journal, paging through the list in chunks.
func (j *RedisJournal) Replay(ctx context.Context, fn func(rec JournalRecord) error) error {
	var start int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := j.client.LRange(ctx, redisJournalKey, start, start+redisReplayChunk-1)
		if err != nil {
			return fmt.Errorf("journal LRANGE: %w", err)
		}
		if len(chunk) == 0 {
			return nil
		}

		for _, raw := range chunk {
			var rec JournalRecord
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				j.logger.Warn("Skipping malformed journal entry", map[string]interface{}{
					"operation": "journal_replay",
					"error":     err.Error(),
				})
				continue
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		start += int64(len(chunk))
	}
}

// Stats implements Journal.
func (j *RedisJournal) Stats() JournalStats {
	stats := JournalStats{Backend: "redis", Appended: j.appended.Load()}
	if ns := j.lastAppend.Load(); ns > 0 {
		stats.LastAppend = time.Unix(0, ns)
	}
	return stats
}

// Close implements Journal.
func (j *RedisJournal) Close() error {
	return j.client.Close()
}

// Compile-time checks
var (
	_ Journal = (*FileJournal)(nil)
	_ Journal = (*RedisJournal)(nil)
)
