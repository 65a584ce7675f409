// Package indexcache implements the local index cache (component F): a
// process-local, persistent record of which object IDs are already known
// to be present in the blob store, so the put pipeline can skip the
// exists_slow round trip on its hot path (spec.md §4.6).
//
// The teacher keeps its analogous index (pack offset + length per chunk
// hash, in storage/packidx.go) as a hand-rolled varint-encoded file loaded
// entirely into memory at startup. That works when the index is small and
// single-process, but this cache only needs a set membership test, must
// survive being shared across put invocations without a bespoke file
// format, and must refuse to be reused across repositories -- a plain
// embedded SQL table, accessed through gorm, is a better fit.
package indexcache

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mmp/rekord/internal/objects"
	"github.com/mmp/rekord/internal/rkerr"
)

// knownObject is the single row shape backing the cache: an object ID that
// is known to already exist in the blob store.
type knownObject struct {
	ID []byte `gorm:"column:id;primaryKey"`
}

func (knownObject) TableName() string { return "known" }

// repoRecord pins the cache file to the one repository it was created
// for; opening it against a different repository ID is a fatal,
// non-recoverable configuration error rather than silent data corruption.
type repoRecord struct {
	ID     uint   `gorm:"primaryKey"`
	RepoID []byte `gorm:"column:repo_id"`
}

func (repoRecord) TableName() string { return "repo" }

// Cache is a local index cache keyed to one repository. Safe for
// concurrent use.
type Cache struct {
	mu   sync.Mutex
	db   *gorm.DB
	buf  []objects.ID
	flushThreshold int
	lastFlush      time.Time
}

// flushBatchSize bounds how many pending insertions accumulate before an
// automatic flush, independent of the time-based flush a caller drives
// with Flush.
const flushBatchSize = 256

// Open opens (creating if necessary) a local index cache at path, bound to
// repoID. If the file already holds a cache for a different repository ID,
// Open returns an error: reusing one machine's local cache across two
// repositories would let a hit against repository A's cache wrongly
// suppress a write that repository B still needs.
func Open(path string, repoID [32]byte) (*Cache, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: open index cache: %w", path, err)
	}

	if err := db.AutoMigrate(&repoRecord{}, &knownObject{}); err != nil {
		return nil, fmt.Errorf("%s: migrate index cache schema: %w", path, err)
	}

	var existing repoRecord
	err = db.First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		existing = repoRecord{ID: 1, RepoID: repoID[:]}
		if err := db.Create(&existing).Error; err != nil {
			return nil, fmt.Errorf("%s: record repository id: %w", path, err)
		}
	case err != nil:
		return nil, fmt.Errorf("%s: read index cache repository id: %w", path, err)
	default:
		if string(existing.RepoID) != string(repoID[:]) {
			return nil, rkerr.New(rkerr.KindUnsupported,
				"%s: index cache belongs to a different repository; refusing to reuse it", path)
		}
	}

	return &Cache{db: db, flushThreshold: flushBatchSize, lastFlush: time.Now()}, nil
}

// Close flushes any pending insertions and releases the underlying
// database handle.
func (c *Cache) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Known reports whether id is recorded as already present in the blob
// store. A false result is not authoritative: the caller must still fall
// back to exists_fast/exists_slow, per spec.md §4.6's completeness note.
func (c *Cache) Known(id objects.ID) bool {
	c.mu.Lock()
	for _, pending := range c.buf {
		if pending == id {
			c.mu.Unlock()
			return true
		}
	}
	c.mu.Unlock()

	var count int64
	c.db.Model(&knownObject{}).Where("id = ?", id[:]).Count(&count)
	return count > 0
}

// Insert records id as known to be present. Insertions are buffered in
// memory and flushed in batches (by count or by an explicit Flush call)
// rather than committed one row per call, matching spec.md §4.6's
// "insertions are batched and flushed on put-pipeline drain or a time
// threshold" requirement.
func (c *Cache) Insert(id objects.ID) error {
	c.mu.Lock()
	c.buf = append(c.buf, id)
	shouldFlush := len(c.buf) >= c.flushThreshold
	c.mu.Unlock()

	if shouldFlush {
		return c.Flush()
	}
	return nil
}

// Flush commits any pending insertions to the database. Safe to call with
// nothing pending.
func (c *Cache) Flush() error {
	c.mu.Lock()
	pending := c.buf
	c.buf = nil
	c.lastFlush = time.Now()
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	rows := make([]knownObject, len(pending))
	for i, id := range pending {
		rows[i] = knownObject{ID: append([]byte(nil), id[:]...)}
	}

	// "INSERT OR IGNORE" semantics: the same ID may be inserted twice in
	// one pipeline run (two files sharing a chunk), and that is not an
	// error.
	return c.db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 256).Error
}

// SinceLastFlush reports how long it has been since the cache last
// committed pending insertions, for a caller driving a time-based flush
// threshold alongside the pipeline's own drain-triggered flush.
func (c *Cache) SinceLastFlush() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastFlush)
}
