package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"admin-security/internal/config"
)

const dateLayout = "2006-01-02"

// BucketingManager spreads audit events across (day, bucket) partitions so
// no single partition grows with total write volume.
type BucketingManager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

// Partition identifies one (date, bucket) slice of a time-partitioned table.
type Partition struct {
	Date   string `json:"date"`
	Bucket int    `json:"bucket"`
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return NewBucketingManagerWithBuckets(cfg.Bucketing.EventBuckets)
}

func NewBucketingManagerWithBuckets(eventBuckets int) *BucketingManager {
	if eventBuckets <= 0 {
		eventBuckets = 16
	}
	bm := &BucketingManager{eventBuckets: eventBuckets}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// GetEventBucket returns a consistent bucket in [0, eventBuckets) for key.
func (bm *BucketingManager) GetEventBucket(key string) int {
	return int(bm.getHash(key) % uint64(bm.eventBuckets))
}

// GetDateBucket returns the UTC day t falls in.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// PartitionFor returns the partition an event with id at t is written to.
func (bm *BucketingManager) PartitionFor(id string, t time.Time) Partition {
	return Partition{Date: bm.GetDateBucket(t), Bucket: bm.GetEventBucket(id)}
}

// Dates lists the UTC days covering [since, until], newest first.
func (bm *BucketingManager) Dates(since, until time.Time) []string {
	if until.Before(since) {
		return nil
	}
	first := dayStart(since)
	var out []string
	for d := dayStart(until); !d.Before(first); d = d.AddDate(0, 0, -1) {
		out = append(out, d.Format(dateLayout))
	}
	return out
}

// Partitions lists every partition covering [since, until], newest day first.
func (bm *BucketingManager) Partitions(since, until time.Time) []Partition {
	dates := bm.Dates(since, until)
	out := make([]Partition, 0, len(dates)*bm.eventBuckets)
	for _, d := range dates {
		for b := 0; b < bm.eventBuckets; b++ {
			out = append(out, Partition{Date: d, Bucket: b})
		}
	}
	return out
}

// GetEventBuckets returns the number of event buckets
func (bm *BucketingManager) GetEventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
