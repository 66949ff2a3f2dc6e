package storage

import "context"

// Batch collects writes that a Handle applies atomically.
type Batch interface {
	// HSet merges fields into the hash at key.
	HSet(key string, fields Record)
	Del(key string)
	ZAdd(key string, score float64, member string)
	ZRem(key, member string)
	RPush(key, value string)
}

// Handle is the persistence surface Backend B needs: hashes, sorted indexes
// and append-only lists with atomic batches.
type Handle interface {
	Write(ctx context.Context, fn func(b Batch)) error
	// Update reads the hashes at keys (nil entries when absent) and applies
	// fn's batch atomically. The batch is discarded if any hash changed in
	// between.
	Update(ctx context.Context, keys []string, fn func(cur []Record, b Batch) error) error
	// NextSeq increments the counter at key and returns the new value.
	NextSeq(ctx context.Context, key string) (uint64, error)
	// Resolve walks each index ascending and returns up to limit hash records
	// per index, loaded from recordPrefix+memberID(member) in one consistent
	// read. Members whose hash is missing are skipped.
	Resolve(ctx context.Context, indexes []string, limit int, recordPrefix string) ([][]Record, error)
	// Tail returns the last limit list elements, oldest first.
	Tail(ctx context.Context, key string, limit int) ([]string, error)
	Close() error
}
