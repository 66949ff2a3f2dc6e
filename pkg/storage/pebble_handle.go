package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// PebbleHandle keeps Backend B in an embedded Pebble database. Writers are
// serialized by mu; readers use snapshots and never block writers.
type PebbleHandle struct {
	db  *pebble.DB
	mu  sync.Mutex
	seq uint64 // list element sequence, guarded by mu
}

func OpenPebbleHandle(path string) (*PebbleHandle, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &PebbleHandle{db: db, seq: uint64(time.Now().UnixNano())}, nil
}

func (h *PebbleHandle) Close() error { return h.db.Close() }

func (h *PebbleHandle) Write(ctx context.Context, fn func(b Batch)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	pb := h.newBatch()
	defer pb.b.Close()
	fn(pb)
	return pb.commit()
}

func (h *PebbleHandle) Update(ctx context.Context, keys []string, fn func(cur []Record, b Batch) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	pb := h.newBatch()
	defer pb.b.Close()
	recs := make([]Record, len(keys))
	for i, key := range keys {
		cur, err := pb.record(key)
		if err != nil {
			return err
		}
		recs[i] = cur
	}
	if err := fn(recs, pb); err != nil {
		return err
	}
	return pb.commit()
}

func (h *PebbleHandle) NextSeq(ctx context.Context, key string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	k := counterKey(key)
	var n uint64
	val, closer, err := h.db.Get(k)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return 0, err
	default:
		if len(val) == 8 {
			n = binary.BigEndian.Uint64(val)
		}
		closer.Close()
	}
	n++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	if err := h.db.Set(k, buf[:], pebble.Sync); err != nil {
		return 0, err
	}
	return n, nil
}

func (h *PebbleHandle) Resolve(ctx context.Context, indexes []string, limit int, recordPrefix string) ([][]Record, error) {
	out := make([][]Record, len(indexes))
	if limit <= 0 {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := h.db.NewSnapshot()
	defer snap.Close()

	for i, index := range indexes {
		prefix := zsetPrefix(index)
		iter, err := snap.NewIter(&pebble.IterOptions{
			LowerBound: prefix,
			UpperBound: keyUpperBound(prefix),
		})
		if err != nil {
			return nil, err
		}
		for iter.First(); iter.Valid() && len(out[i]) < limit; iter.Next() {
			k := iter.Key()
			if len(k) < len(prefix)+8 {
				continue
			}
			member := string(k[len(prefix)+8:])
			rec, err := getRecord(snap, recordPrefix+memberID(member))
			if err != nil {
				iter.Close()
				return nil, err
			}
			if rec == nil {
				continue
			}
			out[i] = append(out[i], rec)
		}
		if err := iter.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (h *PebbleHandle) Tail(ctx context.Context, key string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := listPrefix(key)
	iter, err := h.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var rev []string
	for iter.Last(); iter.Valid() && (limit <= 0 || len(rev) < limit); iter.Prev() {
		rev = append(rev, string(iter.Value()))
	}
	out := make([]string, len(rev))
	for i, v := range rev {
		out[len(rev)-1-i] = v
	}
	return out, nil
}

type getter interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

// getRecord loads a JSON hash; a missing key yields nil, nil.
func getRecord(g getter, key string) (Record, error) {
	val, closer, err := g.Get(hashKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decode hash %s: %w", key, err)
	}
	return rec, nil
}

// pebbleBatch reads through an indexed batch so later ops in the same batch
// see earlier ones. The first error sticks and aborts the commit.
type pebbleBatch struct {
	h   *PebbleHandle
	b   *pebble.Batch
	err error
}

func (h *PebbleHandle) newBatch() *pebbleBatch {
	return &pebbleBatch{h: h, b: h.db.NewIndexedBatch()}
}

func (pb *pebbleBatch) commit() error {
	if pb.err != nil {
		return pb.err
	}
	return pb.b.Commit(pebble.Sync)
}

func (pb *pebbleBatch) fail(err error) {
	if pb.err == nil && err != nil {
		pb.err = err
	}
}

func (pb *pebbleBatch) record(key string) (Record, error) { return getRecord(pb.b, key) }

func (pb *pebbleBatch) HSet(key string, fields Record) {
	cur, err := pb.record(key)
	if err != nil {
		pb.fail(err)
		return
	}
	if cur == nil {
		cur = make(Record, len(fields))
	}
	for k, v := range fields {
		cur[k] = v
	}
	val, err := json.Marshal(cur)
	if err != nil {
		pb.fail(err)
		return
	}
	pb.fail(pb.b.Set(hashKey(key), val, nil))
}

func (pb *pebbleBatch) Del(key string) { pb.fail(pb.b.Delete(hashKey(key), nil)) }

func (pb *pebbleBatch) ZAdd(key string, score float64, member string) {
	enc := encodeScore(score)
	old, err := pb.score(key, member)
	if err != nil {
		pb.fail(err)
		return
	}
	if old != nil {
		if bytes.Equal(old, enc) {
			return
		}
		pb.fail(pb.b.Delete(zsetEntryKey(key, old, member), nil))
	}
	pb.fail(pb.b.Set(zsetEntryKey(key, enc, member), nil, nil))
	pb.fail(pb.b.Set(zsetScoreKey(key, member), enc, nil))
}

func (pb *pebbleBatch) ZRem(key, member string) {
	old, err := pb.score(key, member)
	if err != nil || old == nil {
		pb.fail(err)
		return
	}
	pb.fail(pb.b.Delete(zsetEntryKey(key, old, member), nil))
	pb.fail(pb.b.Delete(zsetScoreKey(key, member), nil))
}

func (pb *pebbleBatch) RPush(key, value string) {
	pb.h.seq++
	pb.fail(pb.b.Set(listKey(key, pb.h.seq), []byte(value), nil))
}

func (pb *pebbleBatch) score(key, member string) ([]byte, error) {
	val, closer, err := pb.b.Get(zsetScoreKey(key, member))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(val), nil
}

var _ Handle = (*PebbleHandle)(nil)
