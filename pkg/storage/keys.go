package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/uhyunpark/pairbook/pkg/book"
)

// Logical key schema shared by every Handle:
//
//   order:{id}               → hash {orderId, pair, side, price, quantity, userId, timestamp, seq}
//   orderbook:{pair}:bids    → sorted index of {seq}:{id} members, score = -price
//   orderbook:{pair}:asks    → sorted index of {seq}:{id} members, score = price
//   trades:{pair}            → list of JSON trades, oldest first
//   seq:orders               → insertion counter
//
// Both indexes are read ascending, so the first member is always the best price.
// The zero-padded sequence makes equal scores fall back to arrival order.
const (
	prefixOrder  = "order:"
	prefixBook   = "orderbook:"
	prefixTrades = "trades:"
	keyOrderSeq  = "seq:orders"

	seqWidth = 20
)

// indexMember is the sorted-index member of an order.
func indexMember(seq uint64, id string) string {
	return fmt.Sprintf("%0*d:%s", seqWidth, seq, id)
}

// memberID strips the sequence from an index member.
func memberID(member string) string {
	if len(member) <= seqWidth || member[seqWidth] != ':' {
		return member
	}
	return member[seqWidth+1:]
}

// recordMember rebuilds the index member of a stored order hash. Hashes
// written without a sequence are indexed by bare id.
func recordMember(r Record) (string, error) {
	if r[fieldSeq] == "" {
		return r[fieldID], nil
	}
	seq, err := strconv.ParseUint(r[fieldSeq], 10, 64)
	if err != nil {
		return "", fmt.Errorf("order %s seq: %w", r[fieldID], err)
	}
	return indexMember(seq, r[fieldID]), nil
}

func orderKey(id string) string { return prefixOrder + id }

func sideKey(pair string, side book.Side) string {
	if side == book.Buy {
		return prefixBook + pair + ":bids"
	}
	return prefixBook + pair + ":asks"
}

func tradesKey(pair string) string { return prefixTrades + pair }

// Physical key schema used by the Pebble handle. A 0x00 separator terminates
// the logical key so "orderbook:A/B:bids" never prefixes another index.
//
//   h:{key}                          → JSON hash
//   z:{key}\x00{score(8)}{member}    → empty, ordered by score then member
//   m:{key}\x00{member}              → score(8)
//   l:{key}\x00{seq(8)}              → list element
//   s:{key}                          → counter(8)
const (
	pfxHash   = "h:"
	pfxZEntry = "z:"
	pfxZScore = "m:"
	pfxList   = "l:"
	pfxSeq    = "s:"
)

func counterKey(key string) []byte { return []byte(pfxSeq + key) }

func hashKey(key string) []byte { return []byte(pfxHash + key) }

func zsetPrefix(key string) []byte { return []byte(pfxZEntry + key + "\x00") }

func zsetEntryKey(key string, score []byte, member string) []byte {
	k := zsetPrefix(key)
	k = append(k, score...)
	return append(k, member...)
}

func zsetScoreKey(key, member string) []byte {
	return []byte(pfxZScore + key + "\x00" + member)
}

func listPrefix(key string) []byte { return []byte(pfxList + key + "\x00") }

func listKey(key string, seq uint64) []byte {
	k := listPrefix(key)
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	return append(k, s[:]...)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// encodeScore maps a float64 to 8 bytes whose byte order matches numeric order.
func encodeScore(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) == 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	return b[:]
}

func decodeScore(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}
