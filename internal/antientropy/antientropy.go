// Package antientropy implements spec.md §4.9's background repair: the
// keyspace owned by a partition is divided into fixed segments, each
// segment digested into a leaf hash, and the leaves combined into a
// Merkle tree so two replicas can find which segments differ without
// transferring full contents. Hinted-handoff data bound for a
// different node is excluded from the digest (it isn't this replica's
// data yet), and tombstones older than the retention window are
// dropped before hashing so a replica that already compacted them away
// doesn't look perpetually out of sync.
package antientropy

import (
	"crypto/sha256"
	"sort"

	"github.com/dreamware/ringdb/internal/record"
)

// Segment is one contiguous slice of the partition's keyspace digested
// into a single leaf hash.
type Segment struct {
	Low, High record.Key // first and last key in the segment; both "" when empty
	Hash      [32]byte
	Count     int
}

// Digest is a Merkle tree of segment leaves: leaves[i] holds the hash
// for segment i, and levels above combine pairs of hashes exactly as
// the teacher's merkle tree builds its root, generalized to return
// every intermediate level so two digests can be diffed level by
// level instead of only compared at the root.
type Digest struct {
	Segments []Segment
	levels   [][][32]byte // levels[0] = leaf hashes, levels[last] = {root}
}

// Root returns the digest's top-level hash, or the zero hash for an
// empty digest.
func (d *Digest) Root() [32]byte {
	if len(d.levels) == 0 {
		return [32]byte{}
	}
	top := d.levels[len(d.levels)-1]
	if len(top) == 0 {
		return [32]byte{}
	}
	return top[0]
}

// BuildOptions controls which records feed into a digest.
type BuildOptions struct {
	NumSegments int
	// IsHinted reports whether a record is being held on behalf of
	// another node via hinted handoff and should be excluded from this
	// replica's own digest.
	IsHinted func(record.Record) bool
	// IsExpiredTombstone reports whether a tombstone is older than the
	// retention window and should be excluded, the way a replica that
	// already compacted it away would. Wall-clock aging is the caller's
	// job (Lamport timestamps alone can't answer it); this package only
	// applies the predicate.
	IsExpiredTombstone func(record.Record) bool
}

// Build partitions sorted records into NumSegments contiguous segments
// of (nearly) equal record count and digests each into a leaf hash, skipping hinted records and expired
// tombstones — spec.md §4.9.
func Build(records []record.Record, opts BuildOptions) *Digest {
	if opts.NumSegments <= 0 {
		opts.NumSegments = 1
	}

	filtered := make([]record.Record, 0, len(records))
	for _, r := range records {
		if opts.IsHinted != nil && opts.IsHinted(r) {
			continue
		}
		if r.Meta.Tombstone && opts.IsExpiredTombstone != nil && opts.IsExpiredTombstone(r) {
			continue
		}
		filtered = append(filtered, r)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Key < filtered[j].Key })

	buckets := bucketize(filtered, opts.NumSegments)
	segments := make([]Segment, len(buckets))
	leaves := make([][32]byte, len(buckets))
	for i, b := range buckets {
		seg := Segment{Count: len(b)}
		if len(b) > 0 {
			seg.Low = b[0].Key
			seg.High = b[len(b)-1].Key
		}
		seg.Hash = hashSegment(b)
		segments[i] = seg
		leaves[i] = seg.Hash
	}

	return &Digest{Segments: segments, levels: buildLevels(leaves)}
}

// bucketize splits sorted records into n roughly-equal contiguous
// buckets, preserving order; a bucket may be empty if there are fewer
// records than segments.
func bucketize(sorted []record.Record, n int) [][]record.Record {
	out := make([][]record.Record, n)
	if len(sorted) == 0 {
		return out
	}
	per := (len(sorted) + n - 1) / n
	if per == 0 {
		per = 1
	}
	for i := 0; i < n; i++ {
		start := i * per
		if start >= len(sorted) {
			break
		}
		end := start + per
		if end > len(sorted) {
			end = len(sorted)
		}
		out[i] = sorted[start:end]
	}
	return out
}

func hashSegment(records []record.Record) [32]byte {
	h := sha256.New()
	for _, r := range records {
		h.Write([]byte(r.Key))
		h.Write(r.Value)
		if r.Meta.Tombstone {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// buildLevels combines leaf hashes pairwise into a full tree, padding
// an odd level with a zero hash the way the teacher's tree pads with a
// neutral node, and returns every level from leaves to root.
func buildLevels(leaves [][32]byte) [][][32]byte {
	if len(leaves) == 0 {
		return [][][32]byte{{}}
	}
	levels := [][][32]byte{leaves}
	current := leaves
	for len(current) > 1 {
		if len(current)%2 == 1 {
			current = append(current, [32]byte{})
		}
		next := make([][32]byte, len(current)/2)
		for i := 0; i < len(current); i += 2 {
			h := sha256.New()
			h.Write(current[i][:])
			h.Write(current[i+1][:])
			var combined [32]byte
			copy(combined[:], h.Sum(nil))
			next[i/2] = combined
		}
		levels = append(levels, next)
		current = next
	}
	return levels
}

// MismatchedSegments returns the indices of segments whose hash differs
// between d and other, walking down from the root and only descending
// into subtrees whose combined hash disagrees — spec.md §4.9's
// "compare Merkle roots; recurse into mismatched branches" — so two
// replicas that agree everywhere do a single O(1) root comparison
// instead of hashing every segment again.
func (d *Digest) MismatchedSegments(other *Digest) []int {
	if d.Root() == other.Root() {
		return nil
	}
	if len(d.levels) == 0 || len(other.levels) == 0 {
		return allIndices(max(len(d.Segments), len(other.Segments)))
	}
	// Segment counts must match for index-aligned comparison; if they
	// don't (different NumSegments), fall back to a full leaf compare.
	if len(d.Segments) != len(other.Segments) {
		return allIndices(max(len(d.Segments), len(other.Segments)))
	}
	return diffLevel(d.levels, other.levels, len(d.levels)-1, 0)
}

func diffLevel(a, b [][][32]byte, level, index int) []int {
	if level < 0 {
		return nil
	}
	if index >= len(a[level]) || index >= len(b[level]) {
		return nil
	}
	if a[level][index] == b[level][index] {
		return nil
	}
	if level == 0 {
		return []int{index}
	}
	var out []int
	out = append(out, diffLevel(a, b, level-1, index*2)...)
	out = append(out, diffLevel(a, b, level-1, index*2+1)...)
	return out
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
