// Package secindex implements spec.md §6's ListByIndex/query_index
// operation: a secondary index mapping an indexed field's value to the
// set of primary keys whose record carries that value. It is backed by
// go.etcd.io/bbolt, the one pack dependency with no wire format
// mandated by spec.md, repurposed here (per the teacher's own use of
// bbolt in cuemby-warren's BoltStore) as a simple ordered key-value
// layer: a bucket per index name, with entries keyed by
// "<field value>\x00<primary key>" so every primary key for a given
// value sits in one contiguous Cursor range.
package secindex

import (
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/dreamware/ringdb/internal/errs"
	"github.com/dreamware/ringdb/internal/record"
)

const separator = "\x00"

// Index is a bbolt-backed multi-value secondary index: one bucket per
// index name, entries sorted by (field value, primary key).
type Index struct {
	db *bolt.DB
}

// Open opens (creating if needed) the index database at path.
func Open(path string) (*Index, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, err, "secindex: open %s", path)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func compositeKey(fieldValue string, primaryKey record.Key) []byte {
	return []byte(fieldValue + separator + string(primaryKey))
}

// Put records that primaryKey's indexed field equals fieldValue under
// indexName, creating the bucket on first use.
func (idx *Index) Put(indexName, fieldValue string, primaryKey record.Key) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(indexName))
		if err != nil {
			return err
		}
		return b.Put(compositeKey(fieldValue, primaryKey), []byte(primaryKey))
	})
}

// Remove drops the (fieldValue -> primaryKey) entry, e.g. when the
// record is deleted or its indexed field changes.
func (idx *Index) Remove(indexName, fieldValue string, primaryKey record.Key) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(indexName))
		if b == nil {
			return nil
		}
		return b.Delete(compositeKey(fieldValue, primaryKey))
	})
}

// List returns every primary key indexed under fieldValue within
// indexName, in primary-key order, capped at limit (0 means
// unbounded) — spec.md §6's ListByIndex.
func (idx *Index) List(indexName, fieldValue string, limit int) ([]record.Key, error) {
	var out []record.Key
	err := idx.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(indexName))
		if b == nil {
			return nil
		}
		prefix := []byte(fieldValue + separator)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			out = append(out, record.Key(append([]byte{}, v...)))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.IOError, err, "secindex: list %s=%s", indexName, fieldValue)
	}
	return out, nil
}
