package database

import (
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Bucket names mirror the persisted-state layout: blocks by hash, a
// height index, transactions by id, UTXOs, validators, energy proofs
// and the peer address book.
const (
	BucketBlocks     = "blocks"
	BucketHeight     = "height"
	BucketTxIndex    = "txindex"
	BucketUTXO       = "utxo"
	BucketValidators = "validators"
	BucketProofs     = "proofs"
	BucketPeers      = "peers"
	BucketMeta       = "meta"
)

var buckets = []string{
	BucketBlocks, BucketHeight, BucketTxIndex, BucketUTXO,
	BucketValidators, BucketProofs, BucketPeers, BucketMeta,
}

type Store struct {
	DB *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open store %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) Put(bucket, key string, value []byte) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return errors.Wrapf(err, "bucket %s", bucket)
		}
		return b.Put([]byte(key), value)
	})
}

func (s *Store) Get(bucket, key string) []byte {
	var val []byte
	s.DB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	return val
}

func (s *Store) Delete(bucket, key string) {
	s.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *Store) Iterate(bucket string, fn func(k, v []byte)) error {
	return s.DB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return errors.Errorf("bucket %s not found", bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			fn(k, v)
			return nil
		})
	})
}

func (s *Store) ClearBucket(bucket string) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucket)); err != nil && err != bolt.ErrBucketNotFound {
			return errors.Wrapf(err, "clear bucket %s", bucket)
		}
		_, err := tx.CreateBucket([]byte(bucket))
		return err
	})
}
