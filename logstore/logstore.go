// Package logstore persists the node's view of served requests: which
// request ids have been processed (replay protection across restarts) and
// the task logs emitted for them. It is a small bbolt database under the
// node's state directory.
package logstore

import (
	"path"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/teleconsys/dora-storage/common/log"
)

// FileName is the name of the file bbolt writes to.
const FileName = "dora.db"

const openPerm = 0660

var (
	taskLogBucket   = []byte("task_logs")
	processedBucket = []byte("processed")
)

// Store is a bbolt-backed request history.
type Store struct {
	sync.Mutex
	db  *bolt.DB
	log log.Logger
}

// NewStore opens (or creates) the database under folder.
func NewStore(folder string, l log.Logger) (*Store, error) {
	db, err := bolt.Open(path.Join(folder, FileName), openPerm, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(taskLogBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(processedBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, log: l.Named("logstore")}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// MarkProcessed records that a request id has been handled.
func (s *Store) MarkProcessed(requestID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(processedBucket).Put([]byte(requestID), []byte{1})
	})
}

// Processed reports whether a request id has been handled before.
func (s *Store) Processed(requestID string) bool {
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(processedBucket).Get([]byte(requestID)) != nil
		return nil
	})
	return found
}

// SaveTaskLog stores the serialized task log emitted for a request.
func (s *Store) SaveTaskLog(requestID string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(taskLogBucket).Put([]byte(requestID), data)
	})
}

// TaskLog returns the serialized task log of a request, or nil when absent.
func (s *Store) TaskLog(requestID string) []byte {
	var data []byte
	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(taskLogBucket).Get([]byte(requestID)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data
}
