// Package localstore persists a client's state across restarts in a bbolt
// database: pending nonces, the ids of its own posts, the post each tab had
// open and the agent's tab ids.
package localstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"threadsync/internal/nonce"
)

var (
	bucketNonces = []byte("nonces")
	bucketMine   = []byte("mine")
	bucketOpen   = []byte("open")
	bucketTabs   = []byte("tabs")
)

// OpenPost is an allocated post, that may be reclaimed after a reconnect
type OpenPost struct {
	ID       uint64    `json:"id"`
	Thread   uint64    `json:"thread"`
	Body     string    `json:"body"`
	Password string    `json:"password"`
	Opened   time.Time `json:"opened"`
}

// Store is safe for concurrent use
type Store struct {
	db *bolt.DB
}

var _ nonce.Store = (*Store)(nil)

// Open or create the database at path
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [...][]byte{bucketNonces, bucketMine, bucketOpen, bucketTabs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) LoadNonces() (out []nonce.Nonce, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNonces).ForEach(func(_, v []byte) error {
			var n nonce.Nonce
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			out = append(out, n)
			return nil
		})
	})
	return
}

func (s *Store) SaveNonce(n nonce.Nonce) error {
	buf, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNonces).Put([]byte(n.String()), buf)
	})
}

func (s *Store) DeleteNonce(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNonces).Delete([]byte(key))
	})
}

func encodeID(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return buf[:]
}

// MarkMine records a post as authored by this client
func (s *Store) MarkMine(id, thread uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMine).Put(encodeID(id), encodeID(thread))
	})
}

// IsMine reports, if a post was authored by this client
func (s *Store) IsMine(id uint64) (mine bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		mine = tx.Bucket(bucketMine).Get(encodeID(id)) != nil
		return nil
	})
	return
}

// SaveOpen records the post a tab has open
func (s *Store) SaveOpen(tab string, p OpenPost) error {
	buf, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOpen).Put([]byte(tab), buf)
	})
}

// LoadOpen returns the post a tab had open, if any
func (s *Store) LoadOpen(tab string) (p OpenPost, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketOpen).Get([]byte(tab))
		if buf == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(buf, &p)
	})
	return
}

// ClearOpen forgets the post a tab had open
func (s *Store) ClearOpen(tab string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOpen).Delete([]byte(tab))
	})
}

// TabID returns the tab id stored under name. The first call creates one from
// name and a random suffix, so separate installs never share an id.
func (s *Store) TabID(name string) (id string, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTabs)
		if v := b.Get([]byte(name)); v != nil {
			id = string(v)
			return nil
		}
		id = name + "-" + uuid.NewString()[:8]
		return b.Put([]byte(name), []byte(id))
	})
	return
}
