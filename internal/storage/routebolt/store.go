// Package routebolt persists the routing table and the remote service
// directory in a BoltDB file so a restarted node can rejoin without boot
// nodes.
package routebolt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"vdht/internal/dht"
	"vdht/internal/paths"
	"vdht/internal/proto"
)

const (
	bMeta     = "meta"
	bNodes    = "nodes"
	bServices = "services"
	kSavedAt  = "saved_at"

	defaultTO = 2 * time.Second
)

// Store is a BoltDB-backed implementation of dht.RouteStore.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens (or creates) a BoltDB database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("routebolt: empty db path")
	}
	if _, err := paths.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("routebolt: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, fmt.Errorf("routebolt: open %s: %w", path, err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range []string{bMeta, bNodes, bServices} {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveNodes replaces the stored routing table with nodes.
func (s *Store) SaveNodes(nodes []proto.NodeInfo) error {
	return s.replace(bNodes, len(nodes), func(i int) ([]byte, []byte) {
		return []byte(nodes[i].ID.String()), proto.EncodeNodeInfo(nodes[i])
	})
}

// SaveServices replaces the stored service directory with svcs.
func (s *Store) SaveServices(svcs []proto.ServiceInfo) error {
	return s.replace(bServices, len(svcs), func(i int) ([]byte, []byte) {
		return []byte(svcs[i].Hash.String()), proto.EncodeServiceInfo(svcs[i])
	})
}

func (s *Store) replace(bucket string, n int, kv func(int) ([]byte, []byte)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucket)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket([]byte(bucket))
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			k, v := kv(i)
			if err := b.Put(k, v); err != nil {
				return err
			}
		}
		return tx.Bucket([]byte(bMeta)).Put([]byte(kSavedAt), encodeI64(s.now().UnixNano()))
	})
}

// LoadNodes returns every stored node. Undecodable entries are skipped.
func (s *Store) LoadNodes() ([]proto.NodeInfo, error) {
	var out []proto.NodeInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bNodes)).ForEach(func(_, v []byte) error {
			ni, err := proto.DecodeNodeInfo(v)
			if err != nil {
				// Corruption: keep going, don't brick startup.
				return nil
			}
			out = append(out, ni)
			return nil
		})
	})
	return out, err
}

// LoadServices returns every stored service record.
func (s *Store) LoadServices() ([]proto.ServiceInfo, error) {
	var out []proto.ServiceInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bServices)).ForEach(func(_, v []byte) error {
			svc, err := proto.DecodeServiceInfo(v)
			if err != nil {
				return nil
			}
			out = append(out, svc)
			return nil
		})
	})
	return out, err
}

// SavedAt reports when routes were last written; zero if never.
func (s *Store) SavedAt() (time.Time, error) {
	var out time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		if ns := decodeI64(tx.Bucket([]byte(bMeta)).Get([]byte(kSavedAt))); ns != 0 {
			out = time.Unix(0, ns)
		}
		return nil
	})
	return out, err
}

func encodeI64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeI64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// Compile-time check that Store satisfies the interface.
var _ dht.RouteStore = (*Store)(nil)
