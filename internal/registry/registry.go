// Package registry persists the set of managed torrents so
// downloads survive restarts.
package registry

import (
	"encoding/json"
	"time"

	"github.com/driftwd/driftwood/internal/errors"
	"go.etcd.io/bbolt"
)

const torrentsBucket = "torrents"

// Record is the persisted description of one managed
// torrent. ID is the hex info hash.
type Record struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Magnet      string    `json:"magnet"`
	DownloadDir string    `json:"downloadDir"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Registry is a bbolt-backed torrent catalog.
type Registry struct {
	db *bbolt.DB
}

func Open(path string) (*Registry, error) {
	var op errors.Op = "registry.Open"

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, op, errors.IO)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(torrentsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, op, errors.IO)
	}

	return &Registry{db: db}, nil
}

func (r *Registry) Put(rec Record) error {
	var op errors.Op = "registry.Put"

	if rec.ID == "" {
		return errors.New("record has no id", op, errors.InvalidInput)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, op)
	}

	err = r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(torrentsBucket)).Put([]byte(rec.ID), data)
	})
	if err != nil {
		return errors.Wrap(err, op, errors.IO)
	}

	return nil
}

func (r *Registry) Get(id string) (Record, error) {
	var op errors.Op = "registry.Get"

	var data []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		data = tx.Bucket([]byte(torrentsBucket)).Get([]byte(id))
		return nil
	})
	if err != nil {
		return Record{}, errors.Wrap(err, op, errors.IO)
	}

	if data == nil {
		return Record{}, errors.Wrap(errors.Newf("no torrent %s", id), op, errors.NotFound)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, errors.Wrap(err, op)
	}

	return rec, nil
}

func (r *Registry) Delete(id string) error {
	var op errors.Op = "registry.Delete"

	err := r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(torrentsBucket)).Delete([]byte(id))
	})
	if err != nil {
		return errors.Wrap(err, op, errors.IO)
	}

	return nil
}

func (r *Registry) All() ([]Record, error) {
	var op errors.Op = "registry.All"

	var out []Record
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(torrentsBucket)).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, op, errors.IO)
	}

	return out, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}
