// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dirsync

import (
	"time"

	"github.com/boltdb/bolt"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

var (
	registrationsBucket = []byte("dirsync.registrations")
	metaBucket          = []byte("dirsync.meta")
	hostIDKey           = []byte("host_id")
)

type registration struct {
	Address string `cbor:"1,keyasint"`
	Since   int64  `cbor:"2,keyasint"`
}

// Store persists the services this host registered, and its host id, in a
// bolt file.
type Store struct {
	db *bolt.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open store %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(registrationsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "init store %s", path)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// HostID returns the persisted host id, or "" when none was saved.
func (s *Store) HostID() (id string, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		id = string(tx.Bucket(metaBucket).Get(hostIDKey))
		return nil
	})
	return
}

func (s *Store) SetHostID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(hostIDKey, []byte(id))
	})
}

func (s *Store) Put(service, address string) error {
	val, err := cbor.Marshal(registration{Address: address, Since: time.Now().Unix()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(registrationsBucket).Put([]byte(service), val)
	})
}

func (s *Store) Delete(service string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(registrationsBucket).Delete([]byte(service))
	})
}

// Registrations returns service name to address.
func (s *Store) Registrations() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(registrationsBucket).ForEach(func(k, v []byte) error {
			var r registration
			if err := cbor.Unmarshal(v, &r); err != nil {
				return errors.Wrapf(err, "registration %q", k)
			}
			out[string(k)] = r.Address
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
