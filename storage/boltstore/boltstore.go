// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Package boltstore is a durable [pbft.NodeStorage] on a bolt file
package boltstore

import (
	"bytes"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

const bucketName = "pbft"

type Store struct {
	db *bolt.DB
}

// Open opens or creates the db file at path
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketName)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketName, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Put(key string, val []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(key), val)
	})
}

// Get returns nil if key is not found
func (s *Store) Get(key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		// Values are only valid in the tx
		if v := tx.Bucket([]byte(bucketName)).Get([]byte(key)); v != nil {
			val = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
