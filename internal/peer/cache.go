package peer

import (
	"encoding/json"
	"fmt"
	"time"

	"otp2p/internal/history"
	"otp2p/internal/ot"

	bolt "go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

// cachedDocument is the last state a peer synchronized to
type cachedDocument struct {
	Model   []ot.Segment     `json:"model"`
	History history.Snapshot `json:"history"`
	SavedAt time.Time        `json:"saved_at"`
}

// Cache keeps the last synchronized state of each document on disk so a
// peer can show it before the hub is reachable
type Cache struct {
	db *bolt.DB
}

// OpenCache opens or creates the cache file at path
func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open peer cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize peer cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Save replaces the cached state of documentID
func (c *Cache) Save(documentID string, model []ot.Segment, snap history.Snapshot) error {
	data, err := json.Marshal(cachedDocument{Model: model, History: snap, SavedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to encode cached document: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(documentID), data)
	})
}

// Load returns the cached state of documentID
func (c *Cache) Load(documentID string) ([]ot.Segment, history.Snapshot, bool, error) {
	var cached cachedDocument
	found := false

	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(documentsBucket).Get([]byte(documentID))
		if data == nil {
			return nil
		}
		found = true
		// data is only valid inside the transaction; Unmarshal copies it
		return json.Unmarshal(data, &cached)
	})
	if err != nil {
		return nil, history.Snapshot{}, false, fmt.Errorf("failed to read cached document %s: %w", documentID, err)
	}
	return cached.Model, cached.History, found, nil
}

// Close releases the cache file
func (c *Cache) Close() error {
	return c.db.Close()
}
