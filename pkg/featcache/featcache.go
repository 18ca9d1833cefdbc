// Package featcache persists frame-aligned audio embeddings between runs
// so repeated inference over the same clip skips the audio encoder. The
// cache is opt-in; without a directory the pipeline keeps no state.
package featcache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/visage-ai/lipsync/pkg/audio/features"
)

// ErrMiss is returned by Get when no entry matches the key.
var ErrMiss = errors.New("featcache: miss")

// Key identifies one embedding sequence. Two runs share an entry only
// when the raw audio, the encoder, and the frame alignment all match.
type Key struct {
	AudioDigest  [sha256.Size]byte
	EncoderID    string
	TargetFrames int
}

// DigestAudio hashes raw audio bytes for use in a Key.
func DigestAudio(data []byte) [sha256.Size]byte {
	return sha256.Sum256(data)
}

func (k Key) encode() []byte {
	buf := make([]byte, 0, sha256.Size*2+len(k.EncoderID)+16)
	buf = append(buf, hex.EncodeToString(k.AudioDigest[:])...)
	buf = append(buf, ':')
	buf = append(buf, k.EncoderID...)
	buf = append(buf, ':')
	buf = binary.LittleEndian.AppendUint64(buf, uint64(k.TargetFrames))
	return buf
}

type record struct {
	Dim        int         `msgpack:"dim"`
	Embeddings [][]float32 `msgpack:"embeddings"`
}

// Cache is a badger-backed embedding store.
type Cache struct {
	db *badger.DB
}

// Open creates or opens a cache in dir. An empty dir opens an in-memory
// cache, used in tests.
func Open(dir string) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(quietLogger{})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("featcache: open %s: %w", dir, err)
	}
	return &Cache{db: db}, nil
}

// Get returns the cached segment for key, or ErrMiss.
func (c *Cache) Get(key Key) (*features.Segment, error) {
	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key.encode())
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("featcache: get: %w", err)
	}
	var rec record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("featcache: decode: %w", err)
	}
	if len(rec.Embeddings) != key.TargetFrames {
		return nil, ErrMiss
	}
	return &features.Segment{Embeddings: rec.Embeddings, Dim: rec.Dim}, nil
}

// Put stores seg under key, overwriting any previous entry.
func (c *Cache) Put(key Key, seg *features.Segment) error {
	raw, err := msgpack.Marshal(record{Dim: seg.Dim, Embeddings: seg.Embeddings})
	if err != nil {
		return fmt.Errorf("featcache: encode: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key.encode(), raw)
	})
	if err != nil {
		return fmt.Errorf("featcache: put: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// quietLogger drops badger's info and debug chatter.
type quietLogger struct{}

func (quietLogger) Errorf(f string, v ...interface{})   { log.Printf("[featcache] ERROR: "+f, v...) }
func (quietLogger) Warningf(f string, v ...interface{}) { log.Printf("[featcache] WARN: "+f, v...) }
func (quietLogger) Infof(string, ...interface{})        {}
func (quietLogger) Debugf(string, ...interface{})       {}
