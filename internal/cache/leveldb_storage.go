package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// 磁盘布局：
//
//	s:<store>               # 缓存库标记，ListStoreNames 的唯一来源
//	e:<store>\x00<key>      # 条目快照（CBOR envelope）
var (
	markerPrefix = []byte("s:")
	entryPrefix  = []byte("e:")
)

const keySeparator = 0x00

// Options 控制 Storage 的容量上限；MaxBytes <= 0 表示不限制。
type Options struct {
	MaxBytes int64
}

// LevelDBStorage 用一个 leveldb 实例承载所有命名缓存库。
// 所有写操作在 mu 下串行执行，条目整体覆盖，最后一次写入生效。
type LevelDBStorage struct {
	db       *leveldb.DB
	maxBytes int64

	mu     sync.Mutex
	sizes  map[string]int64 // entry db key -> encoded size
	total  int64
	closed bool
}

// OpenLevelDB 在 path 目录打开（或创建）持久化 Storage。
func OpenLevelDB(path string, opts Options) (*LevelDBStorage, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return newLevelDBStorage(db, opts)
}

// OpenMemory 返回基于内存的 Storage，进程退出即丢失，主要用于测试。
func OpenMemory(opts Options) (*LevelDBStorage, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory leveldb: %w", err)
	}
	return newLevelDBStorage(db, opts)
}

func newLevelDBStorage(db *leveldb.DB, opts Options) (*LevelDBStorage, error) {
	s := &LevelDBStorage{
		db:       db,
		maxBytes: opts.MaxBytes,
		sizes:    make(map[string]int64),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelDBStorage) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	defer it.Release()

	var total int64
	for it.Next() {
		size := int64(len(it.Value()))
		s.sizes[string(it.Key())] = size
		total += size
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("load cache index: %w", err)
	}
	s.total = total
	return nil
}

// Open 实现 Storage。
func (s *LevelDBStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("store name required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStorageClosed
	}

	marker := markerKey(name)
	exists, err := s.db.Has(marker, nil)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := s.db.Put(marker, []byte{1}, nil); err != nil {
			return nil, fmt.Errorf("create store %s: %w", name, err)
		}
	}
	return &levelStore{storage: s, name: name}, nil
}

// DeleteStore 实现 Storage。
func (s *LevelDBStorage) DeleteStore(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStorageClosed
	}

	marker := markerKey(name)
	exists, err := s.db.Has(marker, nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	var removed []string
	it := s.db.NewIterator(util.BytesPrefix(storeEntryPrefix(name)), nil)
	for it.Next() {
		key := append([]byte(nil), it.Key()...)
		batch.Delete(key)
		removed = append(removed, string(key))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if !exists && len(removed) == 0 {
		return false, nil
	}
	batch.Delete(marker)
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	for _, key := range removed {
		s.total -= s.sizes[key]
		delete(s.sizes, key)
	}
	return true, nil
}

// ListStoreNames 实现 Storage。
func (s *LevelDBStorage) ListStoreNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStorageClosed
	}

	it := s.db.NewIterator(util.BytesPrefix(markerPrefix), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), markerPrefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// TotalBytes 返回所有条目编码后的总大小。
func (s *LevelDBStorage) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Close 关闭底层 leveldb，之后所有操作返回 ErrStorageClosed。
func (s *LevelDBStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *LevelDBStorage) put(name, key string, entry Entry) error {
	raw, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	dbKey := entryKey(name, key)
	size := int64(len(raw))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageClosed
	}

	exists, err := s.db.Has(markerKey(name), nil)
	if err != nil {
		return err
	}
	if !exists {
		return ErrStoreDeleted
	}

	next := s.total - s.sizes[string(dbKey)] + size
	if s.maxBytes > 0 && next > s.maxBytes {
		return fmt.Errorf("%w: need %d bytes, limit %d", ErrQuotaExceeded, next, s.maxBytes)
	}
	if err := s.db.Put(dbKey, raw, nil); err != nil {
		return err
	}
	s.sizes[string(dbKey)] = size
	s.total = next
	return nil
}

func (s *LevelDBStorage) get(name, key string) ([]byte, bool, error) {
	raw, err := s.db.Get(entryKey(name, key), nil)
	switch {
	case err == nil:
		return raw, true, nil
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, false, nil
	case errors.Is(err, leveldb.ErrClosed):
		return nil, false, ErrStorageClosed
	default:
		return nil, false, err
	}
}

func (s *LevelDBStorage) keys(name string) ([]string, error) {
	prefix := storeEntryPrefix(name)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		if errors.Is(err, leveldb.ErrClosed) {
			return nil, ErrStorageClosed
		}
		return nil, err
	}
	return out, nil
}

type levelStore struct {
	storage *LevelDBStorage
	name    string
}

func (l *levelStore) Name() string { return l.name }

func (l *levelStore) Match(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	raw, ok, err := l.storage.get(l.name, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (l *levelStore) Has(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, ok, err := l.storage.get(l.name, key)
	return ok, err
}

func (l *levelStore) Put(ctx context.Context, key string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return errors.New("cache key required")
	}
	return l.storage.put(l.name, key, entry)
}

func (l *levelStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.storage.keys(l.name)
}

func markerKey(name string) []byte {
	return append(append([]byte(nil), markerPrefix...), name...)
}

func storeEntryPrefix(name string) []byte {
	out := append(append([]byte(nil), entryPrefix...), name...)
	return append(out, keySeparator)
}

func entryKey(name, key string) []byte {
	return append(storeEntryPrefix(name), key...)
}
