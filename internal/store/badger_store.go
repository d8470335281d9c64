package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/cachehop/cachehop/internal/protocol"
)

// 值布局：8 字节大端 UnixNano 写入时间 + 正文。
const modTimeSize = 8

// NewBadgerStore 打开 badger 数据库作为存储；path 为空时使用纯内存模式。
func NewBadgerStore(path string) (Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &badgerStore{db: db}, nil
}

type badgerStore struct {
	db *badger.DB
}

func (s *badgerStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := checkKey(ctx, name); err != nil {
		return false, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(name))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *badgerStore) Get(ctx context.Context, name string) (*ReadResult, error) {
	if err := checkKey(ctx, name); err != nil {
		return nil, err
	}
	var (
		entry Entry
		body  []byte
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(name))
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		entry, body, err = decodeValue(name, value)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ReadResult{Entry: entry, Reader: io.NopCloser(bytes.NewReader(body))}, nil
}

// Put 先完整读入正文，再在单个事务中写入，事务提交即可见。
func (s *badgerStore) Put(ctx context.Context, name string, body io.Reader) (*Entry, error) {
	if err := checkKey(ctx, name); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(make([]byte, modTimeSize))
	if _, err := copyWithContext(ctx, &buf, body); err != nil {
		return nil, err
	}

	modTime := time.Now().UTC()
	value := buf.Bytes()
	binary.BigEndian.PutUint64(value[:modTimeSize], uint64(modTime.UnixNano()))

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(name), value)
	}); err != nil {
		return nil, err
	}
	return &Entry{
		Name:      name,
		SizeBytes: int64(len(value) - modTimeSize),
		ModTime:   modTime,
	}, nil
}

func (s *badgerStore) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entries []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			name := string(item.KeyCopy(nil))
			err := item.Value(func(value []byte) error {
				entry, _, err := decodeValue(name, value)
				if err != nil {
					return err
				}
				entries = append(entries, entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return entries, err
}

func (s *badgerStore) Remove(ctx context.Context, name string) error {
	if err := checkKey(ctx, name); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(name))
	})
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}

func checkKey(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return protocol.ValidateName(name)
}

func decodeValue(name string, value []byte) (Entry, []byte, error) {
	if len(value) < modTimeSize {
		return Entry{}, nil, fmt.Errorf("corrupt badger entry %q", name)
	}
	nanos := int64(binary.BigEndian.Uint64(value[:modTimeSize]))
	body := value[modTimeSize:]
	return Entry{
		Name:      name,
		SizeBytes: int64(len(body)),
		ModTime:   time.Unix(0, nanos).UTC(),
	}, body, nil
}
