package secretstore

import (
	"encoding/base64"
	"encoding/hex"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// 凭证在库中的键
const (
	KeyClientID     = "deribit/client_id"
	KeyClientSecret = "deribit/client_secret"
)

// Store 是基于 Badger 的静态加密 KV，只存少量凭证
// 加密由 Badger 完成（value log + key registry），本包不做额外处理
type Store struct {
	db *badger.DB
}

type OpenOptions struct {
	Path          string
	EncryptionKey []byte // 32 字节；nil 表示不加密
	ReadOnly      bool
	InMemory      bool // 测试用
}

func Open(opts OpenOptions) (*Store, error) {
	if !opts.InMemory && strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("secretstore: path is required")
	}
	path := opts.Path
	if opts.InMemory {
		path = ""
	}
	bopts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithInMemory(opts.InMemory).
		WithReadOnly(opts.ReadOnly)
	if len(opts.EncryptionKey) > 0 {
		// 加密模式下 Badger 需要 index cache
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(16 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "secretstore: open")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func normalizeKey(key string) ([]byte, error) {
	k := strings.TrimSpace(key)
	if k == "" {
		return nil, errors.New("secretstore: key is empty")
	}
	return []byte(k), nil
}

// GetString 返回值以及是否存在
func (s *Store) GetString(key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, errors.New("secretstore: not opened")
	}
	k, err := normalizeKey(key)
	if err != nil {
		return "", false, err
	}
	var (
		out   string
		found bool
	)
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			out = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false, errors.Wrapf(err, "secretstore: get %s", key)
	}
	return out, found, nil
}

func (s *Store) SetString(key string, val string) error {
	if s == nil || s.db == nil {
		return errors.New("secretstore: not opened")
	}
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, []byte(val))
	})
}

func (s *Store) Delete(key string) error {
	if s == nil || s.db == nil {
		return errors.New("secretstore: not opened")
	}
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

// LoadCredentials 读取 API 凭证；任一缺失时 ok=false
func (s *Store) LoadCredentials() (clientID, clientSecret string, ok bool, err error) {
	clientID, idOK, err := s.GetString(KeyClientID)
	if err != nil {
		return "", "", false, err
	}
	clientSecret, secretOK, err := s.GetString(KeyClientSecret)
	if err != nil {
		return "", "", false, err
	}
	if !idOK || !secretOK || clientID == "" || clientSecret == "" {
		return "", "", false, nil
	}
	return clientID, clientSecret, true, nil
}

// SaveCredentials 在同一事务中写入两个凭证
func (s *Store) SaveCredentials(clientID, clientSecret string) error {
	if clientID == "" || clientSecret == "" {
		return errors.New("secretstore: client id and secret are required")
	}
	if s == nil || s.db == nil {
		return errors.New("secretstore: not opened")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(KeyClientID), []byte(clientID)); err != nil {
			return err
		}
		return txn.Set([]byte(KeyClientSecret), []byte(clientSecret))
	})
}

// ParseKey 接受 hex（可带 0x）或 base64 编码的 32 字节密钥；空输入返回 nil
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
		if len(b) != 32 {
			return nil, errors.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(b) != 32 {
			return nil, errors.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	return nil, errors.New("key must be base64(32 bytes) or hex(32 bytes)")
}
