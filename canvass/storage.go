package canvass

import (
	"encoding/json"
	"errors"
	"sync"

	badger "github.com/dgraph-io/badger/v3"
)

// durable key-value storage collaborator
// used as the offline read fallback for collection snapshots
// and as the write-through target for selection persistence

const (
	storageKeyCompanies       = "companies"
	storageKeyBusinesses      = "businesses"
	storageKeyUsers           = "users"
	storageKeySelectedCompany = "selected_company"
	storageKeySelectedUser    = "selected_user"
	storageKeySelectedManager = "selected_manager"
)

type Storage interface {
	// Get reads the value for `key` into `value`. The bool is false
	// when the key is absent.
	Get(key string, value any) (bool, error)
	Set(key string, value any) error
	Remove(key string) error
	Close() error
}

// BadgerStorage stores json values in a badger db on the device.
type BadgerStorage struct {
	db *badger.DB
}

func NewBadgerStorage(path string) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(path)
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStorage{
		db: db,
	}, nil
}

func (self *BadgerStorage) Get(key string, value any) (bool, error) {
	var valueBytes []byte
	err := self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		valueBytes, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(valueBytes, value); err != nil {
		return false, err
	}
	return true, nil
}

func (self *BadgerStorage) Set(key string, value any) error {
	valueBytes, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), valueBytes)
	})
}

func (self *BadgerStorage) Remove(key string) error {
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (self *BadgerStorage) Close() error {
	return self.db.Close()
}

// MemoryStorage is a process-local `Storage` for tests.
type MemoryStorage struct {
	mutex  sync.Mutex
	values map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		values: map[string][]byte{},
	}
}

func (self *MemoryStorage) Get(key string, value any) (bool, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	valueBytes, ok := self.values[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(valueBytes, value); err != nil {
		return false, err
	}
	return true, nil
}

func (self *MemoryStorage) Set(key string, value any) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	valueBytes, err := json.Marshal(value)
	if err != nil {
		return err
	}
	self.values[key] = valueBytes
	return nil
}

func (self *MemoryStorage) Remove(key string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.values, key)
	return nil
}

func (self *MemoryStorage) Close() error {
	return nil
}
