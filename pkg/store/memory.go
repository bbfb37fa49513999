package store

import (
	"fmt"

	"github.com/hashicorp/go-memdb"
)

const itemsTable = "items"

type item struct {
	Key   string
	Value string
}

// MemoryStorage keeps items in a go-memdb table. It lives as long as the
// process, which is the toolbar's session.
type MemoryStorage struct {
	db *memdb.MemDB
}

var (
	_ IStorage     = (*MemoryStorage)(nil)
	_ PrefixLister = (*MemoryStorage)(nil)
)

func NewMemoryStorage() *MemoryStorage {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			itemsTable: {
				Name: itemsTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key", Lowercase: false},
					},
				},
			},
		},
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		panic(err)
	}
	return &MemoryStorage{db: db}
}

func (m *MemoryStorage) GetItem(key string) (string, bool, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(itemsTable, "id", key)
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	it, ok := raw.(*item)
	if !ok {
		return "", false, nil
	}
	return it.Value, true, nil
}

func (m *MemoryStorage) SetItem(key string, value string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(itemsTable, &item{Key: key, Value: value}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStorage) RemoveItem(key string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(itemsTable, "id", key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStorage) Keys() ([]string, error) {
	return m.KeysWithPrefix("")
}

// KeysWithPrefix lists keys starting with prefix using the id prefix index.
func (m *MemoryStorage) KeysWithPrefix(prefix string) ([]string, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(itemsTable, "id_prefix", prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	var keys []string
	for obj := it.Next(); obj != nil; obj = it.Next() {
		keys = append(keys, obj.(*item).Key)
	}
	return keys, nil
}
