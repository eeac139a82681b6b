package storage

import "fmt"

const (
	// BackendSQLite selects the go-sqlite3 store.
	BackendSQLite = "sqlite"
	// BackendBolt selects the bbolt store.
	BackendBolt = "bolt"
)

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*BoltStore)(nil)
)

// OpenBackend opens the named backend under dataDir and returns it with its file path.
func OpenBackend(kind, dataDir string) (Backend, string, error) {
	switch kind {
	case "", BackendSQLite:
		store, path, err := Open(dataDir)
		if err != nil {
			return nil, "", err
		}
		return store, path, nil
	case BackendBolt:
		store, path, err := OpenBolt(dataDir)
		if err != nil {
			return nil, "", err
		}
		return store, path, nil
	default:
		return nil, "", fmt.Errorf("unknown storage backend %q", kind)
	}
}
