package credential

import (
	"errors"
	"fmt"

	"github.com/grokgate/grokgate/pkg/cache"
)

// Store is the durable boundary for the credential pool: one JSON file,
// rewritten atomically on every pool mutation.
type Store struct {
	path string
}

type storeFile struct {
	Credentials []State `json:"credentials"`
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Load reads the credential set. A missing file is an empty pool, not an
// error, so first runs work without setup.
func (s *Store) Load() ([]State, error) {
	var f storeFile
	if err := cache.LoadJSON(s.path, &f); err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	for i := range f.Credentials {
		f.Credentials[i].Normalize()
		if err := f.Credentials[i].Validate(); err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
	}
	return f.Credentials, nil
}

func (s *Store) Save(states []State) error {
	if err := cache.SaveJSON(s.path, storeFile{Credentials: states}); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}
