package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"bull-bridge/internal/domain"
)

// FileStore keeps the credentials snapshot in a YAML file. Writes go through
// a temporary file and a rename so a crash never leaves a truncated file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

// Load returns the stored credentials. found is false when no snapshot has
// been written yet.
func (s *FileStore) Load() (domain.Credentials, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.Credentials{}, false, nil
	}
	if err != nil {
		return domain.Credentials{}, false, fmt.Errorf("reading credentials file: %w", err)
	}

	var snapshot map[string]any
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		return domain.Credentials{}, false, fmt.Errorf("parsing credentials file: %w", err)
	}
	if len(snapshot) == 0 {
		return domain.Credentials{}, false, nil
	}

	creds, err := domain.DeserializeCredentials(snapshot)
	if err != nil {
		return domain.Credentials{}, false, fmt.Errorf("decoding credentials file: %w", err)
	}
	return creds, true, nil
}

func (s *FileStore) Save(creds domain.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(creds.Serialize())
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting credentials file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing credentials file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing credentials file: %w", err)
	}
	return nil
}
