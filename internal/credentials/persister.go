package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
)

// DotenvPersister rewrites keys in a dotenv file. Existing keys not named in
// an update are preserved; comments are not.
type DotenvPersister struct {
	Path string
	mu   sync.Mutex
}

// NewDotenvPersister returns a persister for the dotenv file at path.
func NewDotenvPersister(path string) *DotenvPersister {
	return &DotenvPersister{Path: path}
}

// UpdateValues implements Persister.
func (p *DotenvPersister) UpdateValues(values map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	env, err := godotenv.Read(p.Path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read env file: %w", err)
		}
		env = make(map[string]string, len(values))
	}
	for k, v := range values {
		env[k] = v
	}

	content, err := godotenv.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal env file: %w", err)
	}
	return writeFileAtomic(p.Path, []byte(content+"\n"), 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
