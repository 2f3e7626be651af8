package automation

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/smartpaste/smartpaste/pkg/utils"
)

// rulesFileMode is the permission used for the rules file.
const rulesFileMode = 0o644

// FileStore persists rules as a JSON array. It remembers the digest of
// the last file contents it read or wrote so callers can ignore their own
// writes when watching the file.
type FileStore struct {
	path string

	mu     sync.Mutex
	digest string
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the rules file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads every rule in the file. A missing file yields an error
// matching os.ErrNotExist.
func (s *FileStore) Load() ([]*Rule, error) {
	var rules []*Rule
	if err := utils.ReadJSON(s.path, &rules); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("load rules: %w", err)
	}
	s.remember()
	return rules, nil
}

// Save atomically replaces the file with rules.
func (s *FileStore) Save(rules []*Rule) error {
	if rules == nil {
		rules = []*Rule{}
	}
	if err := utils.WriteJSONAtomic(s.path, rules, rulesFileMode); err != nil {
		return fmt.Errorf("save rules: %w", err)
	}
	s.remember()
	return nil
}

// Changed reports whether the file differs from what this store last read
// or wrote.
func (s *FileStore) Changed() bool {
	current := s.fileDigest()
	s.mu.Lock()
	defer s.mu.Unlock()
	return current != s.digest
}

func (s *FileStore) remember() {
	d := s.fileDigest()
	s.mu.Lock()
	s.digest = d
	s.mu.Unlock()
}

func (s *FileStore) fileDigest() string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return ""
	}
	return utils.ContentHash(string(data))
}
