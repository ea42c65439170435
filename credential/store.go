package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultMaxAge is how long a persisted refresh token is trusted.
const DefaultMaxAge = 365 * 24 * time.Hour

// Record is the persisted refresh-token record. Timestamp is the issue time
// in epoch milliseconds.
type Record struct {
	RefreshToken string   `json:"refresh_token"`
	Timestamp    int64    `json:"timestamp"`
	Scope        []string `json:"scope"`
}

// IssuedAt returns the record's timestamp as a time.
func (r *Record) IssuedAt() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// Usable reports whether the record can be used for a silent refresh: it
// carries a refresh token, is younger than maxAge, and was issued for exactly
// the requested scope set.
func (r *Record) Usable(scope []string, now time.Time, maxAge time.Duration) bool {
	if r == nil || r.RefreshToken == "" || r.Timestamp <= 0 {
		return false
	}
	if now.Sub(r.IssuedAt()) >= maxAge {
		return false
	}
	return sameScope(r.Scope, scope)
}

func sameScope(a, b []string) bool {
	left := make(map[string]struct{}, len(a))
	for _, s := range a {
		left[s] = struct{}{}
	}
	right := make(map[string]struct{}, len(b))
	for _, s := range b {
		right[s] = struct{}{}
	}
	if len(left) != len(right) {
		return false
	}
	for s := range left {
		if _, ok := right[s]; !ok {
			return false
		}
	}
	return true
}

// Store reads and writes a single Record as a JSON file. Writes replace the
// whole file; the last write wins.
type Store struct {
	path string
}

// NewStore returns a Store backed by the file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// DefaultPath returns the default record location under the user's config
// directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "mixer", "refresh_token.json"), nil
}

// Path returns the file the store reads and writes.
func (s *Store) Path() string { return s.path }

// Load reads the persisted record. A missing or corrupt file is returned as
// an error; callers treat either as "no usable record".
func (s *Store) Load() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return &rec, nil
}

// Save overwrites the persisted record.
func (s *Store) Save(rec Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	return os.Rename(tmp, s.path)
}
