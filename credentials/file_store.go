package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// fileRecord is one client's entry in the credentials file.
type fileRecord struct {
	Access    string    `json:"access"`
	Refresh   string    `json:"refresh"`
	ClientID  string    `json:"client_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// fileContents is the on-disk layout, shared by every client ID.
type fileContents struct {
	Clients map[string]*fileRecord `json:"clients"` // key = client_id
}

// FileStore persists credentials for one client ID in a JSON file that may be
// shared with other client IDs. Writes take a lock file and replace the file
// atomically.
type FileStore struct {
	path     string
	clientID string
}

var _ Persister = (*FileStore)(nil)

// NewFileStore returns a FileStore for clientID backed by path.
func NewFileStore(path, clientID string) *FileStore {
	return &FileStore{path: path, clientID: clientID}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(_ context.Context) (*Pair, error) {
	contents, err := s.read()
	if err != nil {
		return nil, err
	}
	rec, ok := contents.Clients[s.clientID]
	if !ok {
		return nil, nil
	}
	return &Pair{Access: rec.Access, Refresh: rec.Refresh}, nil
}

func (s *FileStore) Save(ctx context.Context, pair Pair) error {
	return s.update(ctx, func(c *fileContents) {
		c.Clients[s.clientID] = &fileRecord{
			Access:    pair.Access,
			Refresh:   pair.Refresh,
			ClientID:  s.clientID,
			UpdatedAt: time.Now().UTC(),
		}
	})
}

func (s *FileStore) Delete(ctx context.Context) error {
	return s.update(ctx, func(c *fileContents) {
		delete(c.Clients, s.clientID)
	})
}

// read returns the parsed file, or an empty layout when the file is missing.
func (s *FileStore) read() (*fileContents, error) {
	contents := &fileContents{Clients: make(map[string]*fileRecord)}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return contents, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, contents); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if contents.Clients == nil {
		contents.Clients = make(map[string]*fileRecord)
	}
	return contents, nil
}

// update applies fn to the file contents under the lock and writes the result
// through a temp file and rename.
func (s *FileStore) update(ctx context.Context, fn func(*fileContents)) error {
	lock, err := acquireLock(ctx, s.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.release()

	contents, err := s.read()
	if err != nil {
		// A corrupt file must not block logout or re-login.
		contents = &fileContents{Clients: make(map[string]*fileRecord)}
	}
	fn(contents)

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		if rmErr := os.Remove(tmp); rmErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				rmErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
