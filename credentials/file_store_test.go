package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_LoadMissingFile(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "creds.json"), "client")

	pair, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pair)
}

func TestFileStore_SaveLoadDelete(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "creds.json"), "client")
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, Pair{Access: "a", Refresh: "b"}))
	pair, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Pair{Access: "a", Refresh: "b"}, pair)

	require.NoError(t, s.Delete(ctx))
	pair, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, pair)
}

func TestFileStore_FilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	s := NewFileStore(path, "client")
	require.NoError(t, s.Save(context.Background(), Pair{Access: "a", Refresh: "b"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_PreservesOtherClients(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	ctx := context.Background()

	require.NoError(t, NewFileStore(path, "client-1").Save(ctx, Pair{Access: "a1", Refresh: "r1"}))
	require.NoError(t, NewFileStore(path, "client-2").Save(ctx, Pair{Access: "a2", Refresh: "r2"}))
	require.NoError(t, NewFileStore(path, "client-2").Delete(ctx))

	pair, err := NewFileStore(path, "client-1").Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Pair{Access: "a1", Refresh: "r1"}, pair)
}

func TestFileStore_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	const goroutines = 10

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s := NewFileStore(path, fmt.Sprintf("client-%d", id))
			err := s.Save(context.Background(), Pair{
				Access:  fmt.Sprintf("access-%d", id),
				Refresh: fmt.Sprintf("refresh-%d", id),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var contents fileContents
	require.NoError(t, json.Unmarshal(data, &contents))
	assert.Len(t, contents.Clients, goroutines)

	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err), "lock file left behind")
}

func TestFileStore_CorruptFileIsReplacedOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	s := NewFileStore(path, "client")

	_, err := s.Load(context.Background())
	assert.Error(t, err)

	require.NoError(t, s.Save(context.Background(), Pair{Access: "a", Refresh: "b"}))
	pair, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", pair.Access)
}

func TestLock_AcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")

	lock, err := acquireLock(context.Background(), path)
	require.NoError(t, err)
	_, err = os.Stat(path + ".lock")
	require.NoError(t, err)

	require.NoError(t, lock.release())
	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err))

	// A second release reports the missing file.
	assert.Error(t, lock.release())
}

func TestLock_SerializesHolders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	const goroutines = 8

	var (
		wg      sync.WaitGroup
		holders atomic.Int32
		maxSeen atomic.Int32
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := acquireLock(context.Background(), path)
			if !assert.NoError(t, err) {
				return
			}
			n := holders.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			holders.Add(-1)
			assert.NoError(t, lock.release())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestLock_StaleLockIsRemoved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	lockPath := path + ".lock"
	require.NoError(t, os.WriteFile(lockPath, []byte("99999"), 0o600))
	stale := time.Now().Add(-staleLockAge - 5*time.Second)
	require.NoError(t, os.Chtimes(lockPath, stale, stale))

	lock, err := acquireLock(context.Background(), path)
	require.NoError(t, err)
	assert.NoError(t, lock.release())
}

func TestLock_HonoursContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	held, err := acquireLock(context.Background(), path)
	require.NoError(t, err)
	defer held.release()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err = acquireLock(ctx, path)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
