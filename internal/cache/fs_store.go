package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	entrySuffix    = ".entry"
	createdMarker  = ".created"
	tempFilePrefix = ".cache-"
	backupPrefix   = tempFilePrefix + "bak-"
)

// NewFSStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。磁盘布局：
//
//	<basePath>/<escaped cache name>/.created         # 创建时间（UnixNano）
//	<basePath>/<escaped cache name>/<sha1(key)>.entry # key 行 + HTTP 报文
func NewFSStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fsStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		names:    make(map[string]*sync.RWMutex),
	}, nil
}

// fsStorage 通过 entryLock 避免同一条目并发写入，所有 Store 共享一张锁表。
// names 中的读写锁让批量写入与整个缓存的创建、删除互斥。
type fsStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
	names map[string]*sync.RWMutex
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fsStore struct {
	storage *fsStorage
	name    string
	dir     string
}

func (s *fsStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.dirFor(name)
	if err != nil {
		return nil, err
	}
	lock := s.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	marker := filepath.Join(dir, createdMarker)
	if _, err := os.Stat(marker); errors.Is(err, fs.ErrNotExist) {
		stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
		if err := os.WriteFile(marker, []byte(stamp), 0o644); err != nil {
			return nil, fmt.Errorf("write cache marker: %w", err)
		}
	}

	return &fsStore{storage: s, name: name, dir: dir}, nil
}

func (s *fsStorage) Lookup(ctx context.Context, name string) (Store, error) {
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	dir, err := s.dirFor(name)
	if err != nil {
		return nil, err
	}
	return &fsStore{storage: s, name: name, dir: dir}, nil
}

func (s *fsStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.dirFor(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fsStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	type named struct {
		name    string
		created int64
	}
	found := make([]named, 0, len(items))
	for _, item := range items {
		if !item.IsDir() {
			continue
		}
		name, err := url.PathUnescape(item.Name())
		if err != nil {
			continue
		}
		found = append(found, named{
			name:    name,
			created: readCreated(filepath.Join(s.basePath, item.Name(), createdMarker)),
		})
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].created != found[j].created {
			return found[i].created < found[j].created
		}
		return found[i].name < found[j].name
	})

	names := make([]string, len(found))
	for i, item := range found {
		names[i] = item.name
	}
	return names, nil
}

func (s *fsStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.dirFor(name)
	if err != nil {
		return false, err
	}
	lock := s.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fsStorage) Close() error {
	return nil
}

func (s *fsStorage) dirFor(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, url.PathEscape(name))
	if filepath.Dir(dir) != s.basePath {
		return "", ErrInvalidName
	}
	return dir, nil
}

func (s *fsStorage) nameLock(name string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.names[name]
	if lock == nil {
		lock = &sync.RWMutex{}
		s.names[name] = lock
	}
	return lock
}

func (s *fsStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fsStore) Name() string {
	return s.name
}

func (s *fsStore) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	filePath := s.entryPath(key)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	storedKey, wire, err := splitEntry(data)
	if err != nil {
		return nil, err
	}
	resp, err := DecodeResponse(storedKey, wire)
	if err != nil {
		return nil, err
	}
	resp.StoredAt = info.ModTime()
	return resp, nil
}

func (s *fsStore) Put(ctx context.Context, key string, resp *Response) error {
	return s.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

// PutAll 先把所有条目写入临时文件，再逐个 rename 到位。已有条目先移到备份文件，
// 任何一步失败都按相反顺序恢复已替换的条目，失败的批次不会留下任何条目。
func (s *fsStore) PutAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if err := validateKey(entry.Key); err != nil {
			return err
		}
		if entry.Response == nil {
			return fmt.Errorf("cache entry %s: nil response", entry.Key)
		}
		keys = append(keys, entry.Key)
	}

	nameLock := s.storage.nameLock(s.name)
	nameLock.RLock()
	defer nameLock.RUnlock()

	sort.Strings(keys)
	for i, key := range keys {
		if i > 0 && keys[i-1] == key {
			continue
		}
		unlock := s.storage.lockEntry(s.name + "::" + key)
		defer unlock()
	}

	if info, err := os.Stat(s.dir); err != nil || !info.IsDir() {
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return ErrStoreDeleted
		}
		return err
	}

	staged := make([]string, 0, len(entries))
	cleanup := func() {
		for _, name := range staged {
			os.Remove(name)
		}
	}

	for _, entry := range entries {
		tempName, err := s.stage(ctx, entry)
		if err != nil {
			cleanup()
			return err
		}
		staged = append(staged, tempName)
	}

	type replaced struct {
		path   string
		backup string
	}
	done := make([]replaced, 0, len(entries))
	rollback := func() {
		for i := len(done) - 1; i >= 0; i-- {
			if done[i].backup != "" {
				os.Rename(done[i].backup, done[i].path)
			} else {
				os.Remove(done[i].path)
			}
		}
		cleanup()
	}

	now := time.Now().UTC()
	for i, entry := range entries {
		filePath := s.entryPath(entry.Key)
		item := replaced{path: filePath}
		if info, err := os.Lstat(filePath); err == nil && info.Mode().IsRegular() {
			item.backup = filepath.Join(s.dir, backupPrefix+strconv.Itoa(i)+"-"+strings.TrimSuffix(filepath.Base(filePath), entrySuffix))
			if err := os.Rename(filePath, item.backup); err != nil {
				rollback()
				return err
			}
		}
		if err := os.Rename(staged[i], filePath); err != nil {
			if item.backup != "" {
				os.Rename(item.backup, filePath)
			}
			rollback()
			return err
		}
		done = append(done, item)

		stamp := entry.Response.StoredAt
		if stamp.IsZero() {
			stamp = now
		}
		if err := os.Chtimes(filePath, stamp, stamp); err != nil {
			rollback()
			return err
		}
	}

	for _, item := range done {
		if item.backup != "" {
			os.Remove(item.backup)
		}
	}
	return nil
}

func (s *fsStore) stage(ctx context.Context, entry Entry) (string, error) {
	wire, err := EncodeResponse(entry.Response)
	if err != nil {
		return "", err
	}

	tempFile, err := os.CreateTemp(s.dir, tempFilePrefix+"*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()

	payload := io.MultiReader(strings.NewReader(entry.Key+"\n"), bytes.NewReader(wire))
	_, err = copyWithContext(ctx, tempFile, payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func (s *fsStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	unlock := s.storage.lockEntry(s.name + "::" + key)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := os.Remove(s.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *fsStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	type keyed struct {
		key     string
		modTime time.Time
	}
	found := make([]keyed, 0, len(items))
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), entrySuffix) {
			continue
		}
		filePath := filepath.Join(s.dir, item.Name())
		key, err := readEntryKey(filePath)
		if err != nil {
			continue
		}
		info, err := item.Info()
		if err != nil {
			continue
		}
		found = append(found, keyed{key: key, modTime: info.ModTime()})
	}

	sort.SliceStable(found, func(i, j int) bool {
		if !found[i].modTime.Equal(found[j].modTime) {
			return found[i].modTime.Before(found[j].modTime)
		}
		return found[i].key < found[j].key
	})

	keys := make([]string, len(found))
	for i, item := range found {
		keys[i] = item.key
	}
	return keys, nil
}

func (s *fsStore) entryPath(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func splitEntry(data []byte) (string, []byte, error) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return "", nil, errors.New("corrupt cache entry: missing key line")
	}
	return string(data[:idx]), data[idx+1:], nil
}

func readEntryKey(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func readCreated(marker string) int64 {
	data, err := os.ReadFile(marker)
	if err != nil {
		return 0
	}
	stamp, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return stamp
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
