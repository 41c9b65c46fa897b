/*
Copyright 2018 The Zpoold Authors. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kvstore

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// FileStore is a KeyValueStore backed by one yaml file per store under a
// base directory. Writes go through a temp file and rename so a crashed
// daemon never leaves a half-written store behind.
type FileStore struct {
	sync.Mutex
	baseDir string
}

// NewFileStore returns a FileStore rooted at baseDir, creating the directory
// if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "failed to create store directory %q", baseDir)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) storePath(storeName string) string {
	return filepath.Join(s.baseDir, storeName+".yaml")
}

func (s *FileStore) load(storeName string) (map[string]string, error) {
	raw, err := os.ReadFile(s.storePath(storeName))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, errors.Wrapf(err, "failed to read store %q", storeName)
	}

	store := map[string]string{}
	if err := yaml.Unmarshal(raw, &store); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal store %q", storeName)
	}
	return store, nil
}

func (s *FileStore) save(storeName string, store map[string]string) error {
	raw, err := yaml.Marshal(store)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal store %q", storeName)
	}

	path := s.storePath(storeName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write store %q", storeName)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "failed to commit store %q", storeName)
	}
	return nil
}

// GetValue gets the value of a key in a store. Returns NotExistError if the
// key is not found.
func (s *FileStore) GetValue(storeName, key string) (string, error) {
	s.Lock()
	defer s.Unlock()

	store, err := s.load(storeName)
	if err != nil {
		return "", err
	}
	value, ok := store[key]
	if !ok {
		return "", NewNotExistError(storeName, key)
	}
	return value, nil
}

// SetValue sets the value of a key in a store, creating the store if needed.
func (s *FileStore) SetValue(storeName, key, value string) error {
	s.Lock()
	defer s.Unlock()

	store, err := s.load(storeName)
	if err != nil {
		return err
	}
	store[key] = value
	return s.save(storeName, store)
}

// DeleteValue removes a key from a store. Returns NotExistError if the key
// is not found.
func (s *FileStore) DeleteValue(storeName, key string) error {
	s.Lock()
	defer s.Unlock()

	store, err := s.load(storeName)
	if err != nil {
		return err
	}
	if _, ok := store[key]; !ok {
		return NewNotExistError(storeName, key)
	}
	delete(store, key)
	return s.save(storeName, store)
}

// GetStore returns the full contents of a store. An absent store is an empty
// map, not an error.
func (s *FileStore) GetStore(storeName string) (map[string]string, error) {
	s.Lock()
	defer s.Unlock()

	return s.load(storeName)
}

// ClearStore removes a store and all its keys.
func (s *FileStore) ClearStore(storeName string) error {
	s.Lock()
	defer s.Unlock()

	if err := os.Remove(s.storePath(storeName)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to clear store %q", storeName)
	}
	return nil
}

// MemoryStore is an in-memory KeyValueStore for tests.
type MemoryStore struct {
	sync.Mutex
	stores map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{stores: map[string]map[string]string{}}
}

func (s *MemoryStore) GetValue(storeName, key string) (string, error) {
	s.Lock()
	defer s.Unlock()
	value, ok := s.stores[storeName][key]
	if !ok {
		return "", NewNotExistError(storeName, key)
	}
	return value, nil
}

func (s *MemoryStore) SetValue(storeName, key, value string) error {
	s.Lock()
	defer s.Unlock()
	if s.stores[storeName] == nil {
		s.stores[storeName] = map[string]string{}
	}
	s.stores[storeName][key] = value
	return nil
}

func (s *MemoryStore) DeleteValue(storeName, key string) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.stores[storeName][key]; !ok {
		return NewNotExistError(storeName, key)
	}
	delete(s.stores[storeName], key)
	return nil
}

func (s *MemoryStore) GetStore(storeName string) (map[string]string, error) {
	s.Lock()
	defer s.Unlock()
	out := map[string]string{}
	for k, v := range s.stores[storeName] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) ClearStore(storeName string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.stores, storeName)
	return nil
}
