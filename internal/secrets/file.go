// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"github.com/archflow/archflow/pkg/errors"
)

const (
	// argon2id parameters: time=3, memory=64MB, parallelism=4,
	// 256-bit key for AES-256.
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLength   = 32

	gcmNonceSize = 12
)

// envelope is the on-disk shape of the encrypted secrets file. The
// payload is a JSON map of key to value, sealed with AES-256-GCM under
// a key derived from the master key and the per-write salt.
type envelope struct {
	Salt  []byte `yaml:"salt"`
	Nonce []byte `yaml:"nonce"`
	Data  []byte `yaml:"data"`
}

// FileProvider resolves file:key references from an encrypted secrets
// file. The master key comes from ARCHFLOW_MASTER_KEY or
// <config dir>/master.key; without one the provider reports itself
// unavailable and resolutions fail with a config error.
type FileProvider struct {
	path      string
	masterKey []byte
	available bool

	mu sync.RWMutex
}

// NewFileProvider creates the provider. An empty path selects
// <user config dir>/archflow/secrets.enc. An empty masterKey falls back
// to ARCHFLOW_MASTER_KEY, then the master.key file next to the secrets
// file.
func NewFileProvider(path, masterKey string) *FileProvider {
	if path == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			path = filepath.Join(dir, "archflow", "secrets.enc")
		}
	}

	p := &FileProvider{path: path}

	key, err := resolveMasterKey(masterKey)
	if err != nil || path == "" {
		return p
	}
	p.masterKey = key
	p.available = true
	return p
}

// Scheme implements Provider.
func (f *FileProvider) Scheme() string {
	return "file"
}

// Available reports whether a master key was found.
func (f *FileProvider) Available() bool {
	return f.available
}

// Resolve implements Provider.
func (f *FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	if !f.available {
		return "", &errors.ConfigError{
			Key:    "file:" + ref,
			Reason: "master key not available (set ARCHFLOW_MASTER_KEY or create master.key)",
		}
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	store, err := f.load()
	if err != nil {
		if os.IsNotExist(err) {
			return "", notFound("file:" + ref)
		}
		return "", err
	}

	value, ok := store[ref]
	if !ok {
		return "", notFound("file:" + ref)
	}
	return value, nil
}

// Store writes one secret, creating the encrypted file on first use.
func (f *FileProvider) Store(ref, value string) error {
	if !f.available {
		return &errors.ConfigError{
			Key:    "file:" + ref,
			Reason: "master key not available (set ARCHFLOW_MASTER_KEY or create master.key)",
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	store, err := f.load()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if store == nil {
		store = make(map[string]string)
	}

	store[ref] = value
	return f.save(store)
}

// Remove deletes one secret.
func (f *FileProvider) Remove(ref string) error {
	if !f.available {
		return &errors.ConfigError{
			Key:    "file:" + ref,
			Reason: "master key not available (set ARCHFLOW_MASTER_KEY or create master.key)",
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	store, err := f.load()
	if err != nil {
		if os.IsNotExist(err) {
			return notFound("file:" + ref)
		}
		return err
	}
	if _, ok := store[ref]; !ok {
		return notFound("file:" + ref)
	}

	delete(store, ref)
	return f.save(store)
}

// Keys lists the stored secret names, sorted.
func (f *FileProvider) Keys() ([]string, error) {
	if !f.available {
		return nil, &errors.ConfigError{
			Key:    "file",
			Reason: "master key not available (set ARCHFLOW_MASTER_KEY or create master.key)",
		}
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	store, err := f.load()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]string, 0, len(store))
	for k := range store {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileProvider) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := yaml.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid secrets file format: %w", err)
	}

	key := argon2.IDKey(f.masterKey, env.Salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong master key or corrupted file): %w", err)
	}
	defer zeroBytes(plaintext)

	var store map[string]string
	if err := json.Unmarshal(plaintext, &store); err != nil {
		return nil, fmt.Errorf("invalid decrypted payload: %w", err)
	}
	return store, nil
}

func (f *FileProvider) save(store map[string]string) error {
	plaintext, err := json.Marshal(store)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}
	defer zeroBytes(plaintext)

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(f.masterKey, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	env := envelope{
		Salt:  salt,
		Nonce: nonce,
		Data:  gcm.Seal(nil, nonce, plaintext, nil),
	}

	raw, err := yaml.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}

	// Write-then-rename keeps a reader from seeing a torn file.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace secrets file: %w", err)
	}

	if err := verifyFilePermissions(f.path); err != nil {
		return fmt.Errorf("secrets file permission check failed: %w", err)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// resolveMasterKey finds the master key: the explicit argument, then
// ARCHFLOW_MASTER_KEY, then <config dir>/archflow/master.key.
func resolveMasterKey(provided string) ([]byte, error) {
	if provided != "" {
		return []byte(provided), nil
	}
	if env := os.Getenv("ARCHFLOW_MASTER_KEY"); env != "" {
		return []byte(env), nil
	}

	dir, err := os.UserConfigDir()
	if err == nil {
		keyPath := filepath.Join(dir, "archflow", "master.key")
		if key, err := os.ReadFile(keyPath); err == nil && len(key) > 0 {
			if err := verifyFilePermissions(keyPath); err == nil {
				return key, nil
			}
		}
	}
	return nil, stderrors.New("master key not available")
}

// verifyFilePermissions rejects symlinks and group/other-readable
// files; key material must be 0600 or stricter.
func verifyFilePermissions(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return stderrors.New("file is a symlink (not allowed for key material)")
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("file permissions too open (got %o, want 0600)", perm)
	}
	return nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
