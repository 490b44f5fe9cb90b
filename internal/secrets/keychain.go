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
	stderrors "errors"

	"github.com/zalando/go-keyring"

	"github.com/archflow/archflow/pkg/errors"
)

// DefaultKeychainService is the keychain service name all archflow
// entries are stored under.
const DefaultKeychainService = "archflow"

// KeychainProvider resolves keychain:key references from the system
// keychain (macOS Keychain, Secret Service on Linux, Credential Manager
// on Windows).
type KeychainProvider struct {
	service   string
	available bool
}

// NewKeychainProvider probes the keychain once and returns the
// provider. An unavailable keychain (locked, headless host) yields a
// provider whose resolutions fail with a config error naming the
// condition.
func NewKeychainProvider(service string) *KeychainProvider {
	if service == "" {
		service = DefaultKeychainService
	}
	p := &KeychainProvider{service: service, available: true}

	_, err := keyring.Get(service, "__archflow_availability_probe__")
	if err != nil && !stderrors.Is(err, keyring.ErrNotFound) {
		p.available = false
	}
	return p
}

// Scheme implements Provider.
func (k *KeychainProvider) Scheme() string {
	return "keychain"
}

// Available reports whether the keychain answered the startup probe.
func (k *KeychainProvider) Available() bool {
	return k.available
}

// Resolve implements Provider.
func (k *KeychainProvider) Resolve(_ context.Context, ref string) (string, error) {
	if !k.available {
		return "", &errors.ConfigError{
			Key:    "keychain:" + ref,
			Reason: "system keychain unavailable or locked",
		}
	}

	value, err := keyring.Get(k.service, ref)
	if err != nil {
		if stderrors.Is(err, keyring.ErrNotFound) {
			return "", notFound("keychain:" + ref)
		}
		return "", &errors.ConfigError{
			Key:    "keychain:" + ref,
			Reason: "keychain access failed",
			Cause:  err,
		}
	}
	return value, nil
}

// Store writes a keychain entry. Used by the CLI's secret management
// commands.
func (k *KeychainProvider) Store(ref, value string) error {
	if !k.available {
		return &errors.ConfigError{
			Key:    "keychain:" + ref,
			Reason: "system keychain unavailable or locked",
		}
	}
	return keyring.Set(k.service, ref, value)
}

// Remove deletes a keychain entry.
func (k *KeychainProvider) Remove(ref string) error {
	if !k.available {
		return &errors.ConfigError{
			Key:    "keychain:" + ref,
			Reason: "system keychain unavailable or locked",
		}
	}
	if err := keyring.Delete(k.service, ref); err != nil {
		if stderrors.Is(err, keyring.ErrNotFound) {
			return notFound("keychain:" + ref)
		}
		return err
	}
	return nil
}
