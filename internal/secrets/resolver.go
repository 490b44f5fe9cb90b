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

// Package secrets resolves secret references of the form scheme:value.
// Supported schemes: env (environment variables), keychain (system
// keychain via go-keyring), file (encrypted secrets file). Values
// without a known scheme pass through unchanged, so plaintext
// configuration keeps working.
package secrets

import (
	"context"
	"fmt"
	"strings"

	"github.com/archflow/archflow/pkg/errors"
)

// Provider resolves references for one scheme.
type Provider interface {
	// Scheme is the reference prefix this provider owns, without the
	// colon.
	Scheme() string

	// Resolve returns the secret value for the reference remainder.
	Resolve(ctx context.Context, ref string) (string, error)
}

// Resolver dispatches secret references to scheme providers.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver builds a resolver over the given providers. Later
// providers win on scheme collision.
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Scheme()] = p
	}
	return r
}

// DefaultResolver returns a resolver with the env, keychain, and file
// providers registered under their standard configuration.
func DefaultResolver() *Resolver {
	return NewResolver(
		NewEnvProvider(),
		NewKeychainProvider(DefaultKeychainService),
		NewFileProvider("", ""),
	)
}

// Resolve maps a configuration value to its secret. Values of the form
// scheme:ref with a registered scheme are resolved; everything else is
// returned verbatim.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	scheme, ref, ok := splitReference(value)
	if !ok {
		return value, nil
	}

	p, found := r.providers[scheme]
	if !found {
		// Unregistered scheme, treat the whole value as plaintext.
		return value, nil
	}

	resolved, err := p.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolving %s reference: %w", scheme, err)
	}
	return resolved, nil
}

// Expand replaces every ${secret:reference} placeholder in s with its
// resolved value. The inner reference uses the same scheme:ref form as
// Resolve. Strings without placeholders are returned unchanged.
func (r *Resolver) Expand(ctx context.Context, s string) (string, error) {
	const prefix, suffix = "${secret:", "}"

	if !strings.Contains(s, prefix) {
		return s, nil
	}

	var out strings.Builder
	rest := s
	for {
		start := strings.Index(rest, prefix)
		if start < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		end := strings.Index(rest[start:], suffix)
		if end < 0 {
			// Unterminated placeholder stays literal.
			out.WriteString(rest)
			return out.String(), nil
		}

		out.WriteString(rest[:start])
		ref := rest[start+len(prefix) : start+end]

		resolved, err := r.Resolve(ctx, ref)
		if err != nil {
			return "", err
		}
		out.WriteString(resolved)

		rest = rest[start+end+len(suffix):]
	}
}

// splitReference separates scheme:ref. Values with no colon, an empty
// scheme, or non-letter scheme characters (Windows drive paths, refs
// with digits) are not references. Unknown lowercase schemes such as
// https fall through at the provider lookup instead.
func splitReference(value string) (scheme, ref string, ok bool) {
	i := strings.Index(value, ":")
	if i <= 0 {
		return "", "", false
	}
	scheme = value[:i]
	for _, c := range scheme {
		if c < 'a' || c > 'z' {
			return "", "", false
		}
	}
	return scheme, value[i+1:], true
}

func notFound(ref string) error {
	return &errors.NotFoundError{Resource: "secret", ID: ref}
}
