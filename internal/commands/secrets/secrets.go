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
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/archflow/archflow/internal/secrets"
	pkgerrors "github.com/archflow/archflow/pkg/errors"
)

var (
	secretBackend string
	secretUnmask  bool
	secretForce   bool
)

// store is the write surface shared by the keychain and file providers.
type store interface {
	Scheme() string
	Available() bool
	Resolve(ctx context.Context, ref string) (string, error)
	Store(ref, value string) error
	Remove(ref string) error
}

// NewCommand creates the secrets command for secret management.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage secrets used by flows and exporters",
		Long: `Manage secrets referenced from flow params and exporter credentials.

Secrets live in one of three backends:
  1. Environment variables (ARCHFLOW_SECRET_<NAME>, read-only)
  2. System keychain (macOS Keychain, Linux Secret Service, Windows Credential Manager)
  3. Encrypted file (AES-256-GCM, for headless servers; needs ARCHFLOW_MASTER_KEY)

Flows reference them as ${secret:keychain:<name>} or ${secret:file:<name>}.

Commands:
  set       Store a secret securely
  get       Retrieve a secret value
  list      List secrets in the encrypted file backend
  delete    Remove a secret

Examples:
  archflow secrets set anthropic_api_key
  archflow secrets get anthropic_api_key
  archflow secrets list
  archflow secrets delete anthropic_api_key`,
	}

	cmd.AddCommand(newSetCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newDeleteCommand())

	return cmd
}

func newSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret securely",
		Long: `Store a secret in a writable backend.

The secret value can be provided via:
  - Interactive prompt (hidden input, default)
  - Standard input: echo "value" | archflow secrets set <name>

Backend Selection:
  --backend <name>  Target a specific backend (keychain, file)
  Default: keychain when available, else the encrypted file

Examples:
  archflow secrets set anthropic_api_key
  archflow secrets set export_token --backend file
  echo "sk-..." | archflow secrets set anthropic_api_key`,
		Args: cobra.ExactArgs(1),
		RunE: runSet,
	}

	cmd.Flags().StringVar(&secretBackend, "backend", "", "Target backend (keychain, file)")

	return cmd
}

func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Retrieve a secret value",
		Long: `Retrieve a secret, checking the keychain, the encrypted file, and
the ARCHFLOW_SECRET_<NAME> environment variable in that order.

By default the value is masked. Use --unmask to show the full value.

Examples:
  archflow secrets get anthropic_api_key
  archflow secrets get anthropic_api_key --unmask`,
		Args: cobra.ExactArgs(1),
		RunE: runGet,
	}

	cmd.Flags().BoolVar(&secretUnmask, "unmask", false, "Show full value (not masked)")
	cmd.Flags().StringVar(&secretBackend, "backend", "", "Only check this backend (keychain, file)")

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secrets in the encrypted file backend",
		Long: `List the names stored in the encrypted file backend.

Keychain entries cannot be enumerated and environment secrets are
whatever the process sees, so only file-backed names are shown. Values
are never printed.

Examples:
  archflow secrets list`,
		Args: cobra.NoArgs,
		RunE: runList,
	}
}

func newDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a secret",
		Long: `Remove a secret from a writable backend.

Requires confirmation unless --force is used.

Examples:
  archflow secrets delete anthropic_api_key
  archflow secrets delete anthropic_api_key --backend file
  archflow secrets delete anthropic_api_key --force`,
		Args: cobra.ExactArgs(1),
		RunE: runDelete,
	}

	cmd.Flags().StringVar(&secretBackend, "backend", "", "Target backend (keychain, file)")
	cmd.Flags().BoolVar(&secretForce, "force", false, "Skip confirmation prompt")

	return cmd
}

func runSet(cmd *cobra.Command, args []string) error {
	name := args[0]

	if err := validateName(name); err != nil {
		return err
	}

	value, err := readSecretValue()
	if err != nil {
		return fmt.Errorf("failed to read secret value: %w", err)
	}
	if value == "" {
		return stderrors.New("secret value cannot be empty")
	}

	target, err := pickWritable(secretBackend)
	if err != nil {
		return err
	}

	if err := target.Store(name, value); err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}

	fmt.Printf("Secret stored in %s backend\n", target.Scheme())
	fmt.Printf("Reference it as ${secret:%s:%s}\n", target.Scheme(), name)
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	name := args[0]
	ctx := cmd.Context()

	value, err := lookupSecret(ctx, name, secretBackend)
	if err != nil {
		return err
	}

	if secretUnmask {
		fmt.Println(value)
	} else {
		fmt.Printf("%s (use --unmask to show full value)\n", maskSecret(value))
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	file := secrets.NewFileProvider("", "")
	if !file.Available() {
		return stderrors.New("encrypted file backend unavailable (set ARCHFLOW_MASTER_KEY or create master.key)")
	}

	keys, err := file.Keys()
	if err != nil {
		return fmt.Errorf("failed to list secrets: %w", err)
	}

	if len(keys) == 0 {
		fmt.Println("No secrets found")
		return nil
	}

	for _, key := range keys {
		fmt.Println(key)
	}
	fmt.Printf("\nTotal: %d secret(s)\n", len(keys))
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	name := args[0]

	if !secretForce {
		fmt.Printf("Are you sure you want to delete secret %q? [y/N]: ", name)
		var response string
		fmt.Scanln(&response)
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Println("Deletion canceled")
			return nil
		}
	}

	targets, err := writableBackends(secretBackend)
	if err != nil {
		return err
	}

	deleted := false
	for _, target := range targets {
		if !target.Available() {
			continue
		}
		err := target.Remove(name)
		if err == nil {
			fmt.Printf("Secret %q deleted from %s backend\n", name, target.Scheme())
			deleted = true
			continue
		}
		var nf *pkgerrors.NotFoundError
		if stderrors.As(err, &nf) {
			continue
		}
		return fmt.Errorf("failed to delete secret: %w", err)
	}

	if !deleted {
		return fmt.Errorf("secret not found: %q", name)
	}
	return nil
}

// pickWritable selects the backend for set. An explicit name must be
// writable and available; otherwise keychain wins over file.
func pickWritable(explicit string) (store, error) {
	targets, err := writableBackends(explicit)
	if err != nil {
		return nil, err
	}

	for _, target := range targets {
		if target.Available() {
			return target, nil
		}
	}

	return nil, stderrors.New("no writable secret backend available\n\nTry:\n  1. Unlock the system keychain\n  2. Set ARCHFLOW_MASTER_KEY to enable the encrypted file backend")
}

// writableBackends returns the candidate stores in preference order,
// narrowed to one when explicit names a backend.
func writableBackends(explicit string) ([]store, error) {
	keychain := secrets.NewKeychainProvider(secrets.DefaultKeychainService)
	file := secrets.NewFileProvider("", "")

	switch explicit {
	case "":
		return []store{keychain, file}, nil
	case "keychain":
		return []store{keychain}, nil
	case "file":
		return []store{file}, nil
	case "env":
		return nil, stderrors.New("environment backend is read-only; export ARCHFLOW_SECRET_<NAME> instead")
	default:
		return nil, fmt.Errorf("unknown backend %q (expected keychain or file)", explicit)
	}
}

// lookupSecret resolves a name across backends for get. Not-found moves
// to the next backend; any other failure aborts.
func lookupSecret(ctx context.Context, name, explicit string) (string, error) {
	if explicit != "" {
		targets, err := writableBackends(explicit)
		if err != nil {
			return "", err
		}
		value, err := targets[0].Resolve(ctx, name)
		if err != nil {
			var nf *pkgerrors.NotFoundError
			if stderrors.As(err, &nf) {
				return "", notFoundHint(name)
			}
			return "", err
		}
		return value, nil
	}

	for _, target := range []store{
		secrets.NewKeychainProvider(secrets.DefaultKeychainService),
		secrets.NewFileProvider("", ""),
	} {
		if !target.Available() {
			continue
		}
		value, err := target.Resolve(ctx, name)
		if err == nil {
			return value, nil
		}
		var nf *pkgerrors.NotFoundError
		if !stderrors.As(err, &nf) {
			return "", err
		}
	}

	env := secrets.NewEnvProvider()
	value, err := env.Resolve(ctx, envKey(name))
	if err == nil {
		return value, nil
	}

	return "", notFoundHint(name)
}

func notFoundHint(name string) error {
	return fmt.Errorf("secret not found: %q\n\nSet it with: archflow secrets set %s", name, name)
}

// readSecretValue reads a secret value from stdin or prompts the user.
func readSecretValue() (string, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}

	if (stat.Mode() & os.ModeCharDevice) == 0 {
		// Reading from pipe
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	// Interactive prompt with hidden input
	fmt.Print("Enter secret value (hidden): ")
	byteValue, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}

	return string(byteValue), nil
}

// maskSecret masks a secret value for display.
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "..." + value[len(value)-4:]
}

// validateName validates a secret name.
func validateName(name string) error {
	if name == "" {
		return stderrors.New("secret name cannot be empty")
	}
	if strings.ContainsAny(name, " \t") {
		return stderrors.New("secret name cannot contain whitespace")
	}
	if strings.ContainsAny(name, ":\\") {
		return stderrors.New("secret name cannot contain ':' or '\\'")
	}
	return nil
}

// envKey maps a secret name onto its environment variable form.
func envKey(name string) string {
	upper := strings.ToUpper(strings.ReplaceAll(name, "/", "_"))
	return "ARCHFLOW_SECRET_" + upper
}
