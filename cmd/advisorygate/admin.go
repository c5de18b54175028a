package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/WoodrowLove/advisorygate/internal/adapter/postgres"
	"github.com/WoodrowLove/advisorygate/internal/config"
	"github.com/WoodrowLove/advisorygate/internal/port/database"
)

// runAdmin dispatches admin subcommands (create-caller, hash-key).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "create-caller":
		return runAdminCreateCaller(args[1:])
	case "hash-key":
		return runAdminHashKey(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: advisorygate admin <command> [options]

Commands:
  create-caller    Register a business service and issue its API key
  hash-key         Print the stored digest of an existing API key
  help             Show this help message

Examples:
  advisorygate admin create-caller --name payments
  advisorygate admin create-caller --name fraud --key-from-prompt
  advisorygate admin hash-key
`)
}

func loadAdminStore() (database.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	cleanup := func() {
		pool.Close()
	}
	return postgres.NewStore(pool), cleanup, nil
}

func runAdminCreateCaller(args []string) error {
	fs := flag.NewFlagSet("create-caller", flag.ContinueOnError)
	name := fs.String("name", "", "caller name used in rate limiting and audit (required)")
	fromPrompt := fs.Bool("key-from-prompt", false, "import an existing key instead of generating one")
	disabled := fs.Bool("disabled", false, "register the caller without enabling it")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *name == "" {
		return fmt.Errorf("--name is required")
	}

	var key string
	if *fromPrompt {
		var err error
		key, err = promptSecret("API key: ")
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		confirm, err := promptSecret("Confirm API key: ")
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		if key != confirm {
			return fmt.Errorf("keys do not match")
		}
		if key == "" {
			return fmt.Errorf("key must not be empty")
		}
	} else {
		var err error
		key, err = generateAPIKey()
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
	}

	store, cleanup, err := loadAdminStore()
	if err != nil {
		return err
	}
	defer cleanup()

	caller := &database.Caller{
		ID:         uuid.NewString(),
		Name:       *name,
		APIKeyHash: hashAPIKey(key),
		Enabled:    !*disabled,
	}
	if err := store.CreateCaller(context.Background(), caller); err != nil {
		return fmt.Errorf("create caller: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Caller created: %s (id=%s, enabled=%t)\n", caller.Name, caller.ID, caller.Enabled)
	if !*fromPrompt {
		// The key is only recoverable here; the database holds its digest.
		fmt.Fprintln(os.Stderr, "API key (store it now, it will not be shown again):")
		fmt.Println(key)
	}
	return nil
}

// runAdminHashKey prints the digest the gateway looks up for a key, for
// cross-checking a callers row without touching the database.
func runAdminHashKey(args []string) error {
	fs := flag.NewFlagSet("hash-key", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := promptSecret("API key: ")
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}

	fmt.Println(hashAPIKey(key))
	return nil
}

func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "ag_" + hex.EncodeToString(b), nil
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// promptSecret reads a value from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
