package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/marcus/pricetrack/internal/server"
	"github.com/marcus/pricetrack/internal/serverdb"
)

func runAdmin(args []string) {
	if len(args) == 0 {
		printAdminUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "create-key":
		runAdminCreateKey(args[1:])
	case "list-keys":
		runAdminListKeys(args[1:])
	case "revoke-key":
		runAdminRevokeKey(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command: %s\n", args[0])
		printAdminUsage()
		os.Exit(1)
	}
}

func printAdminUsage() {
	fmt.Fprintln(os.Stderr, `Usage: pt-server admin <command> [flags]

Commands:
  create-key  Create an API key for a user
  list-keys   List a user's API keys
  revoke-key  Revoke an API key`)
}

func openDB(dsn string) *serverdb.ServerDB {
	if dsn == "" {
		dsn = server.LoadConfig().DatabaseDSN
	}
	store, err := serverdb.Open(dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open database: %v\n", err)
		os.Exit(1)
	}
	return store
}

func runAdminCreateKey(args []string) {
	fs := flag.NewFlagSet("admin create-key", flag.ExitOnError)
	user := fs.String("user", "", "user id the key authenticates as")
	name := fs.String("name", "", "label for the key")
	ttl := fs.Duration("ttl", 0, "expire the key after this long (0 = never)")
	dsn := fs.String("db", "", "database path or postgres URL (default: from PTS_DATABASE or ./data/server.db)")
	fs.Parse(args)

	if *user == "" {
		fmt.Fprintln(os.Stderr, "error: --user is required")
		fs.Usage()
		os.Exit(1)
	}

	store := openDB(*dsn)
	defer store.Close()

	var expires *time.Time
	if *ttl > 0 {
		t := time.Now().Add(*ttl)
		expires = &t
	}
	key, ak, err := store.GenerateAPIKey(*user, *name, expires)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("created key %s for %s\n", ak.ID, ak.UserID)
	fmt.Println(key)
}

func runAdminListKeys(args []string) {
	fs := flag.NewFlagSet("admin list-keys", flag.ExitOnError)
	user := fs.String("user", "", "user id")
	dsn := fs.String("db", "", "database path or postgres URL")
	fs.Parse(args)

	if *user == "" {
		fmt.Fprintln(os.Stderr, "error: --user is required")
		os.Exit(1)
	}

	store := openDB(*dsn)
	defer store.Close()

	keys, err := store.ListAPIKeys(*user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	for _, k := range keys {
		used := "never"
		if k.LastUsedAt != nil {
			used = k.LastUsedAt.Format(time.RFC3339)
		}
		fmt.Printf("%s  %s…  %-16s last used %s\n", k.ID, k.KeyPrefix, k.Name, used)
	}
}

func runAdminRevokeKey(args []string) {
	fs := flag.NewFlagSet("admin revoke-key", flag.ExitOnError)
	user := fs.String("user", "", "owner of the key")
	id := fs.String("id", "", "key id (ak_...)")
	dsn := fs.String("db", "", "database path or postgres URL")
	fs.Parse(args)

	if *user == "" || *id == "" {
		fmt.Fprintln(os.Stderr, "error: --user and --id are required")
		os.Exit(1)
	}

	store := openDB(*dsn)
	defer store.Close()

	if err := store.RevokeAPIKey(*id, *user); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("revoked %s\n", *id)
}
