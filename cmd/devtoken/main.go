// Command devtoken issues a signed session token for local development and
// optionally grants the user fixed rooms.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/npezzotti/gochat-hub/internal/api"
	"github.com/npezzotti/gochat-hub/internal/database"
)

func main() {
	var (
		signingKey  = flag.String("signing-key", os.Getenv("GOCHAT_AUTH_SIGNING_KEY"), "base64 encoded signing key")
		user        = flag.String("user", "", "user id to issue the token for")
		exp         = flag.Duration("exp", 24*time.Hour, "token lifetime")
		dsn         = flag.String("dsn", "", "database connection string, required to grant rooms")
		rooms       = flag.String("rooms", "", "comma-separated fixed rooms to grant")
		defaultRoom = flag.String("default-room", "", "default room to record for the user")
	)
	flag.Parse()

	if err := run(*signingKey, *user, *exp, *dsn, *rooms, *defaultRoom); err != nil {
		fmt.Fprintln(os.Stderr, "devtoken:", err)
		os.Exit(1)
	}
}

func run(signingKey, user string, exp time.Duration, dsn, rooms, defaultRoom string) error {
	key, err := base64.StdEncoding.DecodeString(signingKey)
	if err != nil {
		return fmt.Errorf("decode signing key: %w", err)
	}
	if len(key) == 0 {
		return fmt.Errorf("signing key is required")
	}

	if rooms != "" || defaultRoom != "" {
		if dsn == "" {
			return fmt.Errorf("-dsn is required to grant rooms")
		}

		repo, err := database.NewPgChatRepository(dsn)
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		defer repo.Close()

		var granted []string
		for _, r := range strings.Split(rooms, ",") {
			if r = strings.TrimSpace(r); r != "" {
				granted = append(granted, r)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := repo.GrantRooms(ctx, user, granted, defaultRoom); err != nil {
			return fmt.Errorf("grant rooms: %w", err)
		}
	}

	token, err := api.IssueToken(key, user, exp)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
