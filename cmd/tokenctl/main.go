// Command tokenctl manages API bearer tokens: issuing, revoking and listing
// them directly against the dispatch database. Plaintext tokens are chosen by
// the operator and handed to users out of band; only fingerprints are stored.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fairyhunter13/gpu-dispatch/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/gpu-dispatch/internal/config"
	"github.com/fairyhunter13/gpu-dispatch/internal/usecase"
)

const usage = `usage:
  tokenctl create <user_id> <token> [-days N] [-admin]
  tokenctl revoke <token>
  tokenctl list
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("schema setup failed: %v", err)
	}

	svc := usecase.NewTokenService(postgres.NewTokenRepo(pool))

	switch os.Args[1] {
	case "create":
		runCreate(ctx, svc, os.Args[2:])
	case "revoke":
		runRevoke(ctx, svc, os.Args[2:])
	case "list":
		runList(ctx, svc)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func runCreate(ctx context.Context, svc usecase.TokenService, args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	days := fs.Int("days", 30, "token lifetime in days (max 30)")
	admin := fs.Bool("admin", false, "grant admin scope")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: tokenctl create <user_id> <token> [-days N] [-admin]")
		fs.PrintDefaults()
	}

	// Positional args come first so "create alice tok -admin" parses.
	if len(args) < 2 {
		fs.Usage()
		os.Exit(2)
	}
	userID, plaintext := args[0], args[1]
	_ = fs.Parse(args[2:])

	t, err := svc.Issue(ctx, userID, plaintext, *days, *admin)
	if err != nil {
		log.Fatalf("create failed: %v", err)
	}
	fmt.Printf("token created for %s (admin=%v), expires %s\n",
		t.UserID, t.IsAdmin, t.ExpiresAt.Format(time.RFC3339))
}

func runRevoke(ctx context.Context, svc usecase.TokenService, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: tokenctl revoke <token>")
		os.Exit(2)
	}
	if err := svc.Revoke(ctx, args[0]); err != nil {
		log.Fatalf("revoke failed: %v", err)
	}
	fmt.Println("token revoked")
}

func runList(ctx context.Context, svc usecase.TokenService) {
	tokens, err := svc.List(ctx)
	if err != nil {
		log.Fatalf("list failed: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tADMIN\tACTIVE\tCREATED\tEXPIRES\tFINGERPRINT")
	now := time.Now().UTC()
	for _, t := range tokens {
		state := "revoked"
		if t.IsActive {
			state = "active"
			if now.After(t.ExpiresAt) {
				state = "expired"
			}
		}
		fmt.Fprintf(w, "%s\t%v\t%s\t%s\t%s\t%s\n",
			t.UserID, t.IsAdmin, state,
			t.CreatedAt.Format("2006-01-02"), t.ExpiresAt.Format("2006-01-02"),
			t.Fingerprint[:12])
	}
	_ = w.Flush()
}
