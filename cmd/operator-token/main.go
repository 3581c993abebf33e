// Command operator-token mints an access token for an operator.
//
//	operator-token -operator alice -role reviewer
//
// Reads JWT_SECRET, JWT_ISSUER, JWT_AUDIENCE and JWT_ACCESS_TTL from the
// environment (or .env).
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"membership-reconciler/internal/auth"
	"membership-reconciler/internal/config"
	"membership-reconciler/internal/rbac"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "operator-token:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("operator-token", flag.ContinueOnError)
	operator := fs.String("operator", "", "operator id recorded as the audit actor")
	role := fs.String("role", rbac.RoleReviewer, "viewer, reviewer or admin")
	ttl := fs.Duration("ttl", 0, "token lifetime (defaults to JWT_ACCESS_TTL or 8h)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if strings.TrimSpace(*operator) == "" {
		return errors.New("-operator is required")
	}
	if !rbac.Valid(*role) {
		return fmt.Errorf("unknown role %q", *role)
	}

	cfg := config.AuthConfig{
		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTIssuer:      strings.TrimSpace(os.Getenv("JWT_ISSUER")),
		JWTAudience:    strings.TrimSpace(os.Getenv("JWT_AUDIENCE")),
		AccessTokenTTL: *ttl,
	}
	if cfg.AccessTokenTTL <= 0 {
		if d, err := time.ParseDuration(strings.TrimSpace(os.Getenv("JWT_ACCESS_TTL"))); err == nil {
			cfg.AccessTokenTTL = d
		}
	}

	m, err := auth.NewManager(cfg)
	if err != nil {
		return err
	}
	tok, err := m.IssueAccess(time.Now(), strings.TrimSpace(*operator), *role)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
