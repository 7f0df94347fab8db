package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/migadu/xoauth2-proxy/consts"
	"github.com/migadu/xoauth2-proxy/db"
	"github.com/migadu/xoauth2-proxy/helpers"
)

const timeLayout = "2006-01-02 15:04:05 UTC"

func runTokens(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		printTokensUsage(out)
		return fmt.Errorf("missing tokens subcommand")
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("tokens "+sub, flag.ContinueOnError)
	fs.SetOutput(out)
	configPath, dbPath := addConfigFlags(fs)
	email := fs.String("email", "", "Email address the token belongs to")

	var (
		password, token, username, appID, expires *string
		jsonOutput                                *bool
	)
	switch sub {
	case "add":
		password = fs.String("password", "", "SMTP password clients authenticate with (required)")
		token = fs.String("token", "", "OAuth2 access token presented to the backend (required)")
		username = fs.String("username", "", "Backend user name (defaults to the email address)")
		appID = fs.String("app-id", "", "OAuth2 client the token was issued to")
		expires = fs.String("expires", "", "Token expiry: RFC 3339 time or duration from now such as 1h")
	case "list":
		jsonOutput = fs.Bool("json", false, "Output in JSON format")
	case "show":
		jsonOutput = fs.Bool("json", false, "Output in JSON format")
	case "delete":
	case "password":
		password = fs.String("password", "", "New SMTP password (required)")
	case "token":
		token = fs.String("token", "", "New OAuth2 access token (required)")
		expires = fs.String("expires", "", "Token expiry: RFC 3339 time, duration from now, or 'never'")
	case "help", "--help", "-h":
		printTokensUsage(out)
		return nil
	default:
		printTokensUsage(out)
		return fmt.Errorf("unknown tokens subcommand: %s", sub)
	}
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if sub != "list" && *email == "" {
		return fmt.Errorf("--email is required")
	}

	cfg, err := loadConfig(fs, *configPath, *dbPath)
	if err != nil {
		return err
	}
	store, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	switch sub {
	case "add":
		return addToken(ctx, store, out, *email, *password, *token, *username, *appID, *expires)
	case "list":
		return listTokens(ctx, store, out, *jsonOutput)
	case "show":
		return showToken(ctx, store, out, *email, *jsonOutput)
	case "delete":
		return deleteToken(ctx, store, out, *email)
	case "password":
		return setPassword(ctx, store, out, *email, *password)
	default:
		return replaceToken(ctx, store, out, *email, *token, *expires)
	}
}

func printTokensUsage(out io.Writer) {
	fmt.Fprint(out, `Token Management

Usage:
  xoauth2-proxy-admin tokens <subcommand> [options]

Subcommands:
  add        Create a token record (--email, --password, --token)
  list       List all token records
  show       Show one token record (--email)
  delete     Delete a token record (--email)
  password   Change the SMTP password (--email, --password)
  token      Replace the OAuth2 access token (--email, --token)

Common Options:
  --config string   Path to TOML configuration file (default: config.toml)
  --db string       Path to the SQLite token store (overrides config)

Examples:
  xoauth2-proxy-admin tokens add --email user@example.com --password secret --token ya29.a0... --expires 1h
  xoauth2-proxy-admin tokens token --email user@example.com --token ya29.b1... --expires never
  xoauth2-proxy-admin tokens show --email user@example.com --json
`)
}

// parseExpiry accepts an absolute RFC 3339 time or a duration from now.
// An empty value leaves the expiry unset.
func parseExpiry(value string, now time.Time) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	d, err := helpers.ParseDuration(value)
	if err != nil {
		return nil, fmt.Errorf("invalid expiry %q: use an RFC 3339 time or a duration", value)
	}
	t := now.Add(d)
	return &t, nil
}

func lookup(ctx context.Context, store *db.Database, email string) (*db.Token, error) {
	t, err := store.GetTokenByEmail(ctx, email)
	if errors.Is(err, consts.ErrTokenNotFound) {
		return nil, fmt.Errorf("no token for %s", email)
	}
	return t, err
}

func addToken(ctx context.Context, store *db.Database, out io.Writer, email, password, token, username, appID, expires string) error {
	if password == "" {
		return fmt.Errorf("--password is required")
	}
	if token == "" {
		return fmt.Errorf("--token is required")
	}
	expiresAt, err := parseExpiry(expires, time.Now())
	if err != nil {
		return err
	}

	t, err := store.CreateToken(ctx, db.NewToken{
		Email:       email,
		Username:    username,
		Password:    password,
		AppID:       appID,
		AccessToken: token,
		ExpiresAt:   expiresAt,
	})
	if errors.Is(err, consts.ErrDBUniqueViolation) {
		return fmt.Errorf("a token for %s already exists", email)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Token created for %s (uid %s)\n", t.Email, t.UID)
	return nil
}

func listTokens(ctx context.Context, store *db.Database, out io.Writer, jsonOutput bool) error {
	tokens, err := store.ListTokens(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(out, tokens)
	}

	now := time.Now()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tUSERNAME\tEXPIRES\tLAST USED")
	for _, t := range tokens {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Email, t.Username, expiryString(t, now), optionalTime(t.LastUsedAt))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTotal tokens: %d\n", len(tokens))
	return nil
}

func showToken(ctx context.Context, store *db.Database, out io.Writer, email string, jsonOutput bool) error {
	t, err := lookup(ctx, store, email)
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(out, t)
	}

	fmt.Fprintf(out, "Token Details:\n")
	fmt.Fprintf(out, "  UID:       %s\n", t.UID)
	fmt.Fprintf(out, "  Email:     %s\n", t.Email)
	fmt.Fprintf(out, "  Username:  %s\n", t.Username)
	if t.AppID != "" {
		fmt.Fprintf(out, "  App ID:    %s\n", t.AppID)
	}
	fmt.Fprintf(out, "  Expires:   %s\n", expiryString(t, time.Now()))
	fmt.Fprintf(out, "  Created:   %s\n", t.CreatedAt.UTC().Format(timeLayout))
	fmt.Fprintf(out, "  Updated:   %s\n", t.UpdatedAt.UTC().Format(timeLayout))
	fmt.Fprintf(out, "  Last used: %s\n", optionalTime(t.LastUsedAt))
	return nil
}

func deleteToken(ctx context.Context, store *db.Database, out io.Writer, email string) error {
	t, err := lookup(ctx, store, email)
	if err != nil {
		return err
	}
	if err := store.DeleteToken(ctx, t.UID); err != nil {
		return err
	}
	fmt.Fprintf(out, "Token for %s deleted\n", t.Email)
	return nil
}

func setPassword(ctx context.Context, store *db.Database, out io.Writer, email, password string) error {
	if password == "" {
		return fmt.Errorf("--password is required")
	}
	t, err := lookup(ctx, store, email)
	if err != nil {
		return err
	}
	if err := store.SetPassword(ctx, t.UID, password); err != nil {
		return err
	}
	fmt.Fprintf(out, "Password for %s updated\n", t.Email)
	return nil
}

func replaceToken(ctx context.Context, store *db.Database, out io.Writer, email, token, expires string) error {
	if token == "" {
		return fmt.Errorf("--token is required")
	}
	t, err := lookup(ctx, store, email)
	if err != nil {
		return err
	}

	update := db.TokenUpdate{AccessToken: &token}
	if expires == "never" {
		update.ClearExpiry = true
	} else {
		update.ExpiresAt, err = parseExpiry(expires, time.Now())
		if err != nil {
			return err
		}
	}
	if _, err := store.UpdateToken(ctx, t.UID, update); err != nil {
		return err
	}
	fmt.Fprintf(out, "Access token for %s replaced\n", t.Email)
	return nil
}

func expiryString(t *db.Token, now time.Time) string {
	if t.ExpiresAt == nil {
		return "never"
	}
	s := t.ExpiresAt.UTC().Format(timeLayout)
	if t.Expired(now) {
		s += " (expired)"
	}
	return s
}

func optionalTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(timeLayout)
}

func writeJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling JSON: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
