package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/xoauth2-proxy/consts"
	"github.com/migadu/xoauth2-proxy/helpers"
	"github.com/migadu/xoauth2-proxy/logger"
	"github.com/oklog/ulid/v2"
)

// Token is one credential record.
type Token struct {
	UID          string     `json:"uid"`
	Email        string     `json:"email"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	AppID        string     `json:"app_id,omitempty"`
	AccessToken  string     `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// Expired reports whether the access token is past its expiry at now.
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// NewToken describes a record to create. Password is the plaintext SMTP
// password the client will use; it is stored hashed.
type NewToken struct {
	Email       string
	Username    string
	Password    string
	AppID       string
	AccessToken string
	ExpiresAt   *time.Time
}

// TokenUpdate changes the fields that are set. ClearExpiry removes any
// expiry, making the token valid until replaced.
type TokenUpdate struct {
	Username    *string
	AppID       *string
	AccessToken *string
	ExpiresAt   *time.Time
	ClearExpiry bool
}

const tokenColumns = `uid, email, username, smtp_password, app_id, access_token, expires_at, created_at, updated_at, last_used_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*Token, error) {
	var t Token
	var expiresAt, lastUsedAt sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(&t.UID, &t.Email, &t.Username, &t.PasswordHash, &t.AppID, &t.AccessToken,
		&expiresAt, &createdAt, &updatedAt, &lastUsedAt); err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if expiresAt.Valid {
		ts := time.Unix(expiresAt.Int64, 0).UTC()
		t.ExpiresAt = &ts
	}
	if lastUsedAt.Valid {
		ts := time.Unix(lastUsedAt.Int64, 0).UTC()
		t.LastUsedAt = &ts
	}
	return &t, nil
}

func nullableUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func (n *NewToken) validate() error {
	if _, _, err := helpers.SplitEmailAddress(n.Email); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrInvalidArgument, err)
	}
	if strings.TrimSpace(n.AccessToken) == "" {
		return fmt.Errorf("%w: access token cannot be empty", consts.ErrInvalidArgument)
	}
	return nil
}

// CreateToken stores a new record. The username presented to the backend
// defaults to the email address.
func (d *Database) CreateToken(ctx context.Context, n NewToken) (*Token, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}
	hash, err := GenerateBcryptHash(n.Password)
	if err != nil {
		return nil, err
	}

	email := helpers.NormalizeEmail(n.Email)
	username := strings.TrimSpace(n.Username)
	if username == "" {
		username = email
	}
	now := time.Now().UTC().Truncate(time.Second)
	t := &Token{
		UID:          ulid.Make().String(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		AppID:        strings.TrimSpace(n.AppID),
		AccessToken:  strings.TrimSpace(n.AccessToken),
		ExpiresAt:    n.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = d.timedExec(ctx, "create_token",
		`INSERT INTO tokens (uid, email, username, smtp_password, app_id, access_token, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UID, t.Email, t.Username, t.PasswordHash, t.AppID, t.AccessToken, nullableUnix(t.ExpiresAt), now.Unix(), now.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: a token for %s already exists", consts.ErrDBUniqueViolation, email)
		}
		return nil, fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}
	if t.ExpiresAt != nil {
		ts := t.ExpiresAt.UTC().Truncate(time.Second)
		t.ExpiresAt = &ts
	}
	return t, nil
}

func (d *Database) getToken(ctx context.Context, operation, where string, arg any) (*Token, error) {
	var t *Token
	err := d.timedQueryRow(ctx, operation, func(row *sql.Row) error {
		var err error
		t, err = scanToken(row)
		return err
	}, `SELECT `+tokenColumns+` FROM tokens WHERE `+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consts.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (d *Database) GetToken(ctx context.Context, uid string) (*Token, error) {
	return d.getToken(ctx, "get_token", "uid = ?", uid)
}

func (d *Database) GetTokenByEmail(ctx context.Context, email string) (*Token, error) {
	return d.getToken(ctx, "get_token_by_email", "email = ?", helpers.NormalizeEmail(email))
}

// ListTokens returns all records ordered by email.
func (d *Database) ListTokens(ctx context.Context) ([]*Token, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	rows, err := d.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM tokens ORDER BY email`)
	observe("list_tokens", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// UpdateToken applies u to the record and returns the result.
func (d *Database) UpdateToken(ctx context.Context, uid string, u TokenUpdate) (*Token, error) {
	var sets []string
	var args []any
	if u.Username != nil {
		if strings.TrimSpace(*u.Username) == "" {
			return nil, fmt.Errorf("%w: username cannot be empty", consts.ErrInvalidArgument)
		}
		sets = append(sets, "username = ?")
		args = append(args, strings.TrimSpace(*u.Username))
	}
	if u.AppID != nil {
		sets = append(sets, "app_id = ?")
		args = append(args, strings.TrimSpace(*u.AppID))
	}
	if u.AccessToken != nil {
		if strings.TrimSpace(*u.AccessToken) == "" {
			return nil, fmt.Errorf("%w: access token cannot be empty", consts.ErrInvalidArgument)
		}
		sets = append(sets, "access_token = ?")
		args = append(args, strings.TrimSpace(*u.AccessToken))
	}
	switch {
	case u.ClearExpiry:
		sets = append(sets, "expires_at = NULL")
	case u.ExpiresAt != nil:
		sets = append(sets, "expires_at = ?")
		args = append(args, u.ExpiresAt.Unix())
	}
	if len(sets) == 0 {
		return d.GetToken(ctx, uid)
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().Unix(), uid)
	n, err := d.timedExec(ctx, "update_token", `UPDATE tokens SET `+strings.Join(sets, ", ")+` WHERE uid = ?`, args...)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, consts.ErrTokenNotFound
	}
	return d.GetToken(ctx, uid)
}

// SetPassword replaces the SMTP password of a record.
func (d *Database) SetPassword(ctx context.Context, uid, password string) error {
	hash, err := GenerateBcryptHash(password)
	if err != nil {
		return err
	}
	return d.setPasswordHash(ctx, uid, hash)
}

func (d *Database) setPasswordHash(ctx context.Context, uid, hash string) error {
	n, err := d.timedExec(ctx, "set_password",
		`UPDATE tokens SET smtp_password = ?, updated_at = ? WHERE uid = ?`, hash, time.Now().Unix(), uid)
	if err != nil {
		return err
	}
	if n == 0 {
		return consts.ErrTokenNotFound
	}
	return nil
}

func (d *Database) DeleteToken(ctx context.Context, uid string) error {
	n, err := d.timedExec(ctx, "delete_token", `DELETE FROM tokens WHERE uid = ?`, uid)
	if err != nil {
		return err
	}
	if n == 0 {
		return consts.ErrTokenNotFound
	}
	return nil
}

// Authenticate checks an SMTP login against the store. It returns
// consts.ErrTokenNotFound for an unknown address, consts.ErrInvalidPassword
// for a wrong password and consts.ErrTokenExpired when the access token can
// no longer be used.
func (d *Database) Authenticate(ctx context.Context, email, password string) (*Token, error) {
	t, err := d.GetTokenByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if err := VerifyPassword(t.PasswordHash, password); err != nil {
		if !errors.Is(err, consts.ErrInvalidPassword) {
			logger.Warn("Database: Unusable password hash", "uid", t.UID, "error", err)
		}
		return nil, consts.ErrInvalidPassword
	}
	if t.Expired(time.Now()) {
		return nil, consts.ErrTokenExpired
	}

	if needsRehash(t.PasswordHash) {
		if hash, err := GenerateBcryptHash(password); err == nil {
			if err := d.setPasswordHash(ctx, t.UID, hash); err != nil {
				logger.Warn("Database: Failed to rehash password", "uid", t.UID, "error", err)
			} else {
				t.PasswordHash = hash
			}
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	if _, err := d.timedExec(ctx, "touch_token", `UPDATE tokens SET last_used_at = ? WHERE uid = ?`, now.Unix(), t.UID); err != nil {
		logger.Debug("Database: Failed to record token use", "uid", t.UID, "error", err)
	} else {
		t.LastUsedAt = &now
	}
	return t, nil
}
