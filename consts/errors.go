package consts

import "errors"

var (
	ErrTokenNotFound    = errors.New("token not found")
	ErrTokenExpired     = errors.New("access token expired")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrStoreUnavailable = errors.New("token store unavailable")

	ErrDBUniqueViolation = errors.New("unique violation")
	ErrDBInsertFailed    = errors.New("insert failed")
	ErrDBMigrationFailed = errors.New("migration failed")
)
