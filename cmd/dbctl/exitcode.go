package main

import (
	"errors"

	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/usecase"
)

// 終了コード。エラーの分類ごとに固定する。
const (
	exitOK         = 0
	exitFailure    = 1
	exitConfig     = 2
	exitDependency = 3
	exitChecksum   = 4
	exitValidation = 5
	exitNotFound   = 6
	exitSeed       = 7
	exitIntegrity  = 8
)

// configError は設定の読み込みに失敗したことを表す。
type configError struct {
	err error
}

func (e *configError) Error() string { return "configuration: " + e.err.Error() }

func (e *configError) Unwrap() error { return e.err }

// exitCode はエラーの分類から終了コードを決める。
func exitCode(err error) int {
	var cfgErr *configError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.Is(err, domain.ErrCyclicDependency),
		errors.Is(err, domain.ErrUnsatisfiedDependency),
		errors.Is(err, domain.ErrDuplicateMigration):
		return exitDependency
	case errors.Is(err, domain.ErrChecksumMismatch):
		return exitChecksum
	case errors.Is(err, domain.ErrValidationFailed):
		return exitValidation
	case errors.Is(err, domain.ErrMigrationNotFound),
		errors.Is(err, domain.ErrSnapshotNotFound),
		errors.Is(err, domain.ErrInstanceNotFound):
		return exitNotFound
	case errors.Is(err, domain.ErrSeedExecution):
		return exitSeed
	case errors.Is(err, usecase.ErrIntegrityFailed),
		errors.Is(err, domain.ErrIntegrityRuleExecution),
		errors.Is(err, domain.ErrInvalidRule):
		return exitIntegrity
	default:
		return exitFailure
	}
}
