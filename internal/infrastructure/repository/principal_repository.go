// Package repository implements PostgreSQL-backed lookups for the
// gateway's principals.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexa-labs/assistant-gateway/internal/service/authn"
)

// userRepository implements authn.UserRepository using PostgreSQL.
type userRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) authn.UserRepository {
	return &userRepository{pool: pool}
}

// FindByIdentifier looks a user up by email or username. A missing user is
// (nil, nil); the caller folds that into its credentials error.
func (r *userRepository) FindByIdentifier(ctx context.Context, identifier string) (*authn.User, error) {
	query := `
		SELECT id, email, password_hash, active, mfa_enabled
		FROM users
		WHERE email = $1 OR username = $1
	`

	var u authn.User
	err := r.pool.QueryRow(ctx, query, identifier).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Active, &u.MFAEnabled,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

func (r *userRepository) FindByID(ctx context.Context, id string) (*authn.User, error) {
	query := `
		SELECT id, email, password_hash, active, mfa_enabled
		FROM users
		WHERE id = $1
	`

	var u authn.User
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Active, &u.MFAEnabled,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// adminRepository implements authn.AdminRepository using PostgreSQL.
type adminRepository struct {
	pool *pgxpool.Pool
}

func NewAdminRepository(pool *pgxpool.Pool) authn.AdminRepository {
	return &adminRepository{pool: pool}
}

func (r *adminRepository) FindByUsername(ctx context.Context, username string) (*authn.Admin, error) {
	query := `
		SELECT id, username, password_hash, role, active
		FROM admins
		WHERE username = $1
	`
	return r.queryOne(ctx, query, username)
}

func (r *adminRepository) FindByID(ctx context.Context, id string) (*authn.Admin, error) {
	query := `
		SELECT id, username, password_hash, role, active
		FROM admins
		WHERE id = $1
	`
	return r.queryOne(ctx, query, id)
}

func (r *adminRepository) queryOne(ctx context.Context, query string, arg interface{}) (*authn.Admin, error) {
	var a authn.Admin
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&a.ID, &a.Username, &a.PasswordHash, &a.Role, &a.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query admin: %w", err)
	}
	return &a, nil
}
