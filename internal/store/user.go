package store

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/questionflow/internal/model"
)

const userColumns = `id, name, email, role, vendor_name, password_hash, is_deleted, deleted_at, created_at`

func scanUser(sc scanner) (model.User, error) {
	var u model.User
	err := sc.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.VendorName, &u.PasswordHash, &u.IsDeleted, &u.DeletedAt, &u.CreatedAt)
	return u, err
}

// CreateUser inserts a new user. Emails are stored lower-cased.
func (s *Store) CreateUser(ctx context.Context, u model.User) (int64, error) {
	email := strings.ToLower(strings.TrimSpace(u.Email))
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, email, role, vendor_name, password_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.Name, email, u.Role, u.VendorName, u.PasswordHash, time.Now(),
	)
	if err != nil {
		slog.Error("failed to create user", "email", email, "error", err)
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	slog.Info("created user", "id", id, "email", email, "role", u.Role)
	return id, nil
}

// GetUserByEmail returns the live (not soft-deleted) user with the given email, or nil.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE email = ? AND is_deleted = 0 AND deleted_at IS NULL`,
		strings.ToLower(strings.TrimSpace(email)),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByID returns a user by ID, including soft-deleted ones.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns live users, optionally restricted to one role.
func (s *Store) ListUsers(ctx context.Context, role model.Role, opts model.ListOptions) ([]model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE is_deleted = 0 AND deleted_at IS NULL`
	var args []any
	if role != "" {
		query += ` AND role = ?`
		args = append(args, role)
	}
	query += ` ORDER BY id`
	query, args = paginate(query, args, opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUserProfile changes a user's name and vendor. Role is never updated.
func (s *Store) UpdateUserProfile(ctx context.Context, id int64, name, vendorName string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET name = ?, vendor_name = ? WHERE id = ? AND is_deleted = 0`,
		name, vendorName, id,
	)
	return err
}

// SoftDeleteUser flags a user as deleted and drops their sessions.
func (s *Store) SoftDeleteUser(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_deleted = 1, deleted_at = ? WHERE id = ? AND is_deleted = 0`,
		time.Now(), id,
	)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE user_id = ?`, id); err != nil {
		return err
	}
	slog.Info("soft-deleted user", "id", id)
	return nil
}

// UserCount returns the number of live users.
func (s *Store) UserCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE is_deleted = 0`).Scan(&count)
	return count, err
}
