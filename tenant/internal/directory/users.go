package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials is returned by Authenticate for an unknown user or a
// wrong password.
var ErrBadCredentials = errors.New("directory: bad credentials")

// ErrDuplicateUser is returned by AddUser when the username is taken.
var ErrDuplicateUser = errors.New("directory: user already exists")

// User is an operator account allowed on the admin API.
type User struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// AddUser stores a bcrypt hash of password for username.
func (s *Store) AddUser(ctx context.Context, username, password, role string) error {
	if username == "" || password == "" {
		return fmt.Errorf("directory: username and password required")
	}
	if role == "" {
		role = "operator"
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("directory: hash password: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role, created_at) VALUES (?, ?, ?, ?)`,
		username, string(hash), role, s.now().UnixMilli())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateUser, username)
	}
	if err != nil {
		return fmt.Errorf("directory: add user: %w", err)
	}
	return nil
}

// Authenticate checks password against the stored hash.
func (s *Store) Authenticate(ctx context.Context, username, password string) (User, error) {
	var hash string
	var created int64
	u := User{Username: username}
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash, role, created_at FROM users WHERE username = ?`, username).
		Scan(&hash, &u.Role, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrBadCredentials
	}
	if err != nil {
		return User{}, fmt.Errorf("directory: lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return User{}, ErrBadCredentials
	}
	u.CreatedAt = time.UnixMilli(created)
	return u, nil
}

// CountUsers returns the number of operator accounts.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("directory: count users: %w", err)
	}
	return n, nil
}
