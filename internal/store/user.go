package store

import (
	"database/sql"
	"time"
)

// UpsertUser inserts or updates a cached user profile.
func (db *DB) UpsertUser(u *User) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO users (id, email, display_name, photo_url, push_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			display_name = excluded.display_name,
			photo_url = excluded.photo_url,
			push_token = excluded.push_token,
			updated_at = excluded.updated_at`,
		u.ID, u.Email, u.DisplayName, u.PhotoURL, u.PushToken, u.CreatedAt, now)
	return err
}

// GetUser returns a cached user, or nil if absent.
func (db *DB) GetUser(id string) (*User, error) {
	var u User
	err := db.QueryRow(`
		SELECT id, email, display_name, photo_url, push_token, created_at, updated_at
		FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.DisplayName, &u.PhotoURL, &u.PushToken, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns all cached users ordered by display name.
func (db *DB) ListUsers() ([]User, error) {
	rows, err := db.Query(`
		SELECT id, email, display_name, photo_url, push_token, created_at, updated_at
		FROM users ORDER BY display_name COLLATE NOCASE ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PhotoURL, &u.PushToken, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SaveProfile marks a user row as the signed-in local user. Any previous
// profile mark is cleared first. An existing row keeps its cached fields;
// only a missing row is created from u.
func (db *DB) SaveProfile(u *User) error {
	now := time.Now().UnixMilli()
	if _, err := db.Exec(`
		INSERT INTO users (id, email, display_name, photo_url, push_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		u.ID, u.Email, u.DisplayName, u.PhotoURL, u.PushToken, u.CreatedAt, now); err != nil {
		return err
	}
	if _, err := db.Exec(`UPDATE users SET is_me = 0 WHERE is_me = 1`); err != nil {
		return err
	}
	_, err := db.Exec(`UPDATE users SET is_me = 1 WHERE id = ?`, u.ID)
	return err
}

// Profile returns the signed-in local user, or nil if none is saved.
func (db *DB) Profile() (*User, error) {
	var u User
	err := db.QueryRow(`
		SELECT id, email, display_name, photo_url, push_token, created_at, updated_at
		FROM users WHERE is_me = 1`).
		Scan(&u.ID, &u.Email, &u.DisplayName, &u.PhotoURL, &u.PushToken, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
