package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/mieru/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		avatar TEXT,
		is_default INTEGER NOT NULL DEFAULT 0,
		settings TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		last_accessed TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL,
		name TEXT,
		queries TEXT NOT NULL,
		result_ids TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (profile_id) REFERENCES profiles(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_profile_updated ON sessions(profile_id, updated_at);
	`
	_, err := db.Exec(schema)
	return err
}

// CreateProfile inserts a profile.
func (s *SQLiteStorage) CreateProfile(ctx context.Context, profile *models.Profile) error {
	settingsJSON, err := json.Marshal(profile.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	now := time.Now()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	if profile.LastAccessed.IsZero() {
		profile.LastAccessed = now
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, name, avatar, is_default, settings, created_at, last_accessed)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		profile.ID, profile.Name, profile.Avatar, profile.IsDefault, string(settingsJSON),
		profile.CreatedAt, profile.LastAccessed,
	)
	return err
}

// GetProfile returns a profile by ID.
func (s *SQLiteStorage) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, avatar, is_default, settings, created_at, last_accessed
		 FROM profiles WHERE id = ?`, id,
	)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: profile %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateProfile updates an existing profile, including its settings.
func (s *SQLiteStorage) UpdateProfile(ctx context.Context, profile *models.Profile) error {
	settingsJSON, err := json.Marshal(profile.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET name = ?, avatar = ?, is_default = ?, settings = ?
		 WHERE id = ?`,
		profile.Name, profile.Avatar, profile.IsDefault, string(settingsJSON), profile.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: profile %s", ErrNotFound, profile.ID)
	}
	return nil
}

// DeleteProfile removes a profile and, via cascade, its sessions.
func (s *SQLiteStorage) DeleteProfile(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: profile %s", ErrNotFound, id)
	}
	return nil
}

// ListProfiles returns all profiles, default first, then by creation time.
func (s *SQLiteStorage) ListProfiles(ctx context.Context) ([]*models.Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, avatar, is_default, settings, created_at, last_accessed
		 FROM profiles ORDER BY is_default DESC, created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// TouchProfile updates a profile's last accessed time to now.
func (s *SQLiteStorage) TouchProfile(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET last_accessed = ? WHERE id = ?`, time.Now(), id)
	return err
}

// EnsureDefaultProfile returns the default profile, creating one on first use.
func (s *SQLiteStorage) EnsureDefaultProfile(ctx context.Context) (*models.Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, avatar, is_default, settings, created_at, last_accessed
		 FROM profiles WHERE is_default = 1 LIMIT 1`,
	)
	p, err := scanProfile(row)
	if err == nil {
		return p, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	p = &models.Profile{
		ID:        uuid.New().String(),
		Name:      "Default",
		IsDefault: true,
		Settings:  models.DefaultProfileSettings(),
	}
	if err := s.CreateProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create default profile: %w", err)
	}
	return p, nil
}

// CreateSession inserts a session.
func (s *SQLiteStorage) CreateSession(ctx context.Context, session *models.Session) error {
	queriesJSON, resultsJSON, err := marshalSessionPayload(session)
	if err != nil {
		return err
	}

	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, profile_id, name, queries, result_ids, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.ProfileID, session.Name, queriesJSON, resultsJSON,
		session.CreatedAt, session.UpdatedAt,
	)
	return err
}

// GetSession returns a session by ID.
func (s *SQLiteStorage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, profile_id, name, queries, result_ids, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// UpdateSession updates an existing session's name, queries and results.
func (s *SQLiteStorage) UpdateSession(ctx context.Context, session *models.Session) error {
	queriesJSON, resultsJSON, err := marshalSessionPayload(session)
	if err != nil {
		return err
	}

	session.UpdatedAt = time.Now()

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET name = ?, queries = ?, result_ids = ?, updated_at = ?
		 WHERE id = ?`,
		session.Name, queriesJSON, resultsJSON, session.UpdatedAt, session.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, session.ID)
	}
	return nil
}

// DeleteSession removes a session by ID.
func (s *SQLiteStorage) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return nil
}

// ListSessions returns a profile's sessions newest first. A non-empty filter
// matches against the session name and the recorded query payload.
func (s *SQLiteStorage) ListSessions(ctx context.Context, profileID, filter string, offset, limit int) ([]*models.Session, error) {
	query := `SELECT id, profile_id, name, queries, result_ids, created_at, updated_at
		 FROM sessions WHERE profile_id = ?`
	args := []interface{}{profileID}
	if filter != "" {
		query += ` AND (name LIKE ? OR queries LIKE ?)`
		pattern := "%" + filter + "%"
		args = append(args, pattern, pattern)
	}
	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// LatestSession returns the profile's most recently updated session.
func (s *SQLiteStorage) LatestSession(ctx context.Context, profileID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, profile_id, name, queries, result_ids, created_at, updated_at
		 FROM sessions WHERE profile_id = ? ORDER BY updated_at DESC LIMIT 1`,
		profileID,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no sessions for profile %s", ErrNotFound, profileID)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// CountProfiles returns the total number of profiles.
func (s *SQLiteStorage) CountProfiles(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&count)
	return count, err
}

// CountSessions returns the number of sessions for a profile.
func (s *SQLiteStorage) CountSessions(ctx context.Context, profileID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE profile_id = ?`, profileID).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row rowScanner) (*models.Profile, error) {
	var p models.Profile
	var avatar sql.NullString
	var settingsJSON string
	err := row.Scan(&p.ID, &p.Name, &avatar, &p.IsDefault, &settingsJSON, &p.CreatedAt, &p.LastAccessed)
	if err != nil {
		return nil, err
	}
	p.Avatar = avatar.String
	if err := json.Unmarshal([]byte(settingsJSON), &p.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &p, nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var name sql.NullString
	var queriesJSON, resultsJSON string
	err := row.Scan(&sess.ID, &sess.ProfileID, &name, &queriesJSON, &resultsJSON, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Name = name.String
	if err := json.Unmarshal([]byte(queriesJSON), &sess.Queries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queries: %w", err)
	}
	if err := json.Unmarshal([]byte(resultsJSON), &sess.ResultIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result ids: %w", err)
	}
	return &sess, nil
}

func marshalSessionPayload(session *models.Session) (queries, results string, err error) {
	if session.Queries == nil {
		session.Queries = []*models.SearchQuery{}
	}
	if session.ResultIDs == nil {
		session.ResultIDs = []string{}
	}
	q, err := json.Marshal(session.Queries)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal queries: %w", err)
	}
	r, err := json.Marshal(session.ResultIDs)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal result ids: %w", err)
	}
	return string(q), string(r), nil
}
