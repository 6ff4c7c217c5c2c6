// Package store persists farmers, conversation threads and messages in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kjstillabower/krishi-advisor-service/internal/models"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrEmailTaken     = errors.New("email already registered")
	ErrInvalidUrgency = errors.New("urgency level must be between 1 and 5")
	ErrInvalidRole    = errors.New("invalid message role")
)

// Store is the SQLite-backed repository. Safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	s, err := NewWithDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection and applies the schema.
func NewWithDB(db *sql.DB) (*Store, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// --- users ---

// CreateUser inserts u, assigning an ID and timestamps. Emails are stored lower-cased.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = normalizeEmail(u.Email)
	now := s.now()
	u.CreatedAt, u.UpdatedAt = now, now
	if u.CropTypes == nil {
		u.CropTypes = []string{}
	}
	crops, err := json.Marshal(u.CropTypes)
	if err != nil {
		return fmt.Errorf("encode crop types: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO users
		(id, email, password_hash, display_name, location, farm_size, crop_types, experience, language, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Email, u.PasswordHash, u.DisplayName, u.Location, u.FarmSize, string(crops),
		u.Experience, u.Language, toMillis(now), toMillis(now))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, email, password_hash, display_name, location, farm_size, crop_types, experience, language, created_at, updated_at`

// FindUserByID returns ErrNotFound when no user has id.
func (s *Store) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// FindUserByEmail matches case-insensitively.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, normalizeEmail(email))
	return scanUser(row)
}

func scanUser(row *sql.Row) (*models.User, error) {
	var (
		u                    models.User
		crops                string
		createdAt, updatedAt int64
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.Location, &u.FarmSize,
		&crops, &u.Experience, &u.Language, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if err := json.Unmarshal([]byte(crops), &u.CropTypes); err != nil {
		return nil, fmt.Errorf("decode crop types: %w", err)
	}
	u.CreatedAt, u.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
	return &u, nil
}

// ProfileUpdate changes only the non-nil fields.
type ProfileUpdate struct {
	DisplayName *string   `json:"displayName,omitempty"`
	Location    *string   `json:"location,omitempty"`
	FarmSize    *string   `json:"farmSize,omitempty"`
	CropTypes   *[]string `json:"cropTypes,omitempty"`
	Experience  *string   `json:"experienceLevel,omitempty"`
	Language    *string   `json:"preferredLanguage,omitempty"`
}

// UpdateProfile applies p to the user and returns the updated record.
func (s *Store) UpdateProfile(ctx context.Context, id string, p ProfileUpdate) (*models.User, error) {
	u, err := s.FindUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.DisplayName != nil {
		u.DisplayName = strings.TrimSpace(*p.DisplayName)
	}
	if p.Location != nil {
		u.Location = strings.TrimSpace(*p.Location)
	}
	if p.FarmSize != nil {
		u.FarmSize = strings.TrimSpace(*p.FarmSize)
	}
	if p.CropTypes != nil {
		u.CropTypes = *p.CropTypes
		if u.CropTypes == nil {
			u.CropTypes = []string{}
		}
	}
	if p.Experience != nil {
		u.Experience = *p.Experience
	}
	if p.Language != nil {
		u.Language = *p.Language
	}
	crops, err := json.Marshal(u.CropTypes)
	if err != nil {
		return nil, fmt.Errorf("encode crop types: %w", err)
	}
	u.UpdatedAt = s.now()

	_, err = s.db.ExecContext(ctx, `UPDATE users SET display_name = ?, location = ?, farm_size = ?,
		crop_types = ?, experience = ?, language = ?, updated_at = ? WHERE id = ?`,
		u.DisplayName, u.Location, u.FarmSize, string(crops), u.Experience, u.Language, toMillis(u.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return u, nil
}

// --- threads ---

// CreateThread inserts t, assigning an ID and timestamps. Category defaults to
// general and urgency to 1.
func (s *Store) CreateThread(ctx context.Context, t *models.Thread) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Category == "" {
		t.Category = models.CategoryGeneral
	}
	if t.UrgencyLevel == 0 {
		t.UrgencyLevel = 1
	}
	if t.UrgencyLevel < 1 || t.UrgencyLevel > 5 {
		return ErrInvalidUrgency
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `INSERT INTO threads
		(id, user_id, title, description, category, crop_type, season, urgency_level, archived, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.UserID, t.Title, t.Description, t.Category, t.CropType, t.Season, t.UrgencyLevel,
		t.Archived, toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

const threadColumns = `id, user_id, title, description, category, crop_type, season, urgency_level, archived, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(r scanner) (*models.Thread, error) {
	var (
		t                    models.Thread
		createdAt, updatedAt int64
	)
	err := r.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Category, &t.CropType, &t.Season,
		&t.UrgencyLevel, &t.Archived, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	t.CreatedAt, t.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
	return &t, nil
}

// FindThreadByID returns ErrNotFound when no thread has id.
func (s *Store) FindThreadByID(ctx context.Context, id string) (*models.Thread, error) {
	return scanThread(s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id))
}

// ListThreads returns the user's threads, most recently active first.
func (s *Store) ListThreads(ctx context.Context, userID string, includeArchived bool) ([]models.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads WHERE user_id = ?`
	if !includeArchived {
		query += ` AND archived = 0`
	}
	query += ` ORDER BY updated_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := []models.Thread{}
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *t)
	}
	return threads, rows.Err()
}

// UpdateThreadTitle sets the thread title.
func (s *Store) UpdateThreadTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE threads SET title = ?, updated_at = ? WHERE id = ?`,
		title, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("update thread title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- messages ---

// AddMessage appends m to its thread and bumps the thread's activity time.
func (s *Store) AddMessage(ctx context.Context, m *models.Message) error {
	switch m.Role {
	case models.RoleUser, models.RoleAssistant, models.RoleSystem:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, toMillis(m.CreatedAt), m.ThreadID)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO messages (id, thread_id, role, content, hidden, created_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.ThreadID, m.Role, m.Content, m.Hidden, toMillis(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// ListMessages returns the visible messages of a thread, oldest first.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]models.Message, error) {
	return s.queryMessages(ctx, `SELECT id, thread_id, role, content, hidden, created_at FROM messages
		WHERE thread_id = ? AND hidden = 0 ORDER BY seq ASC`, threadID)
}

// FindRecentMessages returns up to limit visible user and assistant messages, newest first.
func (s *Store) FindRecentMessages(ctx context.Context, threadID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return []models.Message{}, nil
	}
	return s.queryMessages(ctx, `SELECT id, thread_id, role, content, hidden, created_at FROM messages
		WHERE thread_id = ? AND hidden = 0 AND role IN ('user', 'assistant')
		ORDER BY seq DESC LIMIT ?`, threadID, limit)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var (
			m         models.Message
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.Hidden, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = fromMillis(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
