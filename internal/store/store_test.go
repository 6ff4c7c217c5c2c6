package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/krishi-advisor-service/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "krishi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createUser(t *testing.T, s *Store, email string) *models.User {
	t.Helper()
	u := &models.User{Email: email, PasswordHash: "hash", DisplayName: "Ravi", Location: "Kochi", CropTypes: []string{"banana", "rice"}}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func createThread(t *testing.T, s *Store, userID string) *models.Thread {
	t.Helper()
	th := &models.Thread{UserID: userID, Title: "Leaf spots", Category: models.CategoryPestManagement, CropType: "banana", UrgencyLevel: 3}
	require.NoError(t, s.CreateThread(context.Background(), th))
	return th
}

func TestStore_Users(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u := createUser(t, s, "  Ravi@Example.com ")
	require.NotEmpty(t, u.ID)
	assert.Equal(t, "ravi@example.com", u.Email)

	byID, err := s.FindUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Kochi", byID.Location)
	assert.Equal(t, []string{"banana", "rice"}, byID.CropTypes)
	assert.Equal(t, "hash", byID.PasswordHash)

	byEmail, err := s.FindUserByEmail(ctx, "RAVI@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)

	_, err = s.FindUserByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.CreateUser(ctx, &models.User{Email: "ravi@example.com", PasswordHash: "x"})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestStore_UpdateProfile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u := createUser(t, s, "a@example.com")

	loc := " Thrissur "
	crops := []string{"coconut"}
	updated, err := s.UpdateProfile(ctx, u.ID, ProfileUpdate{Location: &loc, CropTypes: &crops})
	require.NoError(t, err)
	assert.Equal(t, "Thrissur", updated.Location)
	assert.Equal(t, "Ravi", updated.DisplayName, "untouched fields keep their value")

	got, err := s.FindUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Thrissur", got.Location)
	assert.Equal(t, []string{"coconut"}, got.CropTypes)

	_, err = s.UpdateProfile(ctx, "missing", ProfileUpdate{Location: &loc})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Threads(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u := createUser(t, s, "a@example.com")

	th := createThread(t, s, u.ID)
	got, err := s.FindThreadByID(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CategoryPestManagement, got.Category)
	assert.Equal(t, 3, got.UrgencyLevel)
	assert.False(t, got.Archived)

	def := &models.Thread{UserID: u.ID}
	require.NoError(t, s.CreateThread(ctx, def))
	assert.Equal(t, models.CategoryGeneral, def.Category)
	assert.Equal(t, 1, def.UrgencyLevel)

	archived := &models.Thread{UserID: u.ID, Archived: true}
	require.NoError(t, s.CreateThread(ctx, archived))

	list, err := s.ListThreads(ctx, u.ID, false)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	all, err := s.ListThreads(ctx, u.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.UpdateThreadTitle(ctx, th.ID, "Banana leaf spot"))
	got, err = s.FindThreadByID(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, "Banana leaf spot", got.Title)

	assert.ErrorIs(t, s.UpdateThreadTitle(ctx, "missing", "x"), ErrNotFound)
	_, err = s.FindThreadByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.CreateThread(ctx, &models.Thread{UserID: u.ID, UrgencyLevel: 9}), ErrInvalidUrgency)
}

func TestStore_Messages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u := createUser(t, s, "a@example.com")
	th := createThread(t, s, u.ID)

	base := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	add := func(role, content string, hidden bool, i int) {
		t.Helper()
		m := &models.Message{ThreadID: th.ID, Role: role, Content: content, Hidden: hidden, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.AddMessage(ctx, m))
	}
	add(models.RoleSystem, "system prompt", false, 0)
	for i := 1; i <= 12; i++ {
		role := models.RoleUser
		if i%2 == 0 {
			role = models.RoleAssistant
		}
		add(role, fmt.Sprintf("msg %d", i), false, i)
	}
	add(models.RoleUser, "hidden note", true, 13)

	recent, err := s.FindRecentMessages(ctx, th.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 10)
	assert.Equal(t, "msg 12", recent[0].Content, "newest first")
	assert.Equal(t, "msg 3", recent[9].Content)
	for _, m := range recent {
		assert.NotEqual(t, models.RoleSystem, m.Role)
		assert.False(t, m.Hidden)
	}

	all, err := s.ListMessages(ctx, th.ID)
	require.NoError(t, err)
	require.Len(t, all, 13)
	assert.Equal(t, "system prompt", all[0].Content, "oldest first")
	assert.True(t, all[1].CreatedAt.Equal(base.Add(time.Minute)))

	got, err := s.FindThreadByID(ctx, th.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(base.Add(13*time.Minute)), "adding a message bumps thread activity")

	none, err := s.FindRecentMessages(ctx, th.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_AddMessage_Errors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.AddMessage(ctx, &models.Message{ThreadID: "missing", Role: models.RoleUser, Content: "hi"})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.AddMessage(ctx, &models.Message{ThreadID: "missing", Role: "farmer", Content: "hi"})
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
	u := createUser(t, s, "mem@example.com")
	_, err = s.FindUserByID(context.Background(), u.ID)
	require.NoError(t, err)
}
