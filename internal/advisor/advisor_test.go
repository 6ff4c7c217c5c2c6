package advisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/krishi-advisor-service/internal/contextsvc"
	"github.com/kjstillabower/krishi-advisor-service/internal/models"
	"github.com/kjstillabower/krishi-advisor-service/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	threads  map[string]*models.Thread
	messages map[string][]models.Message // oldest first
	addErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		threads:  map[string]*models.Thread{"t1": {ID: "t1", UserID: "u1", Title: DefaultTitle}},
		messages: map[string][]models.Message{},
	}
}

func (s *fakeStore) FindThreadByID(ctx context.Context, id string) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *th
	return &cp, nil
}

func (s *fakeStore) FindRecentMessages(ctx context.Context, threadID string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[threadID]
	out := []models.Message{}
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *fakeStore) AddMessage(ctx context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	m.ID = "m" + string(rune('a'+len(s.messages[m.ThreadID])))
	m.CreatedAt = time.Now()
	s.messages[m.ThreadID] = append(s.messages[m.ThreadID], *m)
	return nil
}

func (s *fakeStore) UpdateThreadTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[id]
	if !ok {
		return store.ErrNotFound
	}
	th.Title = title
	return nil
}

type fakeContexts struct {
	invalidated []string
	built       int
}

func (f *fakeContexts) BuildCompleteContext(ctx context.Context, userID, threadID, message string) *contextsvc.Context {
	f.built++
	return &contextsvc.Context{
		Seasonal:       contextsvc.Seasonal(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)),
		CurrentMessage: contextsvc.CurrentMessage{Text: message},
		User:           contextsvc.Present(contextsvc.UserFacet{DisplayName: "Ravi", Location: "Kochi"}),
		Metadata:       contextsvc.Metadata{HasUserContext: true},
	}
}

func (f *fakeContexts) InvalidateConversation(threadID string) {
	f.invalidated = append(f.invalidated, threadID)
}

type fakeLLM struct {
	replies map[string]string
	errs    map[string]error
	prompts map[string][][]Message
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{
		replies: map[string]string{PurposeChat: "Use neem oil.", PurposeTitle: `"Title: Banana leaf yellowing."`},
		errs:    map[string]error{},
		prompts: map[string][][]Message{},
	}
}

func (f *fakeLLM) Complete(ctx context.Context, purpose string, messages []Message) (string, error) {
	f.prompts[purpose] = append(f.prompts[purpose], messages)
	if err := f.errs[purpose]; err != nil {
		return "", err
	}
	return f.replies[purpose], nil
}

func TestAdvisor_Chat_FirstTurn(t *testing.T) {
	st, ctxs, llm := newFakeStore(), &fakeContexts{}, newFakeLLM()
	a := New(st, ctxs, llm, nil)

	reply, err := a.Chat(context.Background(), "u1", "t1", "  My banana leaves are yellow  ")
	require.NoError(t, err)

	assert.Equal(t, "My banana leaves are yellow", reply.UserMessage.Content)
	assert.Equal(t, models.RoleAssistant, reply.AssistantMessage.Role)
	assert.Equal(t, "Use neem oil.", reply.AssistantMessage.Content)
	assert.Equal(t, "Banana leaf yellowing", reply.ThreadTitle)
	assert.True(t, reply.Context.HasUserContext)

	require.Len(t, st.messages["t1"], 2)
	assert.Equal(t, models.RoleUser, st.messages["t1"][0].Role)
	assert.Equal(t, "Banana leaf yellowing", st.threads["t1"].Title)
	assert.Equal(t, []string{"t1"}, ctxs.invalidated)

	prompt := llm.prompts[PurposeChat][0]
	require.Len(t, prompt, 3)
	assert.Equal(t, models.RoleSystem, prompt[0].Role)
	assert.Contains(t, prompt[1].Content, contextsvc.HeaderFarmer)
	assert.Contains(t, prompt[1].Content, contextsvc.HeaderSeasonal)
	assert.Equal(t, "My banana leaves are yellow", prompt[2].Content)
}

func TestAdvisor_Chat_ReplaysHistoryChronologically(t *testing.T) {
	st, ctxs, llm := newFakeStore(), &fakeContexts{}, newFakeLLM()
	st.messages["t1"] = []models.Message{
		{ThreadID: "t1", Role: models.RoleUser, Content: "first"},
		{ThreadID: "t1", Role: models.RoleAssistant, Content: "second"},
	}
	st.threads["t1"].Title = "Existing"
	a := New(st, ctxs, llm, nil)

	reply, err := a.Chat(context.Background(), "u1", "t1", "third")
	require.NoError(t, err)
	assert.Empty(t, reply.ThreadTitle, "only the first turn is titled")
	assert.Empty(t, llm.prompts[PurposeTitle])

	prompt := llm.prompts[PurposeChat][0]
	require.Len(t, prompt, 5)
	assert.Equal(t, "first", prompt[2].Content)
	assert.Equal(t, "second", prompt[3].Content)
	assert.Equal(t, "third", prompt[4].Content)
}

func TestAdvisor_Chat_Errors(t *testing.T) {
	t.Run("empty message", func(t *testing.T) {
		a := New(newFakeStore(), &fakeContexts{}, newFakeLLM(), nil)
		_, err := a.Chat(context.Background(), "u1", "t1", "   ")
		assert.ErrorIs(t, err, ErrEmptyMessage)
	})

	t.Run("unknown thread", func(t *testing.T) {
		a := New(newFakeStore(), &fakeContexts{}, newFakeLLM(), nil)
		_, err := a.Chat(context.Background(), "u1", "nope", "hi")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("someone else's thread", func(t *testing.T) {
		ctxs := &fakeContexts{}
		a := New(newFakeStore(), ctxs, newFakeLLM(), nil)
		_, err := a.Chat(context.Background(), "u2", "t1", "hi")
		assert.ErrorIs(t, err, ErrForbidden)
		assert.Zero(t, ctxs.built)
	})

	t.Run("llm failure keeps user message", func(t *testing.T) {
		st, ctxs, llm := newFakeStore(), &fakeContexts{}, newFakeLLM()
		llm.errs[PurposeChat] = errors.New("502 from aggregator")
		a := New(st, ctxs, llm, nil)

		_, err := a.Chat(context.Background(), "u1", "t1", "hi")
		assert.ErrorIs(t, err, ErrAIUnavailable)
		require.Len(t, st.messages["t1"], 1)
		assert.Equal(t, models.RoleUser, st.messages["t1"][0].Role)
		assert.Equal(t, []string{"t1"}, ctxs.invalidated)
	})

	t.Run("store failure", func(t *testing.T) {
		st := newFakeStore()
		st.addErr = errors.New("disk full")
		a := New(st, &fakeContexts{}, newFakeLLM(), nil)
		_, err := a.Chat(context.Background(), "u1", "t1", "hi")
		assert.Error(t, err)
	})
}

func TestAdvisor_GenerateTitle_Fallback(t *testing.T) {
	llm := newFakeLLM()
	llm.errs[PurposeTitle] = errors.New("timeout")
	a := New(newFakeStore(), &fakeContexts{}, llm, nil)
	assert.Equal(t, "When should I sow wheat this", a.GenerateTitle(context.Background(), "When should I sow wheat this year in Punjab?"))

	llm = newFakeLLM()
	llm.replies[PurposeTitle] = `"..."`
	a = New(newFakeStore(), &fakeContexts{}, llm, nil)
	assert.Equal(t, "Rice blast", a.GenerateTitle(context.Background(), "Rice blast"))
}
