// ABOUTME: Tests for the dispatch router and bus sinks
// ABOUTME: Uses a recording fake publisher; resend tests run against real SQLite

package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtalk/bridge-gateway/internal/envelope"
	"github.com/fieldtalk/bridge-gateway/internal/history"
	"github.com/fieldtalk/bridge-gateway/internal/store"
)

type published struct {
	key string
	env *envelope.Envelope
}

type fakePublisher struct {
	calls []published
	err   error
}

func (f *fakePublisher) Publish(ctx context.Context, routingKey string, body any) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, published{key: routingKey, env: body.(*envelope.Envelope)})
	return nil
}

type fakeUnread struct {
	recs []*store.ChatRecord
}

func (f *fakeUnread) Unread(ctx context.Context, sessionID string) ([]*store.ChatRecord, error) {
	return f.recs, nil
}

func newEnv(role envelope.SenderRole, platform envelope.Platform) *envelope.Envelope {
	env, err := envelope.New(envelope.Header{
		MessageID:         uuid.New().String(),
		ClientPhoneNumber: "+254700000001",
		SenderRole:        role,
		Platform:          platform,
	}, "body", nil, nil, nil)
	if err != nil {
		panic(err)
	}
	return env
}

func TestRoute_ClientMessageGoesToAssistant(t *testing.T) {
	pub := &fakePublisher{}
	rt := New(Config{}, pub, &fakeUnread{}, nil)

	env := newEnv(envelope.RoleClient, envelope.PlatformWhatsApp)
	require.NoError(t, rt.Route(context.Background(), env, "sess-1", false))

	require.Len(t, pub.calls, 1)
	assert.Equal(t, DefaultAssistantKey, pub.calls[0].key)
	assert.Equal(t, "sess-1", pub.calls[0].env.Header.ConversationID,
		"session id must be stamped before publishing")
}

func TestRoute_OfficerReplyGoesToPlatform(t *testing.T) {
	pub := &fakePublisher{}
	rt := New(Config{}, pub, &fakeUnread{}, nil)

	env := newEnv(envelope.RoleUser, envelope.PlatformWhatsApp)
	require.NoError(t, rt.Route(context.Background(), env, "sess-1", false))

	require.Len(t, pub.calls, 1)
	assert.Equal(t, DefaultWhatsAppKey, pub.calls[0].key)
}

func TestRoute_AssistantReplyFollowsPlatform(t *testing.T) {
	pub := &fakePublisher{}
	rt := New(Config{}, pub, &fakeUnread{}, nil)

	env := newEnv(envelope.RoleAssistant, envelope.PlatformSlack)
	require.NoError(t, rt.Route(context.Background(), env, "sess-1", false))

	require.Len(t, pub.calls, 1)
	assert.Equal(t, DefaultSlackKey, pub.calls[0].key)
}

func TestRoute_UnknownPlatformDropped(t *testing.T) {
	pub := &fakePublisher{}
	rt := New(Config{PlatformKeys: map[string]string{"whatsapp": DefaultWhatsAppKey}}, pub, &fakeUnread{}, nil)

	env := newEnv(envelope.RoleUser, envelope.PlatformSlack)
	err := rt.Route(context.Background(), env, "sess-1", false)
	require.ErrorIs(t, err, ErrUnknownPlatform)
	assert.Empty(t, pub.calls, "nothing may be published for an unroutable envelope")
}

func TestRoute_TemplatePrecedesLapsedWindowMessage(t *testing.T) {
	pub := &fakePublisher{}
	rt := New(Config{}, pub, &fakeUnread{}, nil)

	env := newEnv(envelope.RoleAssistant, envelope.PlatformWhatsApp)
	require.NoError(t, rt.Route(context.Background(), env, "sess-1", true))

	require.Len(t, pub.calls, 2)
	tmpl := pub.calls[0].env
	assert.Equal(t, envelope.RoleSystem, tmpl.Header.SenderRole)
	assert.Equal(t, env.Header.MessageID+":reconnect", tmpl.Header.MessageID)
	assert.Equal(t, history.DefaultReconnectTemplate, tmpl.Body)
	assert.Equal(t, env.Header.ClientPhoneNumber, tmpl.Header.ClientPhoneNumber)
	assert.Equal(t, DefaultWhatsAppKey, pub.calls[0].key)

	assert.Equal(t, env.Header.MessageID, pub.calls[1].env.Header.MessageID)
}

func TestRoute_NoTemplateForClientMessages(t *testing.T) {
	pub := &fakePublisher{}
	rt := New(Config{}, pub, &fakeUnread{}, nil)

	env := newEnv(envelope.RoleClient, envelope.PlatformWhatsApp)
	require.NoError(t, rt.Route(context.Background(), env, "sess-1", true))

	require.Len(t, pub.calls, 1, "assistant-bound traffic never carries a template")
	assert.Equal(t, DefaultAssistantKey, pub.calls[0].key)
}

func TestRoute_PublishFailureSurfaces(t *testing.T) {
	pub := &fakePublisher{err: assert.AnError}
	rt := New(Config{}, pub, &fakeUnread{}, nil)

	env := newEnv(envelope.RoleUser, envelope.PlatformWhatsApp)
	err := rt.Route(context.Background(), env, "sess-1", false)
	require.ErrorIs(t, err, assert.AnError)
}

func TestResend_ReturnsStoredOrderWithoutMutation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	userID, clientID := uuid.New().String(), uuid.New().String()
	require.NoError(t, s.CreateUser(ctx, &store.User{ID: userID, PhoneNumber: "+1555777", CreatedAt: time.Now()}))
	require.NoError(t, s.CreateClient(ctx, &store.Client{ID: clientID, PhoneNumber: "+2547777", CreatedAt: time.Now()}))
	sessionID := uuid.New().String()
	require.NoError(t, s.CreateSession(ctx, &store.Session{ID: sessionID, UserID: userID, ClientID: clientID, Platform: "whatsapp", CreatedAt: time.Now()}))

	rec := history.New(s, history.Config{}, nil)
	var ids []string
	for i := 0; i < 3; i++ {
		env := newEnv(envelope.RoleClient, envelope.PlatformWhatsApp)
		_, err := rec.Record(ctx, env, sessionID, false)
		require.NoError(t, err)
		ids = append(ids, env.Header.MessageID)
	}

	rt := New(Config{}, &fakePublisher{}, rec, nil)

	recs, err := rt.Resend(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, ids[i], r.MessageID, "replay must preserve creation order")
	}

	// A second resend sees the same set; replay does not mark anything read.
	again, err := rt.Resend(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, again, 3)
}
