package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
	"github.com/devricklin/feishu-anonbot/internal/biz/usecase"
	"github.com/devricklin/feishu-anonbot/internal/infra/clock"
)

type anonFixture struct {
	handler   *AnonPostingHandler
	transport *mockTransport
	scheduler *mockScheduler
	convUC    *usecase.ConversationUsecase
	configUC  *usecase.ConfigUsecase
	clock     *clock.Fake
}

func newAnonFixture(t *testing.T, mutate func(*domain.Config)) *anonFixture {
	t.Helper()
	configUC, _ := newConfigUC(t, mutate)
	f := &anonFixture{
		transport: newMockTransport(),
		scheduler: &mockScheduler{},
		convUC:    usecase.NewConversationUsecase(),
		configUC:  configUC,
		clock:     clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	f.handler = NewAnonPostingHandler(f.configUC, f.convUC, f.scheduler, f.transport, f.clock)
	return f
}

func (f *anonFixture) send(t *testing.T, e *domain.Event) {
	t.Helper()
	require.True(t, f.handler.Matches(context.Background(), e))
	require.NoError(t, f.handler.Handle(context.Background(), e))
}

func TestAnonPosting_SendFlow(t *testing.T) {
	f := newAnonFixture(t, nil)

	f.send(t, dm("dm_1", "ou_alice", "  I think the build is haunted  "))
	preview := f.transport.lastDirect(t, "ou_alice")
	assert.Contains(t, preview, "You wrote:\n\n```text\nI think the build is haunted\n```")
	assert.Contains(t, preview, "`SEND`")
	assert.Empty(t, f.transport.streamPosts())

	f.send(t, dm("dm_2", "ou_alice", "SEND"))

	posts := f.transport.streamPosts()
	require.Len(t, posts, 1)
	assert.Equal(t, domain.DefaultTargetStream, posts[0].Stream)
	assert.Equal(t, domain.DefaultTargetTopic, posts[0].Topic)
	assert.Equal(t, "Anonymous message:\n\n  I think the build is haunted  ", posts[0].Content)

	actions := f.scheduler.scheduled()
	require.Len(t, actions, 1)
	assert.Equal(t, f.clock.Now().Add(domain.DefaultDeleteAfterMinutes*time.Minute), actions[0].FireAt)
	assert.Equal(t, posts[0].ID, actions[0].Payload.MessageID)
	assert.Equal(t, domain.DefaultTargetStream, actions[0].Payload.Target)

	assert.Equal(t, []string{"dm_1", "dm_2"}, f.transport.deleted)
	assert.Equal(t, replyPosted, f.transport.lastDirect(t, "ou_alice"))
	assert.Equal(t, 0, f.convUC.Pending())
}

func TestAnonPosting_Cancel(t *testing.T) {
	f := newAnonFixture(t, nil)

	f.send(t, dm("dm_1", "ou_alice", "never mind this"))
	f.send(t, dm("dm_2", "ou_alice", " CANCEL\n"))

	assert.Empty(t, f.transport.streamPosts())
	assert.Empty(t, f.scheduler.scheduled())
	assert.Equal(t, []string{"dm_1", "dm_2"}, f.transport.deleted)
	assert.Equal(t, replyCancel, f.transport.lastDirect(t, "ou_alice"))
	assert.Equal(t, 0, f.convUC.Pending())
}

func TestAnonPosting_TwoCyclesAreIndependent(t *testing.T) {
	f := newAnonFixture(t, nil)

	f.send(t, dm("dm_1", "ou_alice", "first"))
	f.send(t, dm("dm_2", "ou_alice", "SEND"))
	f.send(t, dm("dm_3", "ou_alice", "second"))
	f.send(t, dm("dm_4", "ou_alice", "SEND"))

	posts := f.transport.streamPosts()
	require.Len(t, posts, 2)
	assert.Equal(t, "Anonymous message:\n\nfirst", posts[0].Content)
	assert.Equal(t, "Anonymous message:\n\nsecond", posts[1].Content)

	actions := f.scheduler.scheduled()
	require.Len(t, actions, 2)
	assert.NotEqual(t, actions[0].Payload.MessageID, actions[1].Payload.MessageID)
}

func TestAnonPosting_UnknownInputResets(t *testing.T) {
	f := newAnonFixture(t, nil)

	f.send(t, dm("dm_1", "ou_alice", "draft"))
	f.send(t, dm("dm_2", "ou_alice", "send"))

	assert.Equal(t, replyUnknown, f.transport.lastDirect(t, "ou_alice"))
	assert.Equal(t, 0, f.convUC.Pending())
	assert.Empty(t, f.transport.streamPosts())

	// the next message starts over rather than confirming the old draft
	f.send(t, dm("dm_3", "ou_alice", "SEND"))
	assert.Empty(t, f.transport.streamPosts())
	assert.Contains(t, f.transport.lastDirect(t, "ou_alice"), "You wrote:")
	assert.Equal(t, 1, f.convUC.Pending())
}

func TestAnonPosting_StateIsPerUser(t *testing.T) {
	f := newAnonFixture(t, nil)

	f.send(t, dm("dm_1", "ou_alice", "alice's secret"))
	f.send(t, dm("dm_2", "ou_bob", "SEND"))

	assert.Empty(t, f.transport.streamPosts(), "bob cannot confirm alice's message")
	assert.Contains(t, f.transport.lastDirect(t, "ou_bob"), "You wrote:\n\n```text\nSEND\n```")
	assert.Equal(t, 2, f.convUC.Pending())

	f.send(t, dm("dm_3", "ou_alice", "SEND"))
	posts := f.transport.streamPosts()
	require.Len(t, posts, 1)
	assert.Equal(t, "Anonymous message:\n\nalice's secret", posts[0].Content)
}

func TestAnonPosting_Disabled(t *testing.T) {
	f := newAnonFixture(t, func(c *domain.Config) {
		c.AnonymousPosting.Enabled = false
	})

	assert.False(t, f.handler.Matches(context.Background(), dm("dm_1", "ou_alice", "hello")))
	assert.False(t, f.handler.Matches(context.Background(), streamMsg("m1", "ou_alice", "oc_x", "", "hello")))
}

func TestAnonPosting_UsesLiveConfig(t *testing.T) {
	f := newAnonFixture(t, nil)

	f.send(t, dm("dm_1", "ou_alice", "hello"))
	_, err := f.configUC.Update(context.Background(), "admin", "retarget", func(c *domain.Config) error {
		c.AnonymousPosting.TargetStream = "oc_confessions"
		c.AnonymousPosting.DeleteAfterMinutes = 30
		return nil
	})
	require.NoError(t, err)
	f.send(t, dm("dm_2", "ou_alice", "SEND"))

	posts := f.transport.streamPosts()
	require.Len(t, posts, 1)
	assert.Equal(t, "oc_confessions", posts[0].Stream)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), f.scheduler.scheduled()[0].FireAt)
}

func TestAnonPosting_PostFailure(t *testing.T) {
	f := newAnonFixture(t, nil)
	f.transport.streamErr = errors.New("stream not found")

	f.send(t, dm("dm_1", "ou_alice", "hello"))
	f.send(t, dm("dm_2", "ou_alice", "SEND"))

	assert.Empty(t, f.scheduler.scheduled())
	assert.Empty(t, f.transport.deleted)
	assert.Equal(t, replyFailed, f.transport.lastDirect(t, "ou_alice"))
}

func TestAnonPosting_DeleteFailuresAreSwallowed(t *testing.T) {
	f := newAnonFixture(t, nil)
	f.transport.deleteErr = errors.New("forbidden by organization policy")

	f.send(t, dm("dm_1", "ou_alice", "hello"))
	f.send(t, dm("dm_2", "ou_alice", "SEND"))

	assert.Len(t, f.transport.streamPosts(), 1)
	assert.Len(t, f.scheduler.scheduled(), 1)
	assert.Equal(t, replyPosted, f.transport.lastDirect(t, "ou_alice"))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("  short \n"))

	long := strings.Repeat("é", previewLimit+100)
	got := preview(long)
	assert.True(t, strings.HasSuffix(got, " ..."))
	assert.Equal(t, previewLimit, len([]rune(strings.TrimSuffix(got, " ..."))))
}

func TestDeleteMessageAction(t *testing.T) {
	transport := newMockTransport()
	action := DeleteMessageAction(transport)

	err := action(context.Background(), domain.DeferredAction{ID: "a1", Payload: domain.ActionPayload{MessageID: "om_posted"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"om_posted"}, transport.deleted)
}
