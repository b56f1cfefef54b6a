package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
)

func newLoadedConfigUC(t *testing.T) (*ConfigUsecase, *mockConfigRepo) {
	t.Helper()
	configRepo := newMockConfigRepo(domain.DefaultConfig())
	uc := NewConfigUsecase(configRepo, nil)
	require.NoError(t, uc.Load(context.Background()))
	return uc, configRepo
}

func marshalSnapshot(t *testing.T, uc *ConfigUsecase) []byte {
	t.Helper()
	data, err := uc.Snapshot().Marshal()
	require.NoError(t, err)
	return data
}

func TestConfigUsecase_Load(t *testing.T) {
	uc, _ := newLoadedConfigUC(t)

	assert.Equal(t, int64(1), uc.Revision())
	if diff := cmp.Diff(domain.DefaultConfig(), uc.Snapshot()); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigUsecase_SnapshotIsCopy(t *testing.T) {
	uc, _ := newLoadedConfigUC(t)

	snap := uc.Snapshot()
	snap.AnonymousPosting.TargetStream = "elsewhere"
	snap.PrivateAccess.WatchRules[0].Phrase = "tampered"

	fresh := uc.Snapshot()
	assert.Equal(t, domain.DefaultTargetStream, fresh.AnonymousPosting.TargetStream)
	assert.Equal(t, "Default string 1", fresh.PrivateAccess.WatchRules[0].Phrase)
}

func TestConfigUsecase_Update(t *testing.T) {
	uc, configRepo := newLoadedConfigUC(t)

	cfg, err := uc.Update(context.Background(), "admin", "anon set stream", func(c *domain.Config) error {
		c.AnonymousPosting.TargetStream = "  confessions  "
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "confessions", cfg.AnonymousPosting.TargetStream, "normalized on update")
	assert.Equal(t, "confessions", uc.Snapshot().AnonymousPosting.TargetStream)
	assert.Equal(t, int64(2), uc.Revision())
	assert.Equal(t, 1, configRepo.saves)

	persisted, err := configRepo.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "confessions", persisted.AnonymousPosting.TargetStream)
}

func TestConfigUsecase_InvalidUpdateLeavesSnapshotUntouched(t *testing.T) {
	uc, configRepo := newLoadedConfigUC(t)
	before := marshalSnapshot(t, uc)

	_, err := uc.Update(context.Background(), "admin", "bad", func(c *domain.Config) error {
		c.AnonymousPosting.DeleteAfterMinutes = 0
		c.AnonymousPosting.TargetStream = "half-applied"
		return nil
	})

	var vErr *domain.ValidationError
	require.True(t, errors.As(err, &vErr), "expected ValidationError, got %v", err)
	assert.Equal(t, "anonymous_posting.delete_after_minutes", vErr.Field)

	if diff := cmp.Diff(string(before), string(marshalSnapshot(t, uc))); diff != "" {
		t.Errorf("snapshot changed (-before +after):\n%s", diff)
	}
	assert.Equal(t, int64(1), uc.Revision())
	assert.Equal(t, 0, configRepo.saves)
}

func TestConfigUsecase_MutatorErrorIsReturned(t *testing.T) {
	uc, _ := newLoadedConfigUC(t)
	boom := errors.New("boom")

	_, err := uc.Update(context.Background(), "admin", "x", func(c *domain.Config) error {
		c.AnonymousPosting.Enabled = false
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.True(t, uc.Snapshot().AnonymousPosting.Enabled)
}

func TestConfigUsecase_SaveFailureKeepsPriorSnapshot(t *testing.T) {
	uc, configRepo := newLoadedConfigUC(t)
	configRepo.saveErr = errors.New("disk full")
	before := marshalSnapshot(t, uc)

	_, err := uc.Update(context.Background(), "admin", "x", func(c *domain.Config) error {
		c.AnonymousPosting.TargetTopic = "new-topic"
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, string(before), string(marshalSnapshot(t, uc)))
	assert.Equal(t, int64(1), uc.Revision())
}

func TestConfigUsecase_ConcurrentUpdatesSerialize(t *testing.T) {
	uc, configRepo := newLoadedConfigUC(t)
	start := uc.Snapshot().AnonymousPosting.DeleteAfterMinutes

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := uc.Update(context.Background(), "admin", "bump", func(c *domain.Config) error {
				c.AnonymousPosting.DeleteAfterMinutes++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, start+n, uc.Snapshot().AnonymousPosting.DeleteAfterMinutes)
	assert.Equal(t, int64(1+n), uc.Revision())
	assert.Equal(t, n, configRepo.saves)
}

func TestConfigUsecase_ListenersSeePublishedSnapshots(t *testing.T) {
	uc, _ := newLoadedConfigUC(t)

	var levels []string
	uc.OnChange(func(cfg domain.Config) {
		levels = append(levels, cfg.Logging.Level)
	})

	_, err := uc.Update(context.Background(), "admin", "level", func(c *domain.Config) error {
		c.Logging.Level = "DEBUG"
		return nil
	})
	require.NoError(t, err)

	_, err = uc.Update(context.Background(), "admin", "level", func(c *domain.Config) error {
		c.Logging.Level = "verbose"
		return nil
	})
	require.Error(t, err)

	assert.Equal(t, []string{"debug"}, levels)
}

func TestConfigUsecase_Journal(t *testing.T) {
	configRepo := newMockConfigRepo(domain.DefaultConfig())
	journal := &mockRevisionRepo{
		revisions: []*domain.ConfigRevision{{Revision: 7, Actor: "system", Summary: "load"}},
	}
	uc := NewConfigUsecase(configRepo, journal)
	require.NoError(t, uc.Load(context.Background()))
	assert.Equal(t, int64(8), uc.Revision(), "revision continues from the journal")

	_, err := uc.Update(context.Background(), "ou_admin", "anon set topic", func(c *domain.Config) error {
		c.AnonymousPosting.TargetTopic = "late-night"
		return nil
	})
	require.NoError(t, err)

	history, err := uc.History(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(9), history[0].Revision)
	assert.Equal(t, "ou_admin", history[0].Actor)
	assert.Equal(t, "anon set topic", history[0].Summary)
	assert.Contains(t, history[0].Document, "target_topic: late-night")
	assert.Equal(t, int64(8), history[1].Revision)
}

func TestConfigUsecase_JournalFailureDoesNotFailUpdate(t *testing.T) {
	configRepo := newMockConfigRepo(domain.DefaultConfig())
	journal := &mockRevisionRepo{}
	uc := NewConfigUsecase(configRepo, journal)
	require.NoError(t, uc.Load(context.Background()))

	journal.appendErr = errors.New("locked")
	_, err := uc.Update(context.Background(), "admin", "x", func(c *domain.Config) error {
		c.PrivateAccess.Enabled = false
		return nil
	})

	require.NoError(t, err)
	assert.False(t, uc.Snapshot().PrivateAccess.Enabled)
}

func TestConfigUsecase_Reload(t *testing.T) {
	uc, configRepo := newLoadedConfigUC(t)

	configRepo.setStored([]byte("anonymous_posting:\n  target_stream: edited-by-hand\n"))
	cfg, err := uc.Reload(context.Background(), "signal")
	require.NoError(t, err)
	assert.Equal(t, "edited-by-hand", cfg.AnonymousPosting.TargetStream)
	assert.Equal(t, int64(2), uc.Revision())

	configRepo.setStored([]byte("anonymous_posting:\n  delete_after_minutes: soon\n"))
	_, err = uc.Reload(context.Background(), "signal")
	require.Error(t, err)
	assert.Equal(t, "edited-by-hand", uc.Snapshot().AnonymousPosting.TargetStream)
	assert.Equal(t, int64(2), uc.Revision())
}
