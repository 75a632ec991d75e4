package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"together-backend/internal/clock"
	"together-backend/internal/config"
	"together-backend/internal/models"
	"together-backend/internal/repository"
)

var testStart = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) repository.Store {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := repository.NewRedisStore(client, "test:")
	t.Cleanup(func() { store.Close() })
	return store
}

func testEngineConfig() config.EngineConfig {
	cfg := config.Default()
	cfg.Engine.Retry.BaseDelay = time.Millisecond
	return cfg.Engine
}

type testEnv struct {
	store       repository.Store
	clock       *clock.FakeClock
	cfg         config.EngineConfig
	couples     *CoupleService
	cooldowns   *CooldownService
	rewards     *RewardService
	progression *ProgressionService
	quests      *QuestService
	matches     *MatchService
	couple      *models.Couple
}

func setupEnv(t *testing.T, cfg config.EngineConfig, opts ...QuestOption) *testEnv {
	t.Helper()

	store := setupStore(t)
	clk := clock.Fake(testStart)
	env := &testEnv{store: store, clock: clk, cfg: cfg}
	env.couples = NewCoupleService(store, clk)
	env.cooldowns = NewCooldownService(store, clk, cfg)
	env.rewards = NewRewardService(store, clk, cfg)
	env.progression = NewProgressionService(store, clk, cfg)
	env.quests = NewQuestService(store, clk, env.couples, env.rewards, env.progression, cfg, opts...)
	env.matches = NewMatchService(store, clk, env.couples, env.cooldowns, env.rewards, cfg)

	couple, err := env.couples.Link(context.Background(), "alice", "bob")
	require.NoError(t, err)
	env.couple = couple
	return env
}

func (e *testEnv) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := e.rewards.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b.LovePoints
}

func fixedPlanner(types ...models.QuestType) QuestPlanner {
	return func(PlanRequest) []QuestSlot {
		slots := make([]QuestSlot, len(types))
		for i, questType := range types {
			slots[i] = QuestSlot{Type: questType, ContentID: string(questType) + "-001"}
		}
		return slots
	}
}

// brokenStore fails every operation
type brokenStore struct{}

var errBroken = errors.New("connection refused")

func (brokenStore) Get(context.Context, string, any) error { return errBroken }
func (brokenStore) Set(context.Context, string, any) error { return errBroken }
func (brokenStore) Transact(context.Context, func(tx repository.Txn) error) error {
	return errBroken
}
func (brokenStore) Ping(context.Context) error { return errBroken }
func (brokenStore) Close() error { return nil }
