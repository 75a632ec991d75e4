package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"together-backend/internal/models"
	"together-backend/internal/repository"
)

func TestHashQuestPlannerIsDeterministic(t *testing.T) {
	req := PlanRequest{CoupleID: "alice_bob", DateKey: "2026-03-10"}
	first := HashQuestPlanner(req)
	second := HashQuestPlanner(req)
	assert.Equal(t, first, second)
	require.Len(t, first, len(questSlotPools))

	for i, slot := range first {
		_, err := completionRule(slot.Type)
		assert.NoError(t, err)
		assert.Contains(t, questSlotPools[i], slot.Type)
		assert.True(t, strings.HasPrefix(slot.ContentID, string(slot.Type)+"-0-"), slot.ContentID)
	}
}

func TestHashQuestPlannerSkipsUsedContent(t *testing.T) {
	req := PlanRequest{CoupleID: "alice_bob", DateKey: "2026-03-10", Track: 1}
	fresh := HashQuestPlanner(req)

	req.Used = map[models.QuestType][]string{fresh[0].Type: {fresh[0].ContentID}}
	again := HashQuestPlanner(req)
	assert.Equal(t, fresh[0].Type, again[0].Type)
	assert.NotEqual(t, fresh[0].ContentID, again[0].ContentID)
	assert.Equal(t, fresh[1:], again[1:])

	// An exhausted pool falls back to the hashed pick.
	all := make([]string, 0, contentPoolSize)
	for i := 0; i < contentPoolSize; i++ {
		all = append(all, contentID(fresh[0].Type, 1, i))
	}
	req.Used = map[models.QuestType][]string{fresh[0].Type: all}
	assert.Equal(t, fresh, HashQuestPlanner(req))
}

func TestCompletionRuleCoversEveryQuestType(t *testing.T) {
	couple := &models.Couple{ID: "alice_bob", UserAID: "alice", UserBID: "bob"}
	one := &models.QuestCompletion{CompletedBy: map[string]time.Time{"alice": testStart}}
	both := &models.QuestCompletion{CompletedBy: map[string]time.Time{"alice": testStart, "bob": testStart}}

	for _, questType := range []models.QuestType{
		models.QuestReminder, models.QuestPoke, models.QuestQuestion, models.QuestAffirmation,
		models.QuestQuiz, models.QuestWouldYouRather, models.QuestDailyPulse,
	} {
		t.Run(string(questType), func(t *testing.T) {
			isDone, err := completionRule(questType)
			require.NoError(t, err)
			assert.False(t, isDone(couple, &models.QuestCompletion{}))
			assert.False(t, isDone(couple, one))
			assert.True(t, isDone(couple, both))
		})
	}

	for _, bad := range []models.QuestType{"", "dance", "Quiz"} {
		_, err := completionRule(bad)
		assert.ErrorIs(t, err, ErrInvalidQuest, string(bad))
	}
}

func TestInvalidQuestTypesAreRejected(t *testing.T) {
	env := setupEnv(t, testEngineConfig(), WithQuestPlanner(fixedPlanner(models.QuestQuiz, "dance")))
	ctx := context.Background()

	_, err := env.quests.GetTodayQuests(ctx, env.couple.ID)
	assert.ErrorIs(t, err, ErrInvalidQuest)

	questID := QuestID(env.couple.ID, "2026-03-10", 0)
	require.NoError(t, env.store.Set(ctx, repository.QuestSetKey(env.couple.ID, "2026-03-10"), models.DailyQuestSet{
		CoupleID: env.couple.ID,
		DateKey:  "2026-03-10",
		Quests: []models.DailyQuest{
			{ID: questID, CoupleID: env.couple.ID, Type: "dance", DateKey: "2026-03-10"},
		},
	}))
	_, err = env.quests.RecordCompletion(ctx, questID, "alice")
	assert.ErrorIs(t, err, ErrInvalidQuest)

	_, err = env.quests.GetCompletion(ctx, questID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseQuestID(t *testing.T) {
	coupleID, dateKey, slot, err := parseQuestID(QuestID("a:b_c", "2026-03-10", 2))
	require.NoError(t, err)
	assert.Equal(t, "a:b_c", coupleID)
	assert.Equal(t, "2026-03-10", dateKey)
	assert.Equal(t, 2, slot)

	for _, bad := range []string{"", "2026-03-10:1", "yesterday:1:alice_bob", "2026-03-10:x:alice_bob", "2026-03-10:-1:alice_bob"} {
		_, _, _, err := parseQuestID(bad)
		assert.ErrorIs(t, err, ErrNotFound, bad)
	}
}

func TestGetTodayQuestsIsStableForTheDay(t *testing.T) {
	env := setupEnv(t, testEngineConfig())
	ctx := context.Background()

	quests, err := env.quests.GetTodayQuests(ctx, env.couple.ID)
	require.NoError(t, err)
	require.Len(t, quests, 3)
	for i, quest := range quests {
		assert.Equal(t, QuestID(env.couple.ID, "2026-03-10", i), quest.ID)
		assert.Equal(t, "2026-03-10", quest.DateKey)
	}

	env.clock.Advance(10 * time.Hour)
	again, err := env.quests.GetTodayQuests(ctx, env.couple.ID)
	require.NoError(t, err)
	assert.Equal(t, quests, again)

	env.clock.Advance(5 * time.Hour)
	tomorrow, err := env.quests.GetTodayQuests(ctx, env.couple.ID)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-11", tomorrow[0].DateKey)

	_, err = env.quests.GetTodayQuests(ctx, "nobody_else")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetTodayQuestsDoesNotRepeatContent(t *testing.T) {
	env := setupEnv(t, testEngineConfig())
	ctx := context.Background()

	seen := make(map[string]string)
	for day := 0; day < 60; day++ {
		quests, err := env.quests.GetTodayQuests(ctx, env.couple.ID)
		require.NoError(t, err)
		for _, quest := range quests {
			prev, dup := seen[quest.ContentID]
			assert.False(t, dup, "%s given on %s and %s", quest.ContentID, prev, quest.DateKey)
			seen[quest.ContentID] = quest.DateKey
		}
		env.clock.Advance(24 * time.Hour)
	}

	var content models.QuestContentLog
	require.NoError(t, env.store.Get(ctx, repository.QuestContentKey(env.couple.ID), &content))
	total := 0
	for _, used := range content.Used {
		total += len(used)
	}
	assert.Equal(t, 60*len(questSlotPools), total)
}

func TestGetTodayQuestsDrawsFromCurrentTrack(t *testing.T) {
	env := setupEnv(t, testEngineConfig())
	ctx := context.Background()

	require.NoError(t, env.store.Set(ctx, repository.ProgressionKey(env.couple.ID),
		models.ProgressionState{CoupleID: env.couple.ID, CurrentTrack: 2, CurrentPosition: 1}))

	quests, err := env.quests.GetTodayQuests(ctx, env.couple.ID)
	require.NoError(t, err)
	for _, quest := range quests {
		assert.True(t, strings.HasPrefix(quest.ContentID, string(quest.Type)+"-2-"), quest.ContentID)
	}

	var set models.DailyQuestSet
	require.NoError(t, env.store.Get(ctx, repository.QuestSetKey(env.couple.ID, "2026-03-10"), &set))
	assert.Equal(t, 2, set.Track)
}

func TestDateKeyUsesConfiguredTimezone(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Timezone = "Asia/Tokyo"
	env := setupEnv(t, cfg)

	// 09:00 UTC on the 10th is 18:00 in Tokyo; 16:00 UTC is already the 11th.
	assert.Equal(t, "2026-03-10", env.quests.DateKey(testStart))
	assert.Equal(t, "2026-03-11", env.quests.DateKey(testStart.Add(7*time.Hour)))
}

func TestRecordCompletionDetectsMutualOnce(t *testing.T) {
	env := setupEnv(t, testEngineConfig())
	ctx := context.Background()

	quests, err := env.quests.GetTodayQuests(ctx, env.couple.ID)
	require.NoError(t, err)
	questID := quests[0].ID

	result, err := env.quests.RecordCompletion(ctx, questID, "alice")
	require.NoError(t, err)
	assert.False(t, result.BothCompleted)
	assert.Nil(t, result.QuestReward)

	result, err = env.quests.RecordCompletion(ctx, questID, "alice")
	require.NoError(t, err)
	assert.False(t, result.BothCompleted)
	assert.Zero(t, env.balance(t, "alice"))

	result, err = env.quests.RecordCompletion(ctx, questID, "bob")
	require.NoError(t, err)
	assert.True(t, result.BothCompleted)
	require.NotNil(t, result.QuestReward)
	assert.True(t, result.QuestReward.Applied)
	assert.False(t, result.AllCompleted)

	result, err = env.quests.RecordCompletion(ctx, questID, "bob")
	require.NoError(t, err)
	assert.False(t, result.BothCompleted)
	require.NotNil(t, result.QuestReward)
	assert.False(t, result.QuestReward.Applied)

	assert.Equal(t, int64(30), env.balance(t, "alice"))
	assert.Equal(t, int64(30), env.balance(t, "bob"))

	completion, err := env.quests.GetCompletion(ctx, questID)
	require.NoError(t, err)
	assert.True(t, completion.IsCompletedBy("alice"))
	assert.True(t, completion.IsCompletedBy("bob"))
	assert.NotNil(t, completion.MutualCompletedAt)
}

func TestRecordCompletionConcurrentPartners(t *testing.T) {
	env := setupEnv(t, testEngineConfig())
	ctx := context.Background()

	quests, err := env.quests.GetTodayQuests(ctx, env.couple.ID)
	require.NoError(t, err)
	questID := quests[1].ID

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		mutuals int
	)
	for _, userID := range []string{"alice", "bob", "alice", "bob"} {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			result, err := env.quests.RecordCompletion(ctx, questID, userID)
			assert.NoError(t, err)
			if err == nil && result.BothCompleted {
				mu.Lock()
				mutuals++
				mu.Unlock()
			}
		}(userID)
	}
	wg.Wait()

	assert.Equal(t, 1, mutuals)
	assert.Equal(t, int64(30), env.balance(t, "alice"))
	assert.Equal(t, int64(30), env.balance(t, "bob"))
}

func TestRecordCompletionRejectsOutsiders(t *testing.T) {
	env := setupEnv(t, testEngineConfig())
	ctx := context.Background()

	quests, err := env.quests.GetTodayQuests(ctx, env.couple.ID)
	require.NoError(t, err)

	_, err = env.quests.RecordCompletion(ctx, quests[0].ID, "mallory")
	assert.ErrorIs(t, err, ErrNotCoupleMember)

	_, err = env.quests.RecordCompletion(ctx, "not-a-quest", "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.quests.RecordCompletion(ctx, QuestID(env.couple.ID, "2026-03-10", 7), "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.quests.RecordCompletion(ctx, QuestID(env.couple.ID, "2026-01-01", 0), "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func completeAll(t *testing.T, env *testEnv, quests []models.DailyQuest) *CompletionResult {
	t.Helper()
	var last *CompletionResult
	for _, quest := range quests {
		for _, userID := range []string{"alice", "bob"} {
			result, err := env.quests.RecordCompletion(context.Background(), quest.ID, userID)
			require.NoError(t, err)
			last = result
		}
	}
	return last
}

func TestCompletingAllQuestsAdvancesProgressionOnce(t *testing.T) {
	env := setupEnv(t, testEngineConfig(),
		WithQuestPlanner(fixedPlanner(models.QuestReminder, models.QuestQuiz, models.QuestQuestion)))
	ctx := context.Background()

	quests, err := env.quests.GetTodayQuests(ctx, env.couple.ID)
	require.NoError(t, err)
	require.Len(t, quests, 3)
	assert.Equal(t, models.QuestQuiz, quests[1].Type)

	done, err := env.quests.AllQuestsCompleted(ctx, env.couple.ID)
	require.NoError(t, err)
	assert.False(t, done)

	last := completeAll(t, env, quests)
	assert.True(t, last.BothCompleted)
	assert.True(t, last.AllCompleted)
	require.NotNil(t, last.Progression)
	assert.Equal(t, 0, last.Progression.CurrentTrack)
	assert.Equal(t, 3, last.Progression.CurrentPosition)
	require.NotNil(t, last.ProgressionReward)
	assert.True(t, last.ProgressionReward.Applied)

	// Three quest rewards plus one progression reward.
	assert.Equal(t, int64(3*30+50), env.balance(t, "alice"))
	assert.Equal(t, int64(3*30+50), env.balance(t, "bob"))

	done, err = env.quests.AllQuestsCompleted(ctx, env.couple.ID)
	require.NoError(t, err)
	assert.True(t, done)

	_, err = env.rewards.Event(ctx, ProgressionRewardKey(env.couple.ID, 0, 3))
	assert.NoError(t, err)

	// Re-reporting changes nothing.
	completeAll(t, env, quests)
	state, err := env.progression.Get(ctx, env.couple.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, state.CurrentPosition)
	assert.Equal(t, int64(140), env.balance(t, "alice"))

	// The next day advances again.
	env.clock.Advance(24 * time.Hour)
	quests, err = env.quests.GetTodayQuests(ctx, env.couple.ID)
	require.NoError(t, err)
	last = completeAll(t, env, quests)
	require.NotNil(t, last.Progression)
	assert.Equal(t, 1, last.Progression.CurrentTrack)
	assert.Equal(t, 2, last.Progression.CurrentPosition)
	assert.Equal(t, int64(280), env.balance(t, "bob"))
}

func TestLastQuestRewardIsGrantedWhenProgressionSaturates(t *testing.T) {
	env := setupEnv(t, testEngineConfig())
	ctx := context.Background()

	require.NoError(t, env.store.Set(ctx, repository.ProgressionKey(env.couple.ID),
		models.ProgressionState{CoupleID: env.couple.ID, CurrentTrack: 2, CurrentPosition: 2}))

	quests, err := env.quests.GetTodayQuests(ctx, env.couple.ID)
	require.NoError(t, err)
	last := completeAll(t, env, quests)

	require.NotNil(t, last.QuestReward)
	assert.True(t, last.QuestReward.Applied)
	require.NotNil(t, last.Progression)
	assert.True(t, last.Progression.HasCompletedAllTracks)
	assert.Equal(t, 2, last.Progression.CurrentTrack)
	assert.Equal(t, 3, last.Progression.CurrentPosition)
	require.NotNil(t, last.ProgressionReward)
	assert.True(t, last.ProgressionReward.Applied)
	assert.Equal(t, int64(3*30+50), env.balance(t, "alice"))

	// Completed tracks stay pinned: quest rewards continue, the terminal
	// progression reward is not paid twice.
	env.clock.Advance(24 * time.Hour)
	quests, err = env.quests.GetTodayQuests(ctx, env.couple.ID)
	require.NoError(t, err)
	last = completeAll(t, env, quests)

	require.NotNil(t, last.QuestReward)
	assert.True(t, last.QuestReward.Applied)
	require.NotNil(t, last.ProgressionReward)
	assert.False(t, last.ProgressionReward.Applied)
	assert.Equal(t, int64(2*3*30+50), env.balance(t, "alice"))
}

func TestAllQuestsCompletedRequiresBothPartnersOnEveryQuest(t *testing.T) {
	env := setupEnv(t, testEngineConfig(),
		WithQuestPlanner(fixedPlanner(models.QuestReminder, models.QuestQuiz, models.QuestQuestion)))
	ctx := context.Background()

	quests, err := env.quests.GetTodayQuests(ctx, env.couple.ID)
	require.NoError(t, err)

	for _, quest := range quests {
		_, err := env.quests.RecordCompletion(ctx, quest.ID, "alice")
		require.NoError(t, err)
	}
	var last *CompletionResult
	for _, quest := range quests[:2] {
		last, err = env.quests.RecordCompletion(ctx, quest.ID, "bob")
		require.NoError(t, err)
		assert.True(t, last.BothCompleted)
	}
	assert.False(t, last.AllCompleted)
	assert.Nil(t, last.Progression)

	done, err := env.quests.AllQuestsCompleted(ctx, env.couple.ID)
	require.NoError(t, err)
	assert.False(t, done)

	state, err := env.progression.Get(ctx, env.couple.ID)
	require.NoError(t, err)
	assert.Zero(t, state.CurrentPosition)
	assert.Equal(t, int64(2*30), env.balance(t, "alice"))
	assert.Equal(t, int64(2*30), env.balance(t, "bob"))
}

func TestFinalQuestRaceAdvancesProgressionOnce(t *testing.T) {
	env := setupEnv(t, testEngineConfig(),
		WithQuestPlanner(fixedPlanner(models.QuestReminder, models.QuestQuiz, models.QuestQuestion)))
	ctx := context.Background()

	quests, err := env.quests.GetTodayQuests(ctx, env.couple.ID)
	require.NoError(t, err)
	completeAll(t, env, quests[:2])

	finalID := quests[2].ID
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		mutuals int
		rewards int
	)
	for _, userID := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			result, err := env.quests.RecordCompletion(ctx, finalID, userID)
			assert.NoError(t, err)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if result.BothCompleted {
				mutuals++
			}
			if result.ProgressionReward != nil && result.ProgressionReward.Applied {
				rewards++
			}
		}(userID)
	}
	wg.Wait()

	assert.Equal(t, 1, mutuals)
	assert.Equal(t, 1, rewards)

	state, err := env.progression.Get(ctx, env.couple.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, state.CurrentTrack)
	assert.Equal(t, 3, state.CurrentPosition)

	event, err := env.progression.Event(ctx, env.couple.ID, "daily:2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, 3, event.Position)

	history, err := env.rewards.History(ctx, env.couple.ID)
	require.NoError(t, err)
	progressionEvents := 0
	for _, event := range history {
		if event.Reason == ReasonProgression {
			progressionEvents++
		}
	}
	assert.Equal(t, 1, progressionEvents)
	assert.Equal(t, int64(3*30+50), env.balance(t, "alice"))
	assert.Equal(t, int64(3*30+50), env.balance(t, "bob"))
}

func TestReplayingEarlierDayDoesNotAdvanceAgain(t *testing.T) {
	env := setupEnv(t, testEngineConfig(),
		WithQuestPlanner(fixedPlanner(models.QuestReminder, models.QuestQuiz, models.QuestQuestion)))
	ctx := context.Background()

	day1, err := env.quests.GetTodayQuests(ctx, env.couple.ID)
	require.NoError(t, err)
	completeAll(t, env, day1)

	env.clock.Advance(24 * time.Hour)
	day2, err := env.quests.GetTodayQuests(ctx, env.couple.ID)
	require.NoError(t, err)
	completeAll(t, env, day2)
	require.Equal(t, int64(280), env.balance(t, "alice"))

	// An offline client re-reports yesterday's last quest.
	result, err := env.quests.RecordCompletion(ctx, day1[2].ID, "bob")
	require.NoError(t, err)
	assert.False(t, result.BothCompleted)
	assert.True(t, result.AllCompleted)
	require.NotNil(t, result.ProgressionReward)
	assert.False(t, result.ProgressionReward.Applied)
	assert.Equal(t, ProgressionRewardKey(env.couple.ID, 0, 3), result.ProgressionReward.Event.DedupKey)

	state, err := env.progression.Get(ctx, env.couple.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.CurrentTrack)
	assert.Equal(t, 2, state.CurrentPosition)
	assert.Equal(t, int64(280), env.balance(t, "alice"))
	assert.Equal(t, int64(280), env.balance(t, "bob"))
}
