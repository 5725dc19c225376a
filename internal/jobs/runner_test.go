package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/ai"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/chat"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/config"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/db"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/db/dbtest"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/grading"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/quota"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/store/rabbitmq"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/stream"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/usage"
)

type replyProvider string

func (p replyProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	return string(p), nil
}

type fixedModels struct{ p ai.Provider }

func (m fixedModels) Open(ctx context.Context, modelID *uint64) (ai.Model, ai.Provider, error) {
	return ai.Model{Code: "test", Provider: "test"}, m.p, nil
}

func newRunner(t *testing.T, reply string) (*Runner, *chat.Service, *quota.Ledger) {
	t.Helper()
	r, svc, ledger, _ := newRunnerWithDB(t, reply)
	return r, svc, ledger
}

func newRunnerWithDB(t *testing.T, reply string) (*Runner, *chat.Service, *quota.Ledger, *gorm.DB) {
	t.Helper()
	gdb := dbtest.Open(t)
	require.NoError(t, db.Migrate(gdb))

	policy := config.DefaultPolicy()
	ledger := quota.NewLedger(gdb, policy.Tiers)
	chatSvc := chat.NewService(chat.NewRepo(gdb))
	coord := stream.NewCoordinator(stream.Deps{
		Quota:   ledger,
		History: chatSvc,
		Usage:   usage.NewRepo(gdb),
		Grader:  grading.NewResolver(gdb, grading.NewGormAnswerBook(gdb), policy.Grading),
		Models:  fixedModels{p: replyProvider(reply)},
	}, stream.Options{})
	return NewRunner(chatSvc, coord, time.Minute), chatSvc, ledger, gdb
}

func queue(t *testing.T, svc *chat.Service, uid uint64) *chat.Job {
	t.Helper()
	qid := uint64(12)
	j, created, err := svc.CreateJobOrGetExisting(context.Background(), &chat.Job{
		UserID:     uid,
		SessionID:  "grading_12_1_1",
		Feature:    string(ai.FeatureGrading),
		Prompt:     "grade it",
		QuestionID: &qid,
		UserAnswer: "A",
	})
	require.NoError(t, err)
	require.True(t, created)
	return j
}

func TestHandle_SucceededJobCarriesVerdict(t *testing.T) {
	r, svc, _ := newRunner(t, "判断结果：正确")
	j := queue(t, svc, 1)

	d := r.Handle(context.Background(), rabbitmq.JobMessage{JobID: j.ID})
	assert.Equal(t, rabbitmq.Ack, d)

	got, err := svc.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.JobSucceeded, got.Status)
	require.NotNil(t, got.ResultTurnID)
	require.NotNil(t, got.IsCorrect)
	assert.True(t, *got.IsCorrect)
}

func TestHandle_FinishedJobDeliveredAgainIsSkipped(t *testing.T) {
	r, svc, ledger := newRunner(t, "判断结果：正确")
	j := queue(t, svc, 1)

	require.Equal(t, rabbitmq.Ack, r.Handle(context.Background(), rabbitmq.JobMessage{JobID: j.ID}))
	require.Equal(t, rabbitmq.Ack, r.Handle(context.Background(), rabbitmq.JobMessage{JobID: j.ID}))

	rec, err := ledger.Snapshot(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.DailyUsed)
}

func TestHandle_JobHeldByLiveWorkerIsLeftAlone(t *testing.T) {
	r, svc, ledger := newRunner(t, "判断结果：正确")
	ctx := context.Background()
	j := queue(t, svc, 1)
	claimed, err := svc.ClaimJob(ctx, j.ID, false, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	assert.Equal(t, rabbitmq.Ack, r.Handle(ctx, rabbitmq.JobMessage{JobID: j.ID}))

	got, err := svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.JobRunning, got.Status)
	rec, err := ledger.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.DailyUsed)
}

func TestHandle_RedeliveredRunningJobIsTakenOver(t *testing.T) {
	r, svc, _ := newRunner(t, "判断结果：错误")
	ctx := context.Background()
	j := queue(t, svc, 1)
	// the first worker claimed it and died before acking
	_, err := svc.ClaimJob(ctx, j.ID, false, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, rabbitmq.Ack, r.Handle(ctx, rabbitmq.JobMessage{JobID: j.ID, Redelivered: true}))

	got, err := svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.JobSucceeded, got.Status)
	require.NotNil(t, got.IsCorrect)
	assert.False(t, *got.IsCorrect)
}

func TestHandle_StaleRunningJobIsTakenOver(t *testing.T) {
	r, svc, _, gdb := newRunnerWithDB(t, "判断结果：正确")
	ctx := context.Background()
	j := queue(t, svc, 1)
	_, err := svc.ClaimJob(ctx, j.ID, false, time.Minute)
	require.NoError(t, err)
	require.NoError(t, gdb.Model(&chat.Job{}).Where("id = ?", j.ID).
		Update("claimed_at", time.Now().Add(-time.Hour)).Error)

	assert.Equal(t, rabbitmq.Ack, r.Handle(ctx, rabbitmq.JobMessage{JobID: j.ID, Attempt: 1}))

	got, err := svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.JobSucceeded, got.Status)
	require.NotNil(t, got.ResultTurnID)
}

func TestHandle_QuotaExhaustedMarksFailed(t *testing.T) {
	r, svc, ledger := newRunner(t, "判断结果：正确")
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		ok, err := ledger.TryConsume(ctx, 2, ai.FeatureGrading, 1)
		require.NoError(t, err)
		require.True(t, ok)
	}
	j := queue(t, svc, 2)

	assert.Equal(t, rabbitmq.Ack, r.Handle(ctx, rabbitmq.JobMessage{JobID: j.ID}))
	got, err := svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.JobFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "已用完")
}

func TestHandle_UnknownJobIsAcked(t *testing.T) {
	r, _, _ := newRunner(t, "x")
	assert.Equal(t, rabbitmq.Ack, r.Handle(context.Background(), rabbitmq.JobMessage{JobID: "missing"}))
}
