package grading

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/config"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/db/dbtest"
)

func TestJudge(t *testing.T) {
	p := config.DefaultPolicy().Grading
	cases := []struct {
		name    string
		text    string
		correct bool
		source  string
	}{
		{"marker correct", "解析……\n判断结果：正确", true, SourceMarker},
		{"marker incorrect", "解析……\n判断结果：错误", false, SourceMarker},
		{"markdown marker", "分析\n**判断结果**：正确", true, SourceMarker},
		{"english marker", "Explanation.\nVerdict: Incorrect", false, SourceMarker},
		{"last marker wins", "判断结果：错误\n更正后\n判断结果：正确", true, SourceMarker},
		{"marker beats keywords", "虽然步骤有错误，但最终\n判断结果：正确", true, SourceMarker},
		{"keyword correct", "你的答案正确，很好。", true, SourceKeywords},
		{"negated is not correct", "你的答案不正确。", false, SourceKeywords},
		{"mixed keywords", "答案正确，但推导有错误。", false, SourceAmbiguous},
		{"no keywords", "这道题考查的是三角函数。", false, SourceAmbiguous},
		{"english negation", "The answer is not correct.", false, SourceKeywords},
		{"non-decisive marker falls back", "verdict: see below\nThe answer is correct.", true, SourceKeywords},
		{"both verdicts on the marker line", "判断结果：正确 或 判断结果：错误", false, SourceAmbiguous},
		{"marker line retracts itself", "Verdict: correct? No, incorrect.", false, SourceAmbiguous},
		{"partial credit marker", "判断结果：部分正确", false, SourceAmbiguous},
		{"not entirely correct marker", "判断结果：不完全正确", false, SourceAmbiguous},
		{"english partial marker", "Verdict: partially correct", false, SourceAmbiguous},
		{"partial credit keywords", "思路基本对，答案部分正确。", false, SourceAmbiguous},
		{"hedged marker is not overridden by earlier marker", "判断结果：正确\n复核后\n判断结果：部分正确", false, SourceAmbiguous},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v := Judge(p, c.text)
			assert.Equal(t, c.correct, v.Correct)
			assert.Equal(t, c.source, v.Source)
		})
	}
}

func newResolver(t *testing.T) (*Resolver, *GormAnswerBook) {
	t.Helper()
	db := dbtest.Open(t, &Record{}, &AnswerRecord{})
	book := NewGormAnswerBook(db)
	return NewResolver(db, book, config.DefaultPolicy().Grading), book
}

func TestResolve_TombstonesPreviousRecords(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, Input{UserID: 1, QuestionID: 10, UserAnswer: "A", ResponseText: "判断结果：错误"})
	require.NoError(t, err)
	assert.False(t, first.IsCorrect)

	second, err := r.Resolve(ctx, Input{UserID: 1, QuestionID: 10, UserAnswer: "B", ResponseText: "判断结果：正确"})
	require.NoError(t, err)
	assert.True(t, second.IsCorrect)

	history, err := r.History(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.False(t, history[0].Deleted)
	assert.True(t, history[1].Deleted)
	assert.Nil(t, history[1].ActiveKey)

	latest, err := r.Latest(ctx, 1, 10)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)
}

func TestResolve_ConcurrentCallsLeaveOneActive(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(ctx, Input{UserID: 2, QuestionID: 20, ResponseText: "判断结果：正确"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var active int64
	require.NoError(t, r.db.Model(&Record{}).Where("user_id = ? AND question_id = ? AND deleted = ?", 2, 20, false).Count(&active).Error)
	assert.Equal(t, int64(1), active)
}

func TestResolve_CorrectVerdictMarksLatestAnswer(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.Local)
	older := AnswerRecord{UserID: 3, QuestionID: 30, UserAnswer: "x", CreateTime: base}
	newer := AnswerRecord{UserID: 3, QuestionID: 30, UserAnswer: "y", CreateTime: base.Add(time.Minute)}
	require.NoError(t, r.db.Create(&older).Error)
	require.NoError(t, r.db.Create(&newer).Error)

	_, err := r.Resolve(ctx, Input{UserID: 3, QuestionID: 30, ResponseText: "判断结果：正确"})
	require.NoError(t, err)

	var got []AnswerRecord
	require.NoError(t, r.db.Order("id ASC").Find(&got).Error)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].IsCorrect)
	assert.Equal(t, 1, got[1].IsCorrect)
	assert.Equal(t, 1, got[1].Score)
}

func TestResolve_IncorrectVerdictLeavesAnswersAlone(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	ans := AnswerRecord{UserID: 4, QuestionID: 40, UserAnswer: "z"}
	require.NoError(t, r.db.Create(&ans).Error)

	_, err := r.Resolve(ctx, Input{UserID: 4, QuestionID: 40, ResponseText: "判断结果：错误"})
	require.NoError(t, err)

	var got AnswerRecord
	require.NoError(t, r.db.First(&got, ans.ID).Error)
	assert.Equal(t, 0, got.IsCorrect)
}

func TestGormAnswerBook_NoAnswerIsNoop(t *testing.T) {
	_, book := newResolver(t)
	assert.NoError(t, book.MarkLatestCorrect(context.Background(), 99, 99))
}

func TestResolver_SetPolicy(t *testing.T) {
	r, _ := newResolver(t)
	r.SetPolicy(config.GradingPolicy{CorrectWords: []string{"对"}, IncorrectWords: []string{"不对"}})
	assert.True(t, r.Judge("对").Correct)
	assert.False(t, r.Judge("不对").Correct)
}
