package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/common"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/logger"
)

var (
	ErrSessionNotFound = errors.New("chat: session not found")
	ErrEmptyTitle      = errors.New("chat: title must not be empty")
	ErrInvalidRole     = errors.New("chat: invalid role")
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	previewRunes        = 50
	maxTitleRunes       = 128
)

// Service is the conversation history store.
type Service struct {
	repo  *Repo
	clock *turnClock
}

func NewService(repo *Repo) *Service {
	return &Service{repo: repo, clock: &turnClock{now: time.Now}}
}

// turnClock hands out millisecond timestamps that strictly increase within the process,
// so turns appended back to back never share a created_at.
type turnClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func (c *turnClock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().Truncate(time.Millisecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Millisecond)
	}
	c.last = t
	return t
}

func normalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", ErrEmptyTitle
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes])
	}
	return title, nil
}

func (s *Service) CreateSession(ctx context.Context, userID uint64, title string) (*Session, error) {
	t, err := normalizeTitle(title)
	if err != nil {
		t = DefaultTitle
	}
	session := &Session{
		SessionID: common.NewSessionID(),
		UserID:    userID,
		Title:     t,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// CheckOwner returns ErrSessionNotFound when sessionID exists and belongs to someone else.
// An id that does not exist yet is accepted; EnsureSession will create it.
func (s *Service) CheckOwner(ctx context.Context, userID uint64, sessionID string) error {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if sess.UserID != userID {
		return ErrSessionNotFound
	}
	return nil
}

// EnsureSession returns the user's session, creating it under sessionID if missing.
func (s *Service) EnsureSession(ctx context.Context, userID uint64, sessionID, title string) (*Session, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err == nil {
		if sess.UserID != userID {
			return nil, ErrSessionNotFound
		}
		return sess, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	t, terr := normalizeTitle(title)
	if terr != nil {
		t = DefaultTitle
	}
	sess = &Session{SessionID: sessionID, UserID: userID, Title: t}
	if cerr := s.repo.CreateSession(ctx, sess); cerr != nil {
		// Lost a creation race: re-read and check ownership.
		existing, gerr := s.repo.GetSessionBySessionID(ctx, sessionID)
		if gerr != nil {
			return nil, cerr
		}
		if existing.UserID != userID {
			return nil, ErrSessionNotFound
		}
		return existing, nil
	}
	return sess, nil
}

func (s *Service) RenameSession(ctx context.Context, userID uint64, sessionID, title string) error {
	t, err := normalizeTitle(title)
	if err != nil {
		return err
	}
	n, err := s.repo.UpdateSession(ctx, userID, sessionID, map[string]any{"title": t})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// HideSession removes a session from listings. Its turns are kept.
func (s *Service) HideSession(ctx context.Context, userID uint64, sessionID string) error {
	n, err := s.repo.UpdateSession(ctx, userID, sessionID, map[string]any{"hidden": true})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AppendTurn persists t and stamps its CreatedAt.
func (s *Service) AppendTurn(ctx context.Context, t *Turn) error {
	if !t.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, t.Role)
	}
	t.ID = 0
	t.CreatedAt = s.clock.Next()
	if err := s.repo.InsertTurn(ctx, t); err != nil {
		return err
	}
	if err := s.repo.TouchSession(ctx, t.SessionID, t.CreatedAt); err != nil {
		logger.WarnWithFields("touch session failed", logger.Fields{
			"session_id": t.SessionID,
			"error":      err.Error(),
		})
	}
	return nil
}

// GetHistory returns up to limit most recent turns in ascending time order.
func (s *Service) GetHistory(ctx context.Context, userID uint64, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if err := s.CheckOwner(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	desc, err := s.repo.ListRecentTurnsDesc(ctx, userID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Turn, 0, len(desc))
	for i := len(desc) - 1; i >= 0; i-- {
		out = append(out, desc[i])
	}
	return out, nil
}

// ListRecentSessions returns distinct session ids ordered by most recent activity.
func (s *Service) ListRecentSessions(ctx context.Context, userID uint64, limit int) ([]string, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.RecentSessionIDs(ctx, userID, limit)
}

// ListSessions returns visible sessions with a preview of the last turn and the turn count.
func (s *Service) ListSessions(ctx context.Context, userID uint64, limit int) ([]SessionSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	sessions, err := s.repo.ListVisibleSessions(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		sum := SessionSummary{
			SessionID: sess.SessionID,
			Title:     sess.Title,
			UpdatedAt: sess.UpdatedAt,
		}
		n, err := s.repo.CountTurns(ctx, userID, sess.SessionID)
		if err != nil {
			return nil, err
		}
		sum.MessageCount = n
		if n > 0 {
			last, err := s.repo.LastTurn(ctx, userID, sess.SessionID)
			if err != nil {
				return nil, err
			}
			sum.Preview = preview(last.Content)
		}
		out = append(out, sum)
	}
	return out, nil
}

func preview(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= previewRunes {
		return content
	}
	return string([]rune(content)[:previewRunes]) + "..."
}

// Jobs

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJobByID(ctx, jobID)
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.ID == "" {
		id, err := common.NewULID()
		if err != nil {
			return nil, false, err
		}
		job.ID = id
	}
	if job.Status == "" {
		job.Status = JobQueued
	}
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

func (s *Service) ClaimJob(ctx context.Context, jobID string, takeover bool, staleAfter time.Duration) (bool, error) {
	return s.repo.ClaimJob(ctx, jobID, takeover, staleAfter)
}

func (s *Service) MarkJobSucceeded(ctx context.Context, jobID string, turnID uint64, isCorrect *bool) error {
	return s.repo.MarkJobSucceeded(ctx, jobID, turnID, isCorrect)
}

func (s *Service) MarkJobFailed(ctx context.Context, jobID string, errMsg string) error {
	return s.repo.MarkJobFailed(ctx, jobID, errMsg)
}
