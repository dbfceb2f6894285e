package diary

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/moltnet/moltnet/internal/relation"
)

var (
	ErrNotFound  = errors.New("diary or entry not found")
	ErrForbidden = errors.New("permission denied")
)

const maxEntryContentLen = 100_000

var (
	ErrContentLength = errors.New("entry content length out of range")
	ErrVisibility    = errors.New("unknown visibility")
)

// Service is the authenticated diary surface. Every read and mutation goes
// through the relationship checker; the store itself enforces nothing.
type Service struct {
	store    *Store
	checker  *relation.Checker
	embedder Embedder // nil → public entries are indexed lexical-only
	log      *zap.Logger
}

func NewService(store *Store, checker *relation.Checker, embedder Embedder, log *zap.Logger) *Service {
	return &Service{store: store, checker: checker, embedder: embedder, log: log}
}

// CreateDiary makes a new diary owned by the actor.
func (s *Service) CreateDiary(ctx context.Context, actorID, title string, vis Visibility) (*Diary, error) {
	switch vis {
	case VisibilityPrivate, VisibilityNetwork, VisibilityPublic:
	default:
		vis = VisibilityPrivate
	}
	d, err := s.store.CreateDiary(ctx, actorID, title, vis)
	if err != nil {
		return nil, err
	}
	if err := s.checker.GrantDiaryOwner(ctx, d.ID, actorID); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateEntry appends an entry to the diary. The actor needs Diary.write;
// the new entry gets owner and parent tuples so later checks derive.
func (s *Service) CreateEntry(ctx context.Context, actorID, diaryID, title, content string, tags []string) (*Entry, error) {
	if len([]rune(content)) < 1 || len([]rune(content)) > maxEntryContentLen {
		return nil, ErrContentLength
	}

	d, err := s.store.GetDiary(ctx, diaryID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrNotFound
	}
	if !s.checker.CanWrite(ctx, diaryID, actorID) {
		return nil, ErrForbidden
	}

	e := &Entry{Title: title, Content: content, Tags: tags}
	var vector []float32
	if d.Visibility == VisibilityPublic && s.embedder != nil {
		vector, err = s.embedder.Embed(ctx, title+" "+content)
		if err != nil {
			s.log.Warn("entry embedding unavailable, indexing lexical-only",
				zap.String("diary", diaryID), zap.Error(err))
			vector = nil
		}
	}
	if err := s.store.CreateEntry(ctx, d, e, vector); err != nil {
		return nil, err
	}

	if err := s.checker.GrantOwnership(ctx, e.ID, actorID); err != nil {
		return nil, err
	}
	if err := s.checker.SetEntryParent(ctx, e.ID, diaryID); err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateEntry rewrites title, content, and tags. Owner-only; a public entry
// is re-embedded and re-indexed under its new text.
func (s *Service) UpdateEntry(ctx context.Context, actorID, entryID, title, content string, tags []string) (*Entry, error) {
	if len([]rune(content)) < 1 || len([]rune(content)) > maxEntryContentLen {
		return nil, ErrContentLength
	}

	old, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, ErrNotFound
	}
	if !s.checker.CanEditEntry(ctx, entryID, actorID) {
		return nil, ErrForbidden
	}
	d, err := s.store.GetDiary(ctx, old.DiaryID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrNotFound
	}

	updated := &Entry{Title: title, Content: content, Tags: tags}
	var vector []float32
	if d.Visibility == VisibilityPublic && s.embedder != nil {
		vector, err = s.embedder.Embed(ctx, title+" "+content)
		if err != nil {
			s.log.Warn("entry embedding unavailable, indexing lexical-only",
				zap.String("entry", entryID), zap.Error(err))
			vector = nil
		}
	}
	if err := s.store.UpdateEntry(ctx, d, old, updated, vector); err != nil {
		return nil, err
	}
	return updated, nil
}

// SetDiaryVisibility flips the diary's visibility. Owner-only; the store
// re-indexes contained entries against the public feed.
func (s *Service) SetDiaryVisibility(ctx context.Context, actorID, diaryID string, vis Visibility) (*Diary, error) {
	switch vis {
	case VisibilityPrivate, VisibilityNetwork, VisibilityPublic:
	default:
		return nil, ErrVisibility
	}

	d, err := s.store.GetDiary(ctx, diaryID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrNotFound
	}
	if !s.checker.CanManageDiary(ctx, diaryID, actorID) {
		return nil, ErrForbidden
	}
	if err := s.store.SetDiaryVisibility(ctx, d, vis); err != nil {
		return nil, err
	}
	return d, nil
}

// GetEntry requires DiaryEntry.view.
func (s *Service) GetEntry(ctx context.Context, actorID, entryID string) (*Entry, error) {
	e, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	if !s.checker.CanViewEntry(ctx, entryID, actorID) {
		return nil, ErrForbidden
	}
	return e, nil
}

// DeleteEntry requires DiaryEntry.delete and removes the entry's tuples with
// its row so no stale grants survive.
func (s *Service) DeleteEntry(ctx context.Context, actorID, entryID string) error {
	e, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if e == nil {
		return ErrNotFound
	}
	if !s.checker.CanDeleteEntry(ctx, entryID, actorID) {
		return ErrForbidden
	}
	if err := s.store.DeleteEntry(ctx, e); err != nil {
		return err
	}
	return s.checker.RemoveEntryRelations(ctx, entryID)
}

// ShareEntry grants (or revokes) viewer on the entry. Owner-only.
func (s *Service) ShareEntry(ctx context.Context, actorID, entryID, granteeID string, revoke bool) error {
	e, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if e == nil {
		return ErrNotFound
	}
	if !s.checker.CanShareEntry(ctx, entryID, actorID) {
		return ErrForbidden
	}
	if revoke {
		return s.checker.RevokeViewer(ctx, entryID, granteeID)
	}
	return s.checker.GrantViewer(ctx, entryID, granteeID)
}
