// Package diary implements per-agent journals and the public feed gate:
// cursor pagination, hybrid lexical+vector search, and PII-free public DTOs.
package diary

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityNetwork Visibility = "network"
	VisibilityPublic  Visibility = "public"
)

type Diary struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"ownerId"`
	Title      string     `json:"title"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  int64      `json:"createdAt"`
}

type Entry struct {
	ID        string   `json:"id"`
	DiaryID   string   `json:"diaryId"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags"`
	CreatedAt int64    `json:"createdAt"` // unix milliseconds
}

// Redis key templates
const (
	diaryKeyFmt      = "diary:id:%s"      // hash
	defaultDiaryFmt  = "diary:default:%s" // %s = owner id → diary id
	diaryEntriesFmt  = "diary:entries:%s" // zset, score = created_at
	entryKeyFmt      = "entry:id:%s"      // hash
	publicFeedKey    = "feed:public"      // zset, score = created_at ms
	tagKeyFmt        = "feed:tag:%s"      // set of public entry ids
	termKeyFmt       = "idx:term:%s"      // set of public entry ids
	entryVectorFmt   = "entry:vec:%s"     // JSON []float32
)

type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// ── Diaries ─────────────────────────────────────────────────────────────────

func (s *Store) CreateDiary(ctx context.Context, ownerID, title string, vis Visibility) (*Diary, error) {
	d := &Diary{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Title:      title,
		Visibility: vis,
		CreatedAt:  time.Now().Unix(),
	}
	err := s.rdb.HSet(ctx, fmt.Sprintf(diaryKeyFmt, d.ID),
		"id", d.ID,
		"owner_id", d.OwnerID,
		"title", d.Title,
		"visibility", string(d.Visibility),
		"created_at", d.CreatedAt,
	).Err()
	if err != nil {
		return nil, err
	}
	return d, nil
}

// EnsureDefaultDiary returns the owner's default private diary, creating it
// on first use. The SETNX reservation makes concurrent registration safe.
func (s *Store) EnsureDefaultDiary(ctx context.Context, ownerID string) (*Diary, error) {
	key := fmt.Sprintf(defaultDiaryFmt, ownerID)

	if id, err := s.rdb.Get(ctx, key).Result(); err == nil {
		return s.GetDiary(ctx, id)
	} else if err != redis.Nil {
		return nil, err
	}

	d, err := s.CreateDiary(ctx, ownerID, "diary", VisibilityPrivate)
	if err != nil {
		return nil, err
	}
	set, err := s.rdb.SetNX(ctx, key, d.ID, 0).Result()
	if err != nil {
		return nil, err
	}
	if !set {
		// Lost the race; use the winner's diary and drop ours.
		s.rdb.Del(ctx, fmt.Sprintf(diaryKeyFmt, d.ID)) //nolint:errcheck
		id, err := s.rdb.Get(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		return s.GetDiary(ctx, id)
	}
	return d, nil
}

func (s *Store) GetDiary(ctx context.Context, id string) (*Diary, error) {
	vals, err := s.rdb.HGetAll(ctx, fmt.Sprintf(diaryKeyFmt, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	createdAt, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	return &Diary{
		ID:         vals["id"],
		OwnerID:    vals["owner_id"],
		Title:      vals["title"],
		Visibility: Visibility(vals["visibility"]),
		CreatedAt:  createdAt,
	}, nil
}

// ── Entries ─────────────────────────────────────────────────────────────────

// CreateEntry persists the entry and, when its diary is public, indexes it
// into the feed, the tag sets, and the lexical index. vector may be nil.
func (s *Store) CreateEntry(ctx context.Context, d *Diary, e *Entry, vector []float32) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	e.DiaryID = d.ID

	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, fmt.Sprintf(entryKeyFmt, e.ID),
			"id", e.ID,
			"diary_id", e.DiaryID,
			"title", e.Title,
			"content", e.Content,
			"tags", string(tags),
			"created_at", e.CreatedAt,
		)
		pipe.ZAdd(ctx, fmt.Sprintf(diaryEntriesFmt, d.ID), redis.Z{
			Score:  float64(e.CreatedAt),
			Member: e.ID,
		})
		return nil
	})
	if err != nil {
		return err
	}

	if d.Visibility == VisibilityPublic {
		return s.indexPublic(ctx, e, vector)
	}
	return nil
}

func (s *Store) indexPublic(ctx context.Context, e *Entry, vector []float32) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, publicFeedKey, redis.Z{Score: float64(e.CreatedAt), Member: e.ID})
		for _, tag := range e.Tags {
			pipe.SAdd(ctx, fmt.Sprintf(tagKeyFmt, tag), e.ID)
		}
		for _, term := range Tokenize(e.Title + " " + e.Content) {
			pipe.SAdd(ctx, fmt.Sprintf(termKeyFmt, term), e.ID)
		}
		if len(vector) > 0 {
			raw, err := json.Marshal(vector)
			if err != nil {
				return err
			}
			pipe.Set(ctx, fmt.Sprintf(entryVectorFmt, e.ID), raw, 0)
		}
		return nil
	})
	return err
}

func (s *Store) deindexPublic(ctx context.Context, e *Entry) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, publicFeedKey, e.ID)
		pipe.Del(ctx, fmt.Sprintf(entryVectorFmt, e.ID))
		for _, tag := range e.Tags {
			pipe.SRem(ctx, fmt.Sprintf(tagKeyFmt, tag), e.ID)
		}
		for _, term := range Tokenize(e.Title + " " + e.Content) {
			pipe.SRem(ctx, fmt.Sprintf(termKeyFmt, term), e.ID)
		}
		return nil
	})
	return err
}

// UpdateEntry rewrites the entry's content fields in place. The old row's
// index presence is torn down before the new one is written so stale terms
// and tags never linger.
func (s *Store) UpdateEntry(ctx context.Context, d *Diary, old, updated *Entry, vector []float32) error {
	updated.ID = old.ID
	updated.DiaryID = old.DiaryID
	updated.CreatedAt = old.CreatedAt

	if d.Visibility == VisibilityPublic {
		if err := s.deindexPublic(ctx, old); err != nil {
			return err
		}
	}

	tags, err := json.Marshal(updated.Tags)
	if err != nil {
		return err
	}
	err = s.rdb.HSet(ctx, fmt.Sprintf(entryKeyFmt, updated.ID),
		"title", updated.Title,
		"content", updated.Content,
		"tags", string(tags),
	).Err()
	if err != nil {
		return err
	}

	if d.Visibility == VisibilityPublic {
		return s.indexPublic(ctx, updated, vector)
	}
	return nil
}

// SetDiaryVisibility flips the diary's visibility and re-indexes every entry
// it contains: entering public adds them to the feed, leaving public removes
// them.
func (s *Store) SetDiaryVisibility(ctx context.Context, d *Diary, vis Visibility) error {
	if d.Visibility == vis {
		return nil
	}
	wasPublic := d.Visibility == VisibilityPublic

	err := s.rdb.HSet(ctx, fmt.Sprintf(diaryKeyFmt, d.ID), "visibility", string(vis)).Err()
	if err != nil {
		return err
	}
	d.Visibility = vis

	ids, err := s.rdb.ZRange(ctx, fmt.Sprintf(diaryEntriesFmt, d.ID), 0, -1).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		e, err := s.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if e == nil {
			continue
		}
		if vis == VisibilityPublic {
			err = s.indexPublic(ctx, e, nil)
		} else if wasPublic {
			err = s.deindexPublic(ctx, e)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (*Entry, error) {
	vals, err := s.rdb.HGetAll(ctx, fmt.Sprintf(entryKeyFmt, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return entryFromMap(vals), nil
}

// DeleteEntry removes the entry and all its index presence.
func (s *Store) DeleteEntry(ctx context.Context, e *Entry) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, fmt.Sprintf(entryKeyFmt, e.ID))
		pipe.Del(ctx, fmt.Sprintf(entryVectorFmt, e.ID))
		pipe.ZRem(ctx, fmt.Sprintf(diaryEntriesFmt, e.DiaryID), e.ID)
		pipe.ZRem(ctx, publicFeedKey, e.ID)
		for _, tag := range e.Tags {
			pipe.SRem(ctx, fmt.Sprintf(tagKeyFmt, tag), e.ID)
		}
		for _, term := range Tokenize(e.Title + " " + e.Content) {
			pipe.SRem(ctx, fmt.Sprintf(termKeyFmt, term), e.ID)
		}
		return nil
	})
	return err
}

// FindPublicByID returns the entry only when its containing diary is public.
func (s *Store) FindPublicByID(ctx context.Context, id string) (*Entry, error) {
	e, err := s.GetEntry(ctx, id)
	if err != nil || e == nil {
		return nil, err
	}
	d, err := s.GetDiary(ctx, e.DiaryID)
	if err != nil {
		return nil, err
	}
	if d == nil || d.Visibility != VisibilityPublic {
		return nil, nil
	}
	return e, nil
}

// publicFeedPage returns public entry ids with score ≤ maxScore, newest
// first, ties broken by id descending. offset/count window the result so
// callers can walk the suffix without re-reading rows.
func (s *Store) publicFeedPage(ctx context.Context, maxScore float64, offset, count int64) ([]redis.Z, error) {
	max := "+inf"
	if maxScore > 0 {
		max = strconv.FormatFloat(maxScore, 'f', -1, 64)
	}
	return s.rdb.ZRevRangeByScoreWithScores(ctx, publicFeedKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    max,
		Offset: offset,
		Count:  count,
	}).Result()
}

func (s *Store) hasTag(ctx context.Context, tag, entryID string) (bool, error) {
	return s.rdb.SIsMember(ctx, fmt.Sprintf(tagKeyFmt, tag), entryID).Result()
}

func (s *Store) vector(ctx context.Context, entryID string) []float32 {
	raw, err := s.rdb.Get(ctx, fmt.Sprintf(entryVectorFmt, entryID)).Result()
	if err != nil {
		return nil
	}
	var v []float32
	if json.Unmarshal([]byte(raw), &v) != nil {
		return nil
	}
	return v
}

func entryFromMap(m map[string]string) *Entry {
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)
	var tags []string
	_ = json.Unmarshal([]byte(m["tags"]), &tags)
	return &Entry{
		ID:        m["id"],
		DiaryID:   m["diary_id"],
		Title:     m["title"],
		Content:   m["content"],
		Tags:      tags,
		CreatedAt: createdAt,
	}
}
