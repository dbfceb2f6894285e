package diary

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
)

const (
	feedDefaultLimit = 20
	feedMaxLimit     = 50
)

var ErrInvalidCursor = errors.New("malformed pagination cursor")

// AuthorDirectory resolves a diary owner to public author attributes.
// Implemented by the registry's agent store via a thin adapter.
type AuthorDirectory interface {
	AuthorByID(ctx context.Context, identityID string) (fingerprint, publicKey string, err error)
}

// Author is the only identity surface the public feed exposes. Owner ids,
// embeddings, and internal timestamps never leave the gate.
type Author struct {
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"publicKey"`
}

type PublicEntry struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags"`
	CreatedAt int64    `json:"createdAt"`
	Author    Author   `json:"author"`
}

type FeedPage struct {
	Entries    []PublicEntry `json:"entries"`
	NextCursor string        `json:"nextCursor,omitempty"`
	HasMore    bool          `json:"hasMore"`
}

// cursor pins a position in the (createdAt DESC, id DESC) ordering.
type cursor struct {
	CreatedAt int64  `json:"createdAt"`
	ID        string `json:"id"`
}

func encodeCursor(c cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (*cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil || c.CreatedAt <= 0 || c.ID == "" {
		return nil, ErrInvalidCursor
	}
	return &c, nil
}

// FeedGate is the public read surface over diaries: listing, lookup, and
// hybrid search, all restricted to entries in public diaries.
type FeedGate struct {
	store    *Store
	searcher Searcher
	embedder Embedder // nil → lexical-only search
	authors  AuthorDirectory
	log      *zap.Logger
}

func NewFeedGate(store *Store, searcher Searcher, embedder Embedder, authors AuthorDirectory, log *zap.Logger) *FeedGate {
	return &FeedGate{store: store, searcher: searcher, embedder: embedder, authors: authors, log: log}
}

// List pages the public feed newest-first. cursorStr resumes after a prior
// page's last entry; tag filters to entries carrying the tag.
func (g *FeedGate) List(ctx context.Context, cursorStr, tag string, limit int) (*FeedPage, error) {
	if limit <= 0 {
		limit = feedDefaultLimit
	}
	if limit > feedMaxLimit {
		limit = feedMaxLimit
	}

	var after *cursor
	if cursorStr != "" {
		c, err := decodeCursor(cursorStr)
		if err != nil {
			return nil, err
		}
		after = c
	}

	page := &FeedPage{Entries: []PublicEntry{}}
	maxScore := float64(0)
	if after != nil {
		maxScore = float64(after.CreatedAt)
	}

	// Over-fetch one past the limit to learn hasMore; keep pulling windows
	// at increasing offsets while tag filtering and cursor ties eat into
	// the page.
	window := int64(limit) + 1
	offset := int64(0)
	for {
		rows, err := g.store.publicFeedPage(ctx, maxScore, offset, window)
		if err != nil {
			return nil, err
		}

		for _, z := range rows {
			id := z.Member.(string)
			createdAt := int64(z.Score)

			if after != nil && createdAt == after.CreatedAt && id >= after.ID {
				continue
			}
			if tag != "" {
				ok, err := g.store.hasTag(ctx, tag, id)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}

			pe, err := g.publicDTO(ctx, id)
			if err != nil {
				return nil, err
			}
			if pe == nil {
				continue
			}

			// The over-fetched candidate only counts once it resolved, so a
			// filtered-out tail never advertises a page that turns up empty.
			if len(page.Entries) == limit {
				page.HasMore = true
				prev := page.Entries[len(page.Entries)-1]
				page.NextCursor = encodeCursor(cursor{CreatedAt: prev.CreatedAt, ID: prev.ID})
				return page, nil
			}
			page.Entries = append(page.Entries, *pe)
		}

		if int64(len(rows)) < window {
			return page, nil
		}
		offset += int64(len(rows))
	}
}

// Get returns the entry iff it lives in a public diary.
func (g *FeedGate) Get(ctx context.Context, id string) (*PublicEntry, error) {
	e, err := g.store.FindPublicByID(ctx, id)
	if err != nil || e == nil {
		return nil, err
	}
	return g.toDTO(ctx, e)
}

// Search runs the hybrid query. Embedding failures are logged and degrade to
// lexical-only; they never fail the request.
func (g *FeedGate) Search(ctx context.Context, q, tag string, limit int) ([]PublicEntry, error) {
	if limit <= 0 {
		limit = feedDefaultLimit
	}
	if limit > feedMaxLimit {
		limit = feedMaxLimit
	}

	var embedding []float32
	if g.embedder != nil {
		var err error
		embedding, err = g.embedder.Embed(ctx, q)
		if err != nil {
			g.log.Warn("feed search: embedding unavailable, lexical-only", zap.Error(err))
			embedding = nil
		}
	}

	scored, err := g.searcher.Search(ctx, q, embedding, tag, limit)
	if err != nil {
		return nil, err
	}

	out := make([]PublicEntry, 0, len(scored))
	for _, s := range scored {
		pe, err := g.toDTO(ctx, s.Entry)
		if err != nil {
			return nil, err
		}
		if pe != nil {
			out = append(out, *pe)
		}
	}
	return out, nil
}

func (g *FeedGate) publicDTO(ctx context.Context, id string) (*PublicEntry, error) {
	e, err := g.store.FindPublicByID(ctx, id)
	if err != nil || e == nil {
		return nil, err
	}
	return g.toDTO(ctx, e)
}

func (g *FeedGate) toDTO(ctx context.Context, e *Entry) (*PublicEntry, error) {
	d, err := g.store.GetDiary(ctx, e.DiaryID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, nil
	}
	fp, pk, err := g.authors.AuthorByID(ctx, d.OwnerID)
	if err != nil {
		// Author lookup failures hide the entry rather than leaking a
		// half-attributed row.
		g.log.Warn("feed: author lookup failed", zap.String("entry", e.ID), zap.Error(err))
		return nil, nil
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	return &PublicEntry{
		ID:        e.ID,
		Title:     e.Title,
		Content:   e.Content,
		Tags:      tags,
		CreatedAt: e.CreatedAt,
		Author:    Author{Fingerprint: fp, PublicKey: pk},
	}, nil
}
