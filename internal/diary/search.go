package diary

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/redis/go-redis/v9"
)

// rrfK is the rank-fusion constant. 60 is the value from the original
// reciprocal-rank-fusion paper and keeps single-list results stable.
const rrfK = 60

// Embedder produces a 384-dim embedding for a query or entry. Optional: a
// nil Embedder (or an embed failure) degrades search to lexical-only.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type ScoredEntry struct {
	Entry *Entry
	Score float64
}

// Searcher answers hybrid feed queries. embedding may be nil.
type Searcher interface {
	Search(ctx context.Context, q string, embedding []float32, tag string, limit int) ([]ScoredEntry, error)
}

// RedisSearcher ranks public entries by fusing a lexical term-match list with
// a cosine-similarity list over stored entry vectors.
type RedisSearcher struct {
	rdb   *redis.Client
	store *Store
}

func NewRedisSearcher(rdb *redis.Client, store *Store) *RedisSearcher {
	return &RedisSearcher{rdb: rdb, store: store}
}

func (s *RedisSearcher) Search(ctx context.Context, q string, embedding []float32, tag string, limit int) ([]ScoredEntry, error) {
	lexical, err := s.lexicalRanks(ctx, q)
	if err != nil {
		return nil, err
	}

	var vector []string
	if len(embedding) > 0 {
		vector, err = s.vectorRanks(ctx, embedding)
		if err != nil {
			return nil, err
		}
	}

	fused := fuse(lexical, vector)

	out := make([]ScoredEntry, 0, limit)
	for _, cand := range fused {
		if len(out) >= limit {
			break
		}
		if tag != "" {
			ok, err := s.store.hasTag(ctx, tag, cand.id)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		e, err := s.store.FindPublicByID(ctx, cand.id)
		if err != nil {
			return nil, err
		}
		if e == nil {
			continue
		}
		out = append(out, ScoredEntry{Entry: e, Score: cand.score})
	}
	return out, nil
}

// lexicalRanks orders candidates by how many query terms they match, ties
// broken by recency in the public feed.
func (s *RedisSearcher) lexicalRanks(ctx context.Context, q string) ([]string, error) {
	terms := Tokenize(q)
	if len(terms) == 0 {
		return nil, nil
	}

	hits := map[string]int{}
	for _, term := range terms {
		ids, err := s.rdb.SMembers(ctx, fmt.Sprintf(termKeyFmt, term)).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			hits[id]++
		}
	}

	ids := make([]string, 0, len(hits))
	for id := range hits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if hits[ids[i]] != hits[ids[j]] {
			return hits[ids[i]] > hits[ids[j]]
		}
		si, _ := s.rdb.ZScore(ctx, publicFeedKey, ids[i]).Result()
		sj, _ := s.rdb.ZScore(ctx, publicFeedKey, ids[j]).Result()
		if si != sj {
			return si > sj
		}
		return ids[i] > ids[j]
	})
	return ids, nil
}

// vectorRanks orders public entries that carry a stored vector by cosine
// similarity to the query embedding.
func (s *RedisSearcher) vectorRanks(ctx context.Context, embedding []float32) ([]string, error) {
	members, err := s.rdb.ZRevRange(ctx, publicFeedKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	type scored struct {
		id  string
		sim float64
	}
	var cands []scored
	for _, id := range members {
		v := s.store.vector(ctx, id)
		if len(v) == 0 {
			continue
		}
		cands = append(cands, scored{id: id, sim: cosine(embedding, v)})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].sim != cands[j].sim {
			return cands[i].sim > cands[j].sim
		}
		return cands[i].id > cands[j].id
	})

	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	return ids, nil
}

type fusedCandidate struct {
	id    string
	score float64
}

// fuse combines ranked id lists with reciprocal rank fusion:
// score(id) = Σ 1/(rrfK + rank) over the lists that contain id.
func fuse(lists ...[]string) []fusedCandidate {
	scores := map[string]float64{}
	for _, list := range lists {
		for rank, id := range list {
			scores[id] += 1.0 / float64(rrfK+rank+1)
		}
	}

	out := make([]fusedCandidate, 0, len(scores))
	for id, score := range scores {
		out = append(out, fusedCandidate{id: id, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id > out[j].id
	})
	return out
}

func cosine(a []float32, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Tokenize lowercases and splits on non-alphanumeric runes, dropping terms
// shorter than 2 runes.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	seen := map[string]bool{}
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
