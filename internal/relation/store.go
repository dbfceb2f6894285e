// Package relation implements the relationship-tuple permission model:
// (namespace, object, relation, subject) tuples with derived permissions for
// diaries and diary entries. Checks are single positive queries; a store
// error is always treated as deny.
package relation

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Namespace string

const (
	NamespaceAgent      Namespace = "Agent"
	NamespaceDiary      Namespace = "Diary"
	NamespaceDiaryEntry Namespace = "DiaryEntry"
)

type Relation string

const (
	RelationOwner  Relation = "owner"
	RelationWriter Relation = "writer"
	RelationReader Relation = "reader"
	RelationViewer Relation = "viewer"
	RelationSelf   Relation = "self"
	RelationParent Relation = "parent"
)

// allRelations is the closed relation set; DeleteObject sweeps all of them.
var allRelations = []Relation{
	RelationOwner, RelationWriter, RelationReader,
	RelationViewer, RelationSelf, RelationParent,
}

type Tuple struct {
	Namespace Namespace
	Object    string
	Relation  Relation
	Subject   string
}

// Store is the tuple store consumed by the permission checker. Writes are
// idempotent: re-creating an existing tuple or deleting a missing one is not
// an error.
type Store interface {
	Write(ctx context.Context, t Tuple) error
	Delete(ctx context.Context, t Tuple) error
	Check(ctx context.Context, t Tuple) (bool, error)
	Subjects(ctx context.Context, ns Namespace, object string, rel Relation) ([]string, error)
	DeleteObject(ctx context.Context, ns Namespace, object string) error
}

// RedisStore keeps each (namespace, object, relation) as a Redis set of
// subjects.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func tupleKey(ns Namespace, object string, rel Relation) string {
	return fmt.Sprintf("rel:%s:%s:%s", ns, object, rel)
}

func (s *RedisStore) Write(ctx context.Context, t Tuple) error {
	return s.rdb.SAdd(ctx, tupleKey(t.Namespace, t.Object, t.Relation), t.Subject).Err()
}

func (s *RedisStore) Delete(ctx context.Context, t Tuple) error {
	return s.rdb.SRem(ctx, tupleKey(t.Namespace, t.Object, t.Relation), t.Subject).Err()
}

func (s *RedisStore) Check(ctx context.Context, t Tuple) (bool, error) {
	return s.rdb.SIsMember(ctx, tupleKey(t.Namespace, t.Object, t.Relation), t.Subject).Result()
}

func (s *RedisStore) Subjects(ctx context.Context, ns Namespace, object string, rel Relation) ([]string, error) {
	return s.rdb.SMembers(ctx, tupleKey(ns, object, rel)).Result()
}

func (s *RedisStore) DeleteObject(ctx context.Context, ns Namespace, object string) error {
	keys := make([]string, 0, len(allRelations))
	for _, rel := range allRelations {
		keys = append(keys, tupleKey(ns, object, rel))
	}
	return s.rdb.Del(ctx, keys...).Err()
}
