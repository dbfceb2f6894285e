package relation

import "context"

// Checker evaluates the derived permissions:
//
//	DiaryEntry.view   ⇐ owner ∨ viewer ∨ parent.read
//	DiaryEntry.edit   ⇐ owner
//	DiaryEntry.delete ⇐ owner
//	DiaryEntry.share  ⇐ owner
//	Diary.read        ⇐ owner ∨ reader
//	Diary.write       ⇐ owner ∨ writer
//	Diary.manage      ⇐ owner
type Checker struct {
	store Store
}

func NewChecker(store Store) *Checker {
	return &Checker{store: store}
}

// check is the deny-on-error primitive behind every permission.
func (c *Checker) check(ctx context.Context, ns Namespace, object string, rel Relation, subject string) bool {
	ok, err := c.store.Check(ctx, Tuple{Namespace: ns, Object: object, Relation: rel, Subject: subject})
	if err != nil {
		return false
	}
	return ok
}

// ── Diary permissions ───────────────────────────────────────────────────────

func (c *Checker) CanRead(ctx context.Context, diaryID, agentID string) bool {
	return c.check(ctx, NamespaceDiary, diaryID, RelationOwner, agentID) ||
		c.check(ctx, NamespaceDiary, diaryID, RelationReader, agentID)
}

func (c *Checker) CanWrite(ctx context.Context, diaryID, agentID string) bool {
	return c.check(ctx, NamespaceDiary, diaryID, RelationOwner, agentID) ||
		c.check(ctx, NamespaceDiary, diaryID, RelationWriter, agentID)
}

// CanManageDiary gates owner-only operations like visibility changes.
func (c *Checker) CanManageDiary(ctx context.Context, diaryID, agentID string) bool {
	return c.check(ctx, NamespaceDiary, diaryID, RelationOwner, agentID)
}

// ── Entry permissions ───────────────────────────────────────────────────────

func (c *Checker) CanViewEntry(ctx context.Context, entryID, agentID string) bool {
	if c.check(ctx, NamespaceDiaryEntry, entryID, RelationOwner, agentID) {
		return true
	}
	if c.check(ctx, NamespaceDiaryEntry, entryID, RelationViewer, agentID) {
		return true
	}
	// parent.read: readable via any containing diary
	parents, err := c.store.Subjects(ctx, NamespaceDiaryEntry, entryID, RelationParent)
	if err != nil {
		return false
	}
	for _, diaryID := range parents {
		if c.CanRead(ctx, diaryID, agentID) {
			return true
		}
	}
	return false
}

func (c *Checker) CanEditEntry(ctx context.Context, entryID, agentID string) bool {
	return c.check(ctx, NamespaceDiaryEntry, entryID, RelationOwner, agentID)
}

func (c *Checker) CanDeleteEntry(ctx context.Context, entryID, agentID string) bool {
	return c.check(ctx, NamespaceDiaryEntry, entryID, RelationOwner, agentID)
}

func (c *Checker) CanShareEntry(ctx context.Context, entryID, agentID string) bool {
	return c.check(ctx, NamespaceDiaryEntry, entryID, RelationOwner, agentID)
}

// ── Mutators ────────────────────────────────────────────────────────────────

func (c *Checker) GrantOwnership(ctx context.Context, entryID, agentID string) error {
	return c.store.Write(ctx, Tuple{NamespaceDiaryEntry, entryID, RelationOwner, agentID})
}

func (c *Checker) GrantViewer(ctx context.Context, entryID, agentID string) error {
	return c.store.Write(ctx, Tuple{NamespaceDiaryEntry, entryID, RelationViewer, agentID})
}

func (c *Checker) RevokeViewer(ctx context.Context, entryID, agentID string) error {
	return c.store.Delete(ctx, Tuple{NamespaceDiaryEntry, entryID, RelationViewer, agentID})
}

// SetEntryParent links an entry to its containing diary so parent.read works.
func (c *Checker) SetEntryParent(ctx context.Context, entryID, diaryID string) error {
	return c.store.Write(ctx, Tuple{NamespaceDiaryEntry, entryID, RelationParent, diaryID})
}

func (c *Checker) RegisterAgent(ctx context.Context, agentID string) error {
	return c.store.Write(ctx, Tuple{NamespaceAgent, agentID, RelationSelf, agentID})
}

func (c *Checker) GrantDiaryOwner(ctx context.Context, diaryID, agentID string) error {
	return c.store.Write(ctx, Tuple{NamespaceDiary, diaryID, RelationOwner, agentID})
}

func (c *Checker) GrantDiaryReader(ctx context.Context, diaryID, agentID string) error {
	return c.store.Write(ctx, Tuple{NamespaceDiary, diaryID, RelationReader, agentID})
}

func (c *Checker) RemoveEntryRelations(ctx context.Context, entryID string) error {
	return c.store.DeleteObject(ctx, NamespaceDiaryEntry, entryID)
}
