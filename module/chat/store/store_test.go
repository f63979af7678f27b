package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"KelmahIM/data/database/mgo/mongoutil"
	"KelmahIM/module/chat/model"
	"KelmahIM/tools/errs"
	"KelmahIM/tools/ids"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository(t *testing.T) {
	runRepositorySuite(t, func(t *testing.T) Repository { return NewMemory() })
}

// KIM_TEST_MONGO_URI must point at a replica set, e.g. mongodb://localhost:27017/?replicaSet=rs0
func TestMongoRepository(t *testing.T) {
	uri := os.Getenv("KIM_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("KIM_TEST_MONGO_URI not set")
	}
	for _, tx := range []bool{true, false} {
		t.Run(fmt.Sprintf("transactions=%v", tx), func(t *testing.T) {
			runRepositorySuite(t, func(t *testing.T) Repository {
				ctx := context.Background()
				cli, err := mongoutil.NewMongoDB(ctx, &mongoutil.Config{Uri: uri, Database: "kim_test_" + ids.GenerateString()})
				require.NoError(t, err)
				t.Cleanup(func() {
					_ = cli.GetDB().Drop(ctx)
					_ = cli.Close(ctx)
				})
				repo := NewMongo(cli.GetDB(), tx)
				require.NoError(t, repo.EnsureIndexes(ctx))
				return repo
			})
		})
	}
}

func newConv(typ model.ConversationType, participants ...string) *model.Conversation {
	now := time.Now().UTC().Truncate(time.Millisecond)
	c := &model.Conversation{
		ID:           ids.GenerateString(),
		Type:         typ,
		Participants: model.NewUserSet(participants...),
		CreatedBy:    participants[0],
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if typ == model.ConversationDirect {
		c.DirectKey = model.DirectKey(participants[0], participants[1])
	}
	return c
}

func newMsg(convID, sender, content string, at time.Time) *model.Message {
	return &model.Message{
		ID:             ids.GenerateString(),
		ConversationID: convID,
		SenderID:       sender,
		Type:           model.MessageText,
		Content:        content,
		ReadStatus:     map[string]time.Time{},
		Status:         model.StatusSent,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func summary(m *model.Message) model.LastMessage {
	return model.LastMessage{MessageID: m.ID, SenderID: m.SenderID, Preview: m.Content, At: m.CreatedAt}
}

func runRepositorySuite(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("direct upsert is idempotent under concurrency", func(t *testing.T) {
		repo := newRepo(t)
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			got     = map[string]int{}
			created int
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a, b := "u1", "u2"
				if i%2 == 1 {
					a, b = b, a
				}
				c, isNew, err := repo.FindOrCreateDirect(ctx, newConv(model.ConversationDirect, a, b))
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				got[c.ID]++
				if isNew {
					created++
				}
				mu.Unlock()
			}(i)
		}
		wg.Wait()
		assert.Len(t, got, 1)
		assert.Equal(t, 1, created)
	})

	t.Run("job upsert keyed by job id", func(t *testing.T) {
		repo := newRepo(t)
		c1 := newConv(model.ConversationJob, "hirer", "worker")
		c1.JobID = "job-" + ids.GenerateString()
		first, isNew, err := repo.FindOrCreateJob(ctx, c1)
		require.NoError(t, err)
		assert.True(t, isNew)

		c2 := newConv(model.ConversationJob, "hirer", "worker")
		c2.JobID = c1.JobID
		second, isNew, err := repo.FindOrCreateJob(ctx, c2)
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("get missing conversation", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetConversation(ctx, "nope")
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("update is atomic per conversation", func(t *testing.T) {
		repo := newRepo(t)
		c := newConv(model.ConversationGroup, "owner")
		require.NoError(t, repo.InsertConversation(ctx, c))

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := repo.UpdateConversation(ctx, c.ID, func(c *model.Conversation) error {
					c.Participants.Add(fmt.Sprintf("member-%d", i))
					return nil
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
		got, err := repo.GetConversation(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 11, got.Participants.Len())
	})

	t.Run("update error leaves the record untouched", func(t *testing.T) {
		repo := newRepo(t)
		c := newConv(model.ConversationGroup, "owner")
		require.NoError(t, repo.InsertConversation(ctx, c))
		_, err := repo.UpdateConversation(ctx, c.ID, func(c *model.Conversation) error {
			c.Participants.Add("x")
			return errs.ErrForbidden.Wrap()
		})
		assert.ErrorIs(t, err, errs.ErrForbidden)
		got, err := repo.GetConversation(ctx, c.ID)
		require.NoError(t, err)
		assert.False(t, got.IsParticipant("x"))
	})

	t.Run("summary keeps the latest timestamp", func(t *testing.T) {
		repo := newRepo(t)
		c := newConv(model.ConversationDirect, "u1", "u2")
		_, _, err := repo.FindOrCreateDirect(ctx, c)
		require.NoError(t, err)

		base := time.Now().UTC().Truncate(time.Millisecond)
		late := newMsg(c.ID, "u2", "later", base.Add(time.Second))
		early := newMsg(c.ID, "u1", "earlier", base)

		var wg sync.WaitGroup
		for _, m := range []*model.Message{late, early} {
			wg.Add(1)
			go func(m *model.Message) {
				defer wg.Done()
				assert.NoError(t, repo.InsertMessage(ctx, m, summary(m)))
			}(m)
		}
		wg.Wait()

		got, err := repo.GetConversation(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, late.ID, got.LastMessageID)
		assert.Equal(t, "later", got.LastMessagePreview)
		assert.True(t, got.LastMessageAt.Equal(late.CreatedAt))

		_, applied, err := repo.ApplyLastMessage(ctx, c.ID, summary(early))
		require.NoError(t, err)
		assert.False(t, applied)

		_, total, err := repo.ListMessages(ctx, c.ID, model.Page{})
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
	})

	t.Run("insert into missing conversation fails", func(t *testing.T) {
		repo := newRepo(t)
		m := newMsg("ghost", "u1", "x", time.Now().UTC())
		err := repo.InsertMessage(ctx, m, summary(m))
		assert.Error(t, err)
	})

	t.Run("insert re-checks the sender", func(t *testing.T) {
		repo := newRepo(t)
		c := newConv(model.ConversationGroup, "owner", "u1")
		c.AdminUserIDs = model.NewUserSet("owner")
		require.NoError(t, repo.InsertConversation(ctx, c))
		_, err := repo.UpdateConversation(ctx, c.ID, func(c *model.Conversation) error {
			c.Participants.Remove("u1")
			return nil
		})
		require.NoError(t, err)

		m := newMsg(c.ID, "u1", "after removal", time.Now().UTC().Truncate(time.Millisecond))
		err = repo.InsertMessage(ctx, m, summary(m))
		assert.ErrorIs(t, err, errs.ErrNotParticipant)
		_, err = repo.GetMessage(ctx, m.ID)
		assert.ErrorIs(t, err, errs.ErrNotFound, "a rejected message is not kept")
		got, err := repo.GetConversation(ctx, c.ID)
		require.NoError(t, err)
		assert.Empty(t, got.LastMessageID)

		notice := newMsg(c.ID, "", "User was removed from the conversation", time.Now().UTC().Truncate(time.Millisecond))
		require.NoError(t, repo.InsertMessage(ctx, notice, summary(notice)))
	})

	t.Run("insert honours read-only", func(t *testing.T) {
		repo := newRepo(t)
		c := newConv(model.ConversationGroup, "owner", "u1")
		c.AdminUserIDs = model.NewUserSet("owner")
		c.ReadOnly = true
		require.NoError(t, repo.InsertConversation(ctx, c))

		m := newMsg(c.ID, "u1", "hi", time.Now().UTC().Truncate(time.Millisecond))
		assert.ErrorIs(t, repo.InsertMessage(ctx, m, summary(m)), errs.ErrNotAdmin)
		ok := newMsg(c.ID, "owner", "hi", time.Now().UTC().Truncate(time.Millisecond))
		require.NoError(t, repo.InsertMessage(ctx, ok, summary(ok)))
	})

	t.Run("insert into deleted conversation fails", func(t *testing.T) {
		repo := newRepo(t)
		c := newConv(model.ConversationGroup, "owner")
		c.Deleted = true
		require.NoError(t, repo.InsertConversation(ctx, c))
		m := newMsg(c.ID, "owner", "x", time.Now().UTC().Truncate(time.Millisecond))
		assert.ErrorIs(t, repo.InsertMessage(ctx, m, summary(m)), errs.ErrNotFound)
		_, err := repo.GetMessage(ctx, m.ID)
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("deleted job conversation frees its job id", func(t *testing.T) {
		repo := newRepo(t)
		c1 := newConv(model.ConversationJob, "hirer", "worker")
		c1.JobID = "job-" + ids.GenerateString()
		first, _, err := repo.FindOrCreateJob(ctx, c1)
		require.NoError(t, err)
		_, err = repo.UpdateConversation(ctx, first.ID, func(c *model.Conversation) error {
			c.Participants = model.NewUserSet()
			c.Deleted = true
			return nil
		})
		require.NoError(t, err)

		c2 := newConv(model.ConversationJob, "hirer", "worker")
		c2.JobID = c1.JobID
		second, isNew, err := repo.FindOrCreateJob(ctx, c2)
		require.NoError(t, err)
		assert.True(t, isNew)
		assert.NotEqual(t, first.ID, second.ID)
		assert.False(t, second.Deleted)
	})

	t.Run("mark read keeps first stamp", func(t *testing.T) {
		repo := newRepo(t)
		c := newConv(model.ConversationDirect, "a", "b")
		_, _, err := repo.FindOrCreateDirect(ctx, c)
		require.NoError(t, err)
		m := newMsg(c.ID, "a", "hi", time.Now().UTC().Truncate(time.Millisecond))
		require.NoError(t, repo.InsertMessage(ctx, m, summary(m)))

		t1 := time.Now().UTC().Truncate(time.Millisecond)
		at, changed, err := repo.MarkRead(ctx, m.ID, "b", t1)
		require.NoError(t, err)
		assert.True(t, changed)
		at2, changed, err := repo.MarkRead(ctx, m.ID, "b", t1.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, changed)
		assert.True(t, at.Equal(at2))

		n, err := repo.CountUnread(ctx, c.ID, "b")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("conversation read and unread count", func(t *testing.T) {
		repo := newRepo(t)
		c := newConv(model.ConversationDirect, "a", "b")
		_, _, err := repo.FindOrCreateDirect(ctx, c)
		require.NoError(t, err)
		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := 0; i < 3; i++ {
			m := newMsg(c.ID, "a", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Millisecond))
			require.NoError(t, repo.InsertMessage(ctx, m, summary(m)))
		}
		own := newMsg(c.ID, "b", "mine", base.Add(10*time.Millisecond))
		require.NoError(t, repo.InsertMessage(ctx, own, summary(own)))

		n, err := repo.CountUnread(ctx, c.ID, "b")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		marked, err := repo.MarkConversationRead(ctx, c.ID, "b", base.Add(time.Second))
		require.NoError(t, err)
		assert.Len(t, marked, 3)

		marked, err = repo.MarkConversationRead(ctx, c.ID, "b", base.Add(2*time.Second))
		require.NoError(t, err)
		assert.Empty(t, marked)
	})

	t.Run("list pages newest first, chronological inside", func(t *testing.T) {
		repo := newRepo(t)
		c := newConv(model.ConversationDirect, "a", "b")
		_, _, err := repo.FindOrCreateDirect(ctx, c)
		require.NoError(t, err)
		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := 0; i < 5; i++ {
			m := newMsg(c.ID, "a", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second))
			require.NoError(t, repo.InsertMessage(ctx, m, summary(m)))
		}

		items, total, err := repo.ListMessages(ctx, c.ID, model.Page{Page: 1, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		require.Len(t, items, 2)
		assert.Equal(t, "m3", items[0].Content)
		assert.Equal(t, "m4", items[1].Content)

		items, _, err = repo.ListMessages(ctx, c.ID, model.Page{Page: 3, Limit: 2})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "m0", items[0].Content)

		items, total, err = repo.ListMessages(ctx, c.ID, model.Page{Before: base.Add(2 * time.Second)})
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
		assert.Equal(t, "m0", items[0].Content)
	})

	t.Run("search skips deleted and ignores case", func(t *testing.T) {
		repo := newRepo(t)
		c := newConv(model.ConversationDirect, "a", "b")
		_, _, err := repo.FindOrCreateDirect(ctx, c)
		require.NoError(t, err)
		base := time.Now().UTC().Truncate(time.Millisecond)
		keep := newMsg(c.ID, "a", "Plumbing quote (final)", base)
		gone := newMsg(c.ID, "a", "plumbing draft", base.Add(time.Second))
		for _, m := range []*model.Message{keep, gone} {
			require.NoError(t, repo.InsertMessage(ctx, m, summary(m)))
		}
		_, err = repo.UpdateMessage(ctx, gone.ID, func(m *model.Message) error {
			m.Deleted = true
			return nil
		})
		require.NoError(t, err)

		hits, err := repo.SearchMessages(ctx, c.ID, "PLUMBING", 50)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, keep.ID, hits[0].ID)

		hits, err = repo.SearchMessages(ctx, c.ID, "(final)", 50)
		require.NoError(t, err)
		assert.Len(t, hits, 1)
	})

	t.Run("list for user honours archive flag", func(t *testing.T) {
		repo := newRepo(t)
		active := newConv(model.ConversationDirect, "me", "x")
		archived := newConv(model.ConversationDirect, "me", "y")
		archived.ArchivedBy = model.NewUserSet("me")
		deleted := newConv(model.ConversationGroup, "me")
		deleted.Deleted = true
		other := newConv(model.ConversationDirect, "z", "y")
		for _, c := range []*model.Conversation{active, archived, other} {
			_, _, err := repo.FindOrCreateDirect(ctx, c)
			require.NoError(t, err)
		}
		require.NoError(t, repo.InsertConversation(ctx, deleted))

		list, total, err := repo.ListForUser(ctx, "me", model.ListFilter{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, list, 1)
		assert.Equal(t, active.ID, list[0].ID)

		list, _, err = repo.ListForUser(ctx, "me", model.ListFilter{Archived: true})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, archived.ID, list[0].ID)
	})

	t.Run("list puts conversations without messages last", func(t *testing.T) {
		repo := newRepo(t)
		base := time.Now().UTC().Truncate(time.Millisecond)
		mk := func(created time.Duration) *model.Conversation {
			c := newConv(model.ConversationGroup, "me")
			c.CreatedAt = base.Add(created)
			require.NoError(t, repo.InsertConversation(ctx, c))
			return c
		}
		active := mk(0)
		newest := mk(5 * time.Second)
		middle := mk(3 * time.Second)
		m := newMsg(active.ID, "me", "hi", base.Add(time.Second))
		require.NoError(t, repo.InsertMessage(ctx, m, summary(m)))

		list, _, err := repo.ListForUser(ctx, "me", model.ListFilter{})
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{active.ID, newest.ID, middle.ID}, []string{list[0].ID, list[1].ID, list[2].ID})
	})
}
