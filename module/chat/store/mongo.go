package store

import (
	"context"
	"regexp"
	"strings"
	"time"

	"KelmahIM/logger"
	"KelmahIM/module/chat/model"
	"KelmahIM/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const defaultCASRetry = 8

// Mongo is the Repository backed by two collections. Message insert and
// summary update share a transaction, which needs a replica set; with
// Transactions off the two writes run back to back and a rejected summary
// step deletes the inserted message again.
type Mongo struct {
	convs        *mongo.Collection
	msgs         *mongo.Collection
	transactions bool
	casRetry     int
}

var _ Repository = (*Mongo)(nil)

func NewMongo(db *mongo.Database, transactions bool) *Mongo {
	return &Mongo{
		convs:        db.Collection((&model.Conversation{}).GetTableName()),
		msgs:         db.Collection((&model.Message{}).GetTableName()),
		transactions: transactions,
		casRetry:     defaultCASRetry,
	}
}

// EnsureIndexes creates the uniqueness and listing indexes. Idempotent.
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := s.convs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "direct_key", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		// deleted job conversations drop out so the job id can be reopened
		{Keys: bson.D{{Key: "job_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName("job_id_live").
			SetPartialFilterExpression(bson.M{"job_id": bson.M{"$exists": true}, "deleted": false})},
		{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "last_message_at", Value: -1}}},
	})
	if err != nil {
		return errs.WrapMsg(err, "create conversation indexes")
	}
	_, err = s.msgs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "sender_id", Value: 1}}},
	})
	return errs.WrapMsg(err, "create message indexes")
}

// ===== conversations =====

func (s *Mongo) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var c model.Conversation
	if err := s.convs.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errs.ErrConversationNotFound.WrapMsg("conversation not found", "id", id)
		}
		return nil, errs.WrapMsg(err, "find conversation", "id", id)
	}
	return &c, nil
}

func (s *Mongo) FindOrCreateDirect(ctx context.Context, c *model.Conversation) (*model.Conversation, bool, error) {
	if c.DirectKey == "" {
		return nil, false, errs.ErrInvalidArgument.WrapMsg("empty idempotence key")
	}
	return s.findOrCreate(ctx, bson.M{"direct_key": c.DirectKey}, c)
}

func (s *Mongo) FindOrCreateJob(ctx context.Context, c *model.Conversation) (*model.Conversation, bool, error) {
	if c.JobID == "" {
		return nil, false, errs.ErrInvalidArgument.WrapMsg("empty idempotence key")
	}
	return s.findOrCreate(ctx, bson.M{"job_id": c.JobID, "deleted": false}, c)
}

// findOrCreate upserts on a unique key; a lost race surfaces as a duplicate
// key error and is resolved by reading the winner.
func (s *Mongo) findOrCreate(ctx context.Context, filter bson.M, c *model.Conversation) (*model.Conversation, bool, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	for attempt := 0; attempt < 2; attempt++ {
		var out model.Conversation
		err := s.convs.FindOneAndUpdate(ctx, filter, bson.M{"$setOnInsert": c}, opts).Decode(&out)
		if err == nil {
			return &out, out.ID == c.ID, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, false, errs.WrapMsg(err, "upsert conversation", "id", c.ID)
		}
	}
	var out model.Conversation
	if err := s.convs.FindOne(ctx, filter).Decode(&out); err != nil {
		return nil, false, errs.WrapMsg(err, "find conversation", "id", c.ID)
	}
	return &out, false, nil
}

func (s *Mongo) InsertConversation(ctx context.Context, c *model.Conversation) error {
	if _, err := s.convs.InsertOne(ctx, c); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.ErrConflict.WrapMsg("duplicate conversation", "id", c.ID)
		}
		return errs.WrapMsg(err, "insert conversation", "id", c.ID)
	}
	return nil
}

func (s *Mongo) UpdateConversation(ctx context.Context, id string, fn func(c *model.Conversation) error) (*model.Conversation, error) {
	for attempt := 0; attempt < s.casRetry; attempt++ {
		cur, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.Version = cur.Version + 1
		res, err := s.convs.ReplaceOne(ctx, bson.M{"_id": id, "version": cur.Version}, next)
		if err != nil {
			return nil, errs.WrapMsg(err, "replace conversation", "id", id)
		}
		if res.MatchedCount == 1 {
			return next, nil
		}
	}
	return nil, errs.ErrConflict.WrapMsg("conversation kept changing", "id", id)
}

func (s *Mongo) ApplyLastMessage(ctx context.Context, id string, lm model.LastMessage) (*model.Conversation, bool, error) {
	return s.applyLastMessage(ctx, id, lm)
}

func (s *Mongo) applyLastMessage(ctx context.Context, id string, lm model.LastMessage) (*model.Conversation, bool, error) {
	filter := bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"last_message_at": bson.M{"$exists": false}},
			bson.M{"last_message_at": bson.M{"$lt": lm.At}},
			bson.M{"last_message_at": lm.At, "last_message_id": bson.M{"$lt": lm.MessageID}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"last_message_at":        lm.At,
			"last_message_id":        lm.MessageID,
			"last_message_preview":   lm.Preview,
			"last_message_sender_id": lm.SenderID,
			"updated_at":             lm.At,
		},
		"$inc": bson.M{"version": 1},
	}
	var out model.Conversation
	err := s.convs.FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&out)
	if err == nil {
		return &out, true, nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, false, errs.WrapMsg(err, "apply last message", "id", id)
	}
	// stale summary or missing conversation
	cur, gerr := s.GetConversation(ctx, id)
	if gerr != nil {
		return nil, false, gerr
	}
	return cur, false, nil
}

func (s *Mongo) ListForUser(ctx context.Context, userID string, f model.ListFilter) ([]*model.Conversation, int64, error) {
	filter := bson.M{"participants": userID, "deleted": false}
	if f.Archived {
		filter["archived_by"] = userID
	} else {
		filter["archived_by"] = bson.M{"$ne": userID}
	}
	if f.Type != "" {
		filter["type"] = f.Type
	}
	total, err := s.convs.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, errs.WrapMsg(err, "count conversations", "user", userID)
	}
	p := model.Page{Page: f.Page, Limit: f.Limit}.Normalize()
	opts := options.Find().
		SetSort(bson.D{{Key: "last_message_at", Value: -1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(p.Skip()).
		SetLimit(int64(p.Limit))
	cur, err := s.convs.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, errs.WrapMsg(err, "list conversations", "user", userID)
	}
	out := make([]*model.Conversation, 0, p.Limit)
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, errs.WrapMsg(err, "decode conversations")
	}
	return out, total, nil
}

// ===== messages =====

func (s *Mongo) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var m model.Message
	if err := s.msgs.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errs.ErrMessageNotFound.WrapMsg("message not found", "id", id)
		}
		return nil, errs.WrapMsg(err, "find message", "id", id)
	}
	return &m, nil
}

func (s *Mongo) InsertMessage(ctx context.Context, m *model.Message, lm model.LastMessage) error {
	if m.ReadStatus == nil {
		m.ReadStatus = map[string]time.Time{}
	}
	write := func(ctx context.Context) error {
		if _, err := s.msgs.InsertOne(ctx, m); err != nil {
			return errs.WrapMsg(err, "insert message", "id", m.ID)
		}
		return s.admitMessage(ctx, m, lm)
	}
	if s.transactions {
		sess, err := s.msgs.Database().Client().StartSession()
		if err != nil {
			return errs.WrapMsg(err, "start session")
		}
		defer sess.EndSession(ctx)
		_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
			return nil, write(sc)
		})
		return err
	}

	if _, err := s.msgs.InsertOne(ctx, m); err != nil {
		return errs.WrapMsg(err, "insert message", "id", m.ID)
	}
	if err := s.admitMessage(ctx, m, lm); err != nil {
		// no transaction: take the message back out
		if _, derr := s.msgs.DeleteOne(context.WithoutCancel(ctx), bson.M{"_id": m.ID}); derr != nil {
			logger.Error("roll back message", zap.String("id", m.ID), zap.NamedError("cause", err), zap.Error(derr))
		}
		return err
	}
	return nil
}

// admitMessage is the conversation half of an insert: one conditional update
// that re-checks the sender against the stored participants and moves the
// summary forward only if lm is newer. The version bump makes a concurrent
// membership change retry on top of it.
func (s *Mongo) admitMessage(ctx context.Context, m *model.Message, lm model.LastMessage) error {
	filter := bson.M{"_id": m.ConversationID, "deleted": false}
	if m.SenderID != "" {
		filter["participants"] = m.SenderID
		filter["$or"] = bson.A{bson.M{"read_only": false}, bson.M{"admin_user_ids": m.SenderID}}
	}
	newer := bson.M{"$or": bson.A{
		bson.M{"$eq": bson.A{bson.M{"$ifNull": bson.A{"$last_message_at", nil}}, nil}},
		bson.M{"$lt": bson.A{"$last_message_at", lm.At}},
		bson.M{"$and": bson.A{
			bson.M{"$eq": bson.A{"$last_message_at", lm.At}},
			bson.M{"$lt": bson.A{"$last_message_id", lm.MessageID}},
		}},
	}}
	pick := func(field string, v any) bson.M {
		return bson.M{"$cond": bson.A{newer, bson.M{"$literal": v}, "$" + field}}
	}
	update := mongo.Pipeline{{{Key: "$set", Value: bson.M{
		"last_message_at":        pick("last_message_at", lm.At),
		"last_message_id":        pick("last_message_id", lm.MessageID),
		"last_message_preview":   pick("last_message_preview", lm.Preview),
		"last_message_sender_id": pick("last_message_sender_id", lm.SenderID),
		"updated_at":             pick("updated_at", lm.At),
		"version":                bson.M{"$add": bson.A{"$version", 1}},
	}}}}
	res, err := s.convs.UpdateOne(ctx, filter, update)
	if err != nil {
		return errs.WrapMsg(err, "apply last message", "id", m.ConversationID)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	cur, err := s.GetConversation(ctx, m.ConversationID)
	if err != nil {
		return err
	}
	if cur.Deleted {
		return errs.ErrConversationNotFound.WrapMsg("conversation deleted", "id", cur.ID)
	}
	if err := senderAllowed(cur, m.SenderID); err != nil {
		return err
	}
	return errs.ErrConflict.WrapMsg("conversation changed during send", "id", cur.ID)
}

func (s *Mongo) UpdateMessage(ctx context.Context, id string, fn func(m *model.Message) error) (*model.Message, error) {
	for attempt := 0; attempt < s.casRetry; attempt++ {
		cur, err := s.GetMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.Version = cur.Version + 1
		res, err := s.msgs.ReplaceOne(ctx, bson.M{"_id": id, "version": cur.Version}, next)
		if err != nil {
			return nil, errs.WrapMsg(err, "replace message", "id", id)
		}
		if res.MatchedCount == 1 {
			return next, nil
		}
	}
	return nil, errs.ErrConflict.WrapMsg("message kept changing", "id", id)
}

func (s *Mongo) MarkRead(ctx context.Context, id, userID string, at time.Time) (time.Time, bool, error) {
	field, err := readField(userID)
	if err != nil {
		return time.Time{}, false, err
	}
	res, err := s.msgs.UpdateOne(ctx,
		bson.M{"_id": id, field: bson.M{"$exists": false}},
		bson.M{"$set": bson.M{field: at}, "$inc": bson.M{"version": 1}},
	)
	if err != nil {
		return time.Time{}, false, errs.WrapMsg(err, "mark read", "id", id)
	}
	if res.ModifiedCount == 1 {
		return at, true, nil
	}
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return time.Time{}, false, err
	}
	return m.ReadStatus[userID], false, nil
}

func (s *Mongo) MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error) {
	field, err := readField(userID)
	if err != nil {
		return nil, err
	}
	filter := s.unreadFilter(conversationID, userID, field)
	cur, err := s.msgs.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, errs.WrapMsg(err, "find unread", "conversation", conversationID)
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errs.WrapMsg(err, "decode unread")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	_, err = s.msgs.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, field: bson.M{"$exists": false}},
		bson.M{"$set": bson.M{field: at}, "$inc": bson.M{"version": 1}},
	)
	if err != nil {
		return nil, errs.WrapMsg(err, "mark conversation read", "conversation", conversationID)
	}
	return ids, nil
}

func (s *Mongo) ListMessages(ctx context.Context, conversationID string, p model.Page) ([]*model.Message, int64, error) {
	p = p.Normalize()
	filter := bson.M{"conversation_id": conversationID}
	created := bson.M{}
	if !p.Before.IsZero() {
		created["$lt"] = p.Before
	}
	if !p.After.IsZero() {
		created["$gt"] = p.After
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}
	total, err := s.msgs.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, errs.WrapMsg(err, "count messages", "conversation", conversationID)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(p.Skip()).
		SetLimit(int64(p.Limit))
	cur, err := s.msgs.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, errs.WrapMsg(err, "list messages", "conversation", conversationID)
	}
	out := make([]*model.Message, 0, p.Limit)
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, errs.WrapMsg(err, "decode messages")
	}
	reverse(out)
	return out, total, nil
}

func (s *Mongo) SearchMessages(ctx context.Context, conversationID, query string, limit int) ([]*model.Message, error) {
	filter := bson.M{
		"conversation_id": conversationID,
		"deleted":         false,
		"content":         primitive.Regex{Pattern: regexp.QuoteMeta(query), Options: "i"},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.msgs.Find(ctx, filter, opts)
	if err != nil {
		return nil, errs.WrapMsg(err, "search messages", "conversation", conversationID)
	}
	var out []*model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.WrapMsg(err, "decode messages")
	}
	return out, nil
}

func (s *Mongo) CountUnread(ctx context.Context, conversationID, userID string) (int64, error) {
	field, err := readField(userID)
	if err != nil {
		return 0, err
	}
	n, err := s.msgs.CountDocuments(ctx, s.unreadFilter(conversationID, userID, field))
	return n, errs.WrapMsg(err, "count unread", "conversation", conversationID)
}

func (s *Mongo) unreadFilter(conversationID, userID, field string) bson.M {
	return bson.M{
		"conversation_id": conversationID,
		"sender_id":       bson.M{"$ne": userID},
		"deleted":         false,
		"type":            bson.M{"$ne": model.MessageSystem},
		field:             bson.M{"$exists": false},
	}
}

// readField builds the dotted path for a user's read stamp.
func readField(userID string) (string, error) {
	if userID == "" || strings.ContainsAny(userID, ".$") {
		return "", errs.ErrInvalidArgument.WrapMsg("user id not usable as a field name", "user", userID)
	}
	return "read_status." + userID, nil
}
