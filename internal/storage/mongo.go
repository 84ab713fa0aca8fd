package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	logx "relaybot/pkg/logx"
)

const defaultMongoDatabase = "relaybot"

// mongoStore keeps rules, clones and the action log in three collections.
// Single-document updates ($push/$pull guarded by a membership filter,
// upserting FindOneAndUpdate) give per-rule atomicity without transactions.
type mongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	log    logx.Logger
	now    func() time.Time
}

func openMongo(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, errors.New("storage.uri is required for mongo driver")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	name := strings.TrimSpace(cfg.Database)
	if name == "" {
		name = defaultMongoDatabase
	}
	s := &mongoStore{client: client, db: client.Database(name), log: log, now: time.Now}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *mongoStore) rules() *mongo.Collection  { return s.db.Collection("rules") }
func (s *mongoStore) clones() *mongo.Collection { return s.db.Collection("clones") }
func (s *mongoStore) audit() *mongo.Collection  { return s.db.Collection("audit") }

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		s.rules(): {
			{
				Keys:    bson.D{{Key: "source", Value: 1}, {Key: "owner", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "owner", Value: 1}}},
		},
		s.audit(): {
			{Keys: bson.D{{Key: "at", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongo indexes %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func ruleFilter(source, owner int64) bson.M {
	return bson.M{"source": source, "owner": owner}
}

func (s *mongoStore) findRule(ctx context.Context, source, owner int64) (Rule, bool, error) {
	var r Rule
	err := s.rules().FindOne(ctx, ruleFilter(source, owner)).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Rule{}, false, nil
	}
	if err != nil {
		return Rule{}, false, persistErr(err)
	}
	return r.clone(), true, nil
}

// setRule replaces the destination set of (source, owner), creating the rule
// if needed, and returns the stored document.
func (s *mongoStore) setRule(ctx context.Context, source, owner int64, dests []int64, botID int64) (Rule, error) {
	now := s.now()
	update := bson.M{
		"$set": bson.M{
			"destinations": NormalizeDestinations(dests),
			"bot_id":       botID,
			"updated_at":   now,
		},
		"$setOnInsert": bson.M{"created_at": now},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var r Rule
	if err := s.rules().FindOneAndUpdate(ctx, ruleFilter(source, owner), update, opts).Decode(&r); err != nil {
		return Rule{}, persistErr(err)
	}
	return r.clone(), nil
}

func (s *mongoStore) UpsertRule(ctx context.Context, source, owner int64, dests []int64, botID int64) (Rule, error) {
	if err := validateKey(source, owner); err != nil {
		return Rule{}, err
	}
	return s.setRule(ctx, source, owner, dests, botID)
}

func (s *mongoStore) AddDestination(ctx context.Context, source, owner, dest int64) (Rule, Outcome, error) {
	filter := ruleFilter(source, owner)
	filter["destinations"] = bson.M{"$ne": dest}
	update := bson.M{
		"$push": bson.M{"destinations": dest},
		"$set":  bson.M{"updated_at": s.now()},
	}
	return s.mutateDestination(ctx, source, owner, filter, update, OutcomeAlreadyPresent)
}

func (s *mongoStore) RemoveDestination(ctx context.Context, source, owner, dest int64) (Rule, Outcome, error) {
	filter := ruleFilter(source, owner)
	filter["destinations"] = dest
	update := bson.M{
		"$pull": bson.M{"destinations": dest},
		"$set":  bson.M{"updated_at": s.now()},
	}
	return s.mutateDestination(ctx, source, owner, filter, update, OutcomeNotPresent)
}

// mutateDestination applies update when filter matches. No match means either
// the rule is missing or the membership guard failed (noop outcome).
func (s *mongoStore) mutateDestination(ctx context.Context, source, owner int64, filter, update bson.M, noop Outcome) (Rule, Outcome, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var r Rule
	err := s.rules().FindOneAndUpdate(ctx, filter, update, opts).Decode(&r)
	if err == nil {
		return r.clone(), OutcomeChanged, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return Rule{}, OutcomeChanged, persistErr(err)
	}
	cur, ok, err := s.findRule(ctx, source, owner)
	if err != nil {
		return Rule{}, OutcomeChanged, err
	}
	if !ok {
		return Rule{}, OutcomeChanged, ErrNotConfigured
	}
	return cur, noop, nil
}

func (s *mongoStore) GetRule(ctx context.Context, source, owner int64) (Rule, bool, error) {
	return s.findRule(ctx, source, owner)
}

func (s *mongoStore) findRules(ctx context.Context, filter bson.M) ([]Rule, error) {
	opts := options.Find().SetSort(bson.D{{Key: "source", Value: 1}, {Key: "owner", Value: 1}})
	cur, err := s.rules().Find(ctx, filter, opts)
	if err != nil {
		return nil, persistErr(err)
	}
	var out []Rule
	if err := cur.All(ctx, &out); err != nil {
		return nil, persistErr(err)
	}
	for i := range out {
		out[i] = out[i].clone()
	}
	return out, nil
}

func (s *mongoStore) ListRules(ctx context.Context, owner int64) ([]Rule, error) {
	return s.findRules(ctx, bson.M{"owner": owner})
}

func (s *mongoStore) RulesBySource(ctx context.Context, source int64) ([]Rule, error) {
	return s.findRules(ctx, bson.M{"source": source})
}

func (s *mongoStore) AllRules(ctx context.Context) ([]Rule, error) {
	return s.findRules(ctx, bson.M{})
}

func (s *mongoStore) DeleteRule(ctx context.Context, source, owner int64) (int, error) {
	res, err := s.rules().DeleteOne(ctx, ruleFilter(source, owner))
	if err != nil {
		return 0, persistErr(err)
	}
	return int(res.DeletedCount), nil
}

func (s *mongoStore) CloneRule(ctx context.Context, from, to, owner, botID int64) (Rule, error) {
	if err := validateKey(to, owner); err != nil {
		return Rule{}, err
	}
	tpl, ok, err := s.findRule(ctx, from, owner)
	if err != nil {
		return Rule{}, err
	}
	if !ok {
		return Rule{}, ErrNotConfigured
	}
	return s.setRule(ctx, to, owner, tpl.Destinations, botID)
}

func (s *mongoStore) PutClone(ctx context.Context, c Clone) error {
	if c.Token == "" {
		return fmt.Errorf("%w: empty token", ErrInvalidRule)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.clones().ReplaceOne(ctx, bson.M{"_id": c.Token}, c, options.Replace().SetUpsert(true))
	return persistErr(err)
}

func (s *mongoStore) GetClone(ctx context.Context, token string) (Clone, bool, error) {
	var c Clone
	err := s.clones().FindOne(ctx, bson.M{"_id": token}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Clone{}, false, nil
	}
	if err != nil {
		return Clone{}, false, persistErr(err)
	}
	return c, true, nil
}

func (s *mongoStore) ListClones(ctx context.Context) ([]Clone, error) {
	cur, err := s.clones().Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, persistErr(err)
	}
	var out []Clone
	if err := cur.All(ctx, &out); err != nil {
		return nil, persistErr(err)
	}
	return out, nil
}

func (s *mongoStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.audit().InsertOne(ctx, e.withDefaults(s.now))
	return persistErr(err)
}

func (s *mongoStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.audit().DeleteMany(ctx, bson.M{"at": bson.M{"$lt": before}})
	if err != nil {
		return 0, persistErr(err)
	}
	return res.DeletedCount, nil
}

func (s *mongoStore) CountAudit(ctx context.Context, since time.Time) (int64, error) {
	n, err := s.audit().CountDocuments(ctx, bson.M{"at": bson.M{"$gte": since}})
	return n, persistErr(err)
}
