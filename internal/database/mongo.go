package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/threadlens/internal/model"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

const defaultMongoDatabase = "threadlens"

// MongoStore keeps communities, posts and classifications in MongoDB
// collections.
type MongoStore struct {
	client          *mongo.Client
	communities     *mongo.Collection
	posts           *mongo.Collection
	classifications *mongo.Collection
}

// Ensure MongoStore implements Store interface.
var _ Store = (*MongoStore)(nil)

type communityDoc struct {
	ID            string     `bson:"_id"`
	Name          string     `bson:"name"`
	DisplayName   string     `bson:"display_name"`
	LastFetchedAt *time.Time `bson:"last_fetched_at,omitempty"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
}

type postDoc struct {
	ID           string    `bson:"_id"`
	ExternalID   string    `bson:"external_id"`
	CommunityID  string    `bson:"community_id"`
	Title        string    `bson:"title"`
	Body         string    `bson:"body"`
	Author       string    `bson:"author"`
	URL          string    `bson:"url"`
	Score        int       `bson:"score"`
	CommentCount int       `bson:"comment_count"`
	CreatedAt    time.Time `bson:"created_at"`
	FetchedAt    time.Time `bson:"fetched_at"`
}

type classificationDoc struct {
	ExternalID  string          `bson:"_id"`
	Explanation string          `bson:"explanation"`
	Membership  map[string]bool `bson:"membership"`
	Model       string          `bson:"model"`
	CreatedAt   time.Time       `bson:"created_at"`
}

// NewMongo connects to MongoDB. The database name is taken from the URI
// path and defaults to "threadlens".
func NewMongo(ctx context.Context, uri string) (*MongoStore, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, fmt.Errorf("parse mongo uri: %w", err)
	}
	dbName := cs.Database
	if dbName == "" {
		dbName = defaultMongoDatabase
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(dbName)
	s := &MongoStore{
		client:          client,
		communities:     db.Collection("communities"),
		posts:           db.Collection("posts"),
		classifications: db.Collection("classifications"),
	}
	if err := s.ensureIndexes(connectCtx); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	if _, err := s.communities.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	_, err := s.posts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "external_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "community_id", Value: 1},
				{Key: "score", Value: -1},
			},
		},
	})
	return err
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// DatabaseType returns the database backend name.
func (s *MongoStore) DatabaseType() string {
	return "MongoDB"
}

// SupportsHighConcurrency returns true for MongoDB.
func (s *MongoStore) SupportsHighConcurrency() bool {
	return true
}

// --- Community Methods ---

func (s *MongoStore) GetCommunity(ctx context.Context, name string) (*model.Community, error) {
	var doc communityDoc
	if err := s.communities.FindOne(ctx, bson.M{"name": name}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) UpsertCommunity(ctx context.Context, name, displayName string) (*model.Community, error) {
	now := time.Now().UTC()
	update := bson.M{
		"$set":         bson.M{"display_name": displayName, "updated_at": now},
		"$setOnInsert": bson.M{"_id": uuid.NewString(), "created_at": now},
	}
	_, err := s.communities.UpdateOne(ctx, bson.M{"name": name}, update, options.Update().SetUpsert(true))
	if err != nil {
		return nil, &model.Error{Op: "upsert community", Kind: model.ErrStoreWriteFailed, Community: name, Err: err}
	}
	return s.GetCommunity(ctx, name)
}

func (s *MongoStore) ListCommunities(ctx context.Context) ([]model.Community, error) {
	cur, err := s.communities.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []communityDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	communities := make([]model.Community, 0, len(docs))
	for _, d := range docs {
		communities = append(communities, *d.toModel())
	}
	return communities, nil
}

func (s *MongoStore) UpdateCommunityLastFetched(ctx context.Context, communityID string, t time.Time) error {
	res, err := s.communities.UpdateOne(ctx, bson.M{"_id": communityID},
		bson.M{"$set": bson.M{"last_fetched_at": t.UTC(), "updated_at": time.Now().UTC()}})
	if err != nil {
		return &model.Error{Op: "stamp community", Kind: model.ErrStoreWriteFailed, Community: communityID, Err: err}
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Post Methods ---

// UpsertPosts issues one ordered bulk write per chunk.
func (s *MongoStore) UpsertPosts(ctx context.Context, communityID string, posts []model.Post) error {
	for i, chunk := range chunks(posts, UpsertChunkSize) {
		ops := make([]mongo.WriteModel, 0, len(chunk))
		for _, p := range chunk {
			ops = append(ops, mongo.NewUpdateOneModel().
				SetFilter(bson.M{"external_id": p.ExternalID}).
				SetUpdate(bson.M{
					"$set": bson.M{
						"community_id":  communityID,
						"title":         p.Title,
						"body":          p.Body,
						"author":        p.Author,
						"url":           p.URL,
						"score":         p.Score,
						"comment_count": p.CommentCount,
						"created_at":    p.CreatedAt.UTC(),
						"fetched_at":    p.FetchedAt.UTC(),
					},
					"$setOnInsert": bson.M{"_id": uuid.NewString()},
				}).
				SetUpsert(true))
		}
		if _, err := s.posts.BulkWrite(ctx, ops, options.BulkWrite().SetOrdered(true)); err != nil {
			return writeFailed("upsert posts", communityID, i, err)
		}
	}
	return nil
}

func (s *MongoStore) GetPosts(ctx context.Context, communityID string) ([]model.Post, error) {
	opts := options.Find().SetSort(bson.D{{Key: "score", Value: -1}, {Key: "created_at", Value: -1}})
	cur, err := s.posts.Find(ctx, bson.M{"community_id": communityID}, opts)
	if err != nil {
		return nil, err
	}
	var docs []postDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	posts := make([]model.Post, 0, len(docs))
	for _, d := range docs {
		posts = append(posts, d.toModel())
	}
	return posts, nil
}

func (s *MongoStore) GetPostByExternalID(ctx context.Context, externalID string) (*model.Post, error) {
	var doc postDoc
	if err := s.posts.FindOne(ctx, bson.M{"external_id": externalID}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	p := doc.toModel()
	return &p, nil
}

func (s *MongoStore) UpdatePostMetrics(ctx context.Context, externalID string, score, commentCount int) error {
	res, err := s.posts.UpdateOne(ctx, bson.M{"external_id": externalID},
		bson.M{"$set": bson.M{"score": score, "comment_count": commentCount}})
	if err != nil {
		return &model.Error{Op: "update metrics", Kind: model.ErrStoreWriteFailed, ExternalID: externalID, Err: err}
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Classification Methods ---

func (s *MongoStore) GetClassification(ctx context.Context, externalID string) (*model.Classification, error) {
	var doc classificationDoc
	if err := s.classifications.FindOne(ctx, bson.M{"_id": externalID}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) GetClassifications(ctx context.Context, externalIDs []string) (map[string]*model.Classification, error) {
	out := make(map[string]*model.Classification)
	if len(externalIDs) == 0 {
		return out, nil
	}
	cur, err := s.classifications.Find(ctx, bson.M{"_id": bson.M{"$in": externalIDs}})
	if err != nil {
		return nil, err
	}
	var docs []classificationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	for _, d := range docs {
		out[d.ExternalID] = d.toModel()
	}
	return out, nil
}

// PutClassification inserts through $setOnInsert so an existing document
// is left untouched.
func (s *MongoStore) PutClassification(ctx context.Context, c *model.Classification) error {
	doc := classificationDoc{
		ExternalID:  c.ExternalID,
		Explanation: c.Explanation,
		Membership:  c.Membership,
		Model:       c.Model,
		CreatedAt:   c.CreatedAt.UTC(),
	}
	_, err := s.classifications.UpdateOne(ctx, bson.M{"_id": c.ExternalID},
		bson.M{"$setOnInsert": doc}, options.Update().SetUpsert(true))
	if err != nil {
		return &model.Error{Op: "put classification", Kind: model.ErrStoreWriteFailed, ExternalID: c.ExternalID, Err: err}
	}
	return nil
}

func (s *MongoStore) DeleteClassifications(ctx context.Context, externalIDs ...string) (int64, error) {
	filter := bson.M{}
	if len(externalIDs) > 0 {
		filter = bson.M{"_id": bson.M{"$in": externalIDs}}
	}
	res, err := s.classifications.DeleteMany(ctx, filter)
	if err != nil {
		return 0, &model.Error{Op: "delete classifications", Kind: model.ErrStoreWriteFailed, Err: err}
	}
	return res.DeletedCount, nil
}

// --- Helpers ---

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func (d communityDoc) toModel() *model.Community {
	return &model.Community{
		ID:            d.ID,
		Name:          d.Name,
		DisplayName:   d.DisplayName,
		LastFetchedAt: d.LastFetchedAt,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func (d postDoc) toModel() model.Post {
	return model.Post{
		ID:           d.ID,
		ExternalID:   d.ExternalID,
		CommunityID:  d.CommunityID,
		Title:        d.Title,
		Body:         d.Body,
		Author:       d.Author,
		URL:          d.URL,
		Score:        d.Score,
		CommentCount: d.CommentCount,
		CreatedAt:    d.CreatedAt,
		FetchedAt:    d.FetchedAt,
	}
}

func (d classificationDoc) toModel() *model.Classification {
	return &model.Classification{
		ExternalID:  d.ExternalID,
		Explanation: d.Explanation,
		Membership:  d.Membership,
		Model:       d.Model,
		CreatedAt:   d.CreatedAt,
	}
}
