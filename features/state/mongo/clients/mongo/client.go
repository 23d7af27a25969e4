// Package mongo hosts the MongoDB client used by the mesh state store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"
)

const (
	defaultCollection = "mesh_state"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "state-mongo"
)

// ErrNoDocument reports that no document exists for the requested address.
var ErrNoDocument = errors.New("state document not found")

// Client exposes Mongo-backed operations for entity state documents. Each
// document is addressed by (kind, key, slot) and replaced wholesale on write.
type Client interface {
	health.Pinger

	ReadDocument(ctx context.Context, kind, key, slot string) ([]byte, error)
	WriteDocument(ctx context.Context, kind, key, slot string, data []byte) error
	DeleteDocument(ctx context.Context, kind, key, slot string) error
}

// Options configures the Mongo state client.
type Options struct {
	// Client is the connected Mongo client. Required.
	Client *mongodriver.Client
	// Database is the database name. Required.
	Database string
	// Collection overrides the collection name. Defaults to "mesh_state".
	Collection string
	// Timeout bounds individual operations. Defaults to 5s.
	Timeout time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB. It ensures the unique
// (kind, key, slot) index on construction.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return &client{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) ReadDocument(ctx context.Context, kind, key, slot string) ([]byte, error) {
	if err := validateAddress(kind, key, slot); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc stateDocument
	if err := c.coll.FindOne(ctx, addressFilter(kind, key, slot)).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, ErrNoDocument
		}
		return nil, err
	}
	return doc.Data, nil
}

func (c *client) WriteDocument(ctx context.Context, kind, key, slot string, data []byte) error {
	if err := validateAddress(kind, key, slot); err != nil {
		return err
	}
	now := time.Now().UTC()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$set": bson.M{
			"data":       data,
			"updated_at": now,
		},
		"$setOnInsert": bson.M{
			"kind":       kind,
			"key":        key,
			"slot":       slot,
			"created_at": now,
		},
	}
	_, err := c.coll.UpdateOne(ctx, addressFilter(kind, key, slot), update, options.Update().SetUpsert(true))
	return err
}

func (c *client) DeleteDocument(ctx context.Context, kind, key, slot string) error {
	if err := validateAddress(kind, key, slot); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.coll.DeleteOne(ctx, addressFilter(kind, key, slot))
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func validateAddress(kind, key, slot string) error {
	if kind == "" || key == "" || slot == "" {
		return errors.New("kind, key, and slot are required")
	}
	return nil
}

func addressFilter(kind, key, slot string) bson.M {
	return bson.M{"kind": kind, "key": key, "slot": slot}
}

type stateDocument struct {
	Kind      string    `bson:"kind"`
	Key       string    `bson:"key"`
	Slot      string    `bson:"slot"`
	Data      []byte    `bson:"data"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "kind", Value: 1},
			{Key: "key", Value: 1},
			{Key: "slot", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

// collection narrows *mongodriver.Collection so tests can fake it without a
// running Mongo.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any,
		opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any,
	opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
