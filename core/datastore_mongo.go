package core

// datastore_mongo.go – MongoDB-backed rawStore. cmd/casualchain uses it for
// both the pool and the block collection when queueOnDisk=true; with
// queueOnDisk=false both collections are kept in memory (NewDatastoreMemory)
// and blocks are not written to the document store.
//
// See DESIGN.md for where the mongo-driver dependency is grounded.

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig carries the mongo connection and collection-naming fields
// read from configuration (mongo_host, mongo_port, mongo_db, mongo_user,
// mongo_password, mongo_authdb, mongo_poolcollection, mongo_blockcollection).
type MongoConfig struct {
	Host             string
	Port             int
	DB               string
	User             string
	Password         string
	AuthDB           string
	PoolCollection   string
	BlockCollection  string
}

func (c MongoConfig) uri() string {
	if c.User == "" {
		return fmt.Sprintf("mongodb://%s:%d/%s", c.Host, c.Port, c.DB)
	}
	authdb := c.AuthDB
	if authdb == "" {
		authdb = "admin"
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/%s?authSource=%s", c.User, c.Password, c.Host, c.Port, c.DB, authdb)
}

// DialMongo connects to the configured mongo instance and returns the pool
// and block rawStore backends plus a close func the caller must invoke on
// shutdown. The mongo client is process-wide, shared by pool and block.
func DialMongo(ctx context.Context, cfg MongoConfig) (pool rawStore, block rawStore, closeFn func(context.Context) error, err error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.uri()))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, nil, fmt.Errorf("mongo ping: %w", err)
	}
	db := client.Database(cfg.DB)
	poolColl := db.Collection(cfg.PoolCollection)
	blockColl := db.Collection(cfg.BlockCollection)

	if _, err := poolColl.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "tenant", Value: 1}}}); err != nil {
		return nil, nil, nil, fmt.Errorf("pool tenant index: %w", err)
	}
	if _, err := blockColl.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "tenant", Value: 1}}}); err != nil {
		return nil, nil, nil, fmt.Errorf("block tenant index: %w", err)
	}

	return &mongoStore{client: client, coll: poolColl, kind: "tx"},
		&mongoStore{client: client, coll: blockColl, kind: "blk"},
		client.Disconnect,
		nil
}

type mongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	kind   string
}

func toBsonFilter(f rawFilter) bson.M {
	out := bson.M{}
	for k, v := range f.Eq {
		out[k] = v
	}
	for k, set := range f.In {
		out[k] = bson.M{"$in": set}
	}
	return out
}

func (s *mongoStore) Insert(ctx context.Context, doc any) error {
	_, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

func (s *mongoStore) Find(ctx context.Context, f rawFilter, sortDir int) (rawCursor, error) {
	opts := options.Find().SetSort(bson.D{{Key: "id", Value: sortDir}})
	cur, err := s.coll.Find(ctx, toBsonFilter(f), opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	return &mongoCursor{ctx: ctx, cur: cur, kind: s.kind}, nil
}

func (s *mongoStore) UpdateMany(ctx context.Context, f rawFilter, apply func(doc any)) (int, error) {
	// apply is used by the in-memory backend for in-place doc mutation; the
	// mongo backend instead expresses the same intent by loading, applying,
	// and replacing each matched document, since $set diffs are not
	// derivable generically from apply().
	cur, err := s.coll.Find(ctx, toBsonFilter(f))
	if err != nil {
		return 0, fmt.Errorf("updateMany find: %w", err)
	}
	defer cur.Close(ctx)
	n := 0
	for cur.Next(ctx) {
		switch s.kind {
		case "tx":
			var tx Tx
			if err := cur.Decode(&tx); err != nil {
				return n, fmt.Errorf("updateMany decode: %w", err)
			}
			origId := tx.Id
			apply(&tx)
			if _, err := s.coll.ReplaceOne(ctx, bson.M{"id": origId}, tx); err != nil {
				return n, fmt.Errorf("updateMany replace: %w", err)
			}
		case "blk":
			var blk Blk
			if err := cur.Decode(&blk); err != nil {
				return n, fmt.Errorf("updateMany decode: %w", err)
			}
			origId := blk.Id
			apply(&blk)
			if _, err := s.coll.ReplaceOne(ctx, bson.M{"id": origId}, blk); err != nil {
				return n, fmt.Errorf("updateMany replace: %w", err)
			}
		}
		n++
	}
	return n, cur.Err()
}

func (s *mongoStore) DeleteMany(ctx context.Context, f rawFilter) (int, error) {
	res, err := s.coll.DeleteMany(ctx, toBsonFilter(f))
	if err != nil {
		return 0, fmt.Errorf("deleteMany: %w", err)
	}
	return int(res.DeletedCount), nil
}

// RunInSession opens a mongo session and runs fn inside a transaction,
// committing on success and aborting on error.
func (s *mongoStore) RunInSession(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	return err
}

type mongoCursor struct {
	ctx  context.Context
	cur  *mongo.Cursor
	kind string
}

func (c *mongoCursor) Next(ctx context.Context) bool { return c.cur.Next(ctx) }

func (c *mongoCursor) Decode(out any) error {
	if err := c.cur.Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (c *mongoCursor) Err() error { return c.cur.Err() }

func (c *mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}
