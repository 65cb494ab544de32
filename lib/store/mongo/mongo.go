// Package mongo implements the interface for MongoDB.
package mongo

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/willx33/sol-tools/lib/store"
	"github.com/willx33/sol-tools/lib/util"
)

// Database names
const (
	targetsDB  = "watch"
	sessionsDB = "sess"
	sessionCol = "sessions"
)

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c *mgo.Client
}

// MongoTarget implements a store target to MongoDB.
type MongoTarget struct {
	ID   primitive.ObjectID `json:"_id" bson:"_id"`
	Name string             `json:"name,omitempty" bson:"name,omitempty"`
	Addr string             `json:"address" bson:"address"`
	Kind string             `json:"kind,omitempty" bson:"kind,omitempty"`
}

// Target converts a MongoTarget to store.Target type.
func (a MongoTarget) Target() store.Target {
	return store.Target{ID: a.ID[:], Addr: a.Addr, Name: a.Name, Kind: a.Kind}
}

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri string) (*Mongo, error) {
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	err = c.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	return &Mongo{c: c}, nil
}

// CloseMongo will close a database connection. Must be called at termination time.
func (m *Mongo) CloseMongo() error {
	return m.c.Disconnect(context.Background())
}

// AddTarget saves a target if the module is not already watching it.
func (m *Mongo) AddTarget(t store.Target, module string) ([]byte, error) {
	var mt MongoTarget

	col := m.c.Database(targetsDB).Collection(module)

	// try and find it
	filter := bson.M{"address": t.Addr}
	sr := col.FindOne(context.Background(), filter)

	err := sr.Decode(&mt)
	if errors.Is(err, mgo.ErrNoDocuments) { // if not found, do insert it!!
		res, errIns := col.InsertOne(context.Background(), bson.M{"name": t.Name, "address": t.Addr, "kind": t.Kind})
		if errIns != nil {
			return nil, fmt.Errorf("could not insert target in db: %w", errIns)
		}

		return hex.DecodeString(res.InsertedID.(primitive.ObjectID).Hex())
	}

	if err != nil {
		return nil, fmt.Errorf("could not insert target in db: %w", err)
	}

	log.Info().Str("module", module).Str("target", mt.Addr).Msg("Target was already watched")

	return hex.DecodeString(mt.ID.Hex())
}

// RemoveTarget deletes a target from the module watch list.
func (m *Mongo) RemoveTarget(t store.Target, module string) error {
	col := m.c.Database(targetsDB).Collection(module)

	res, err := col.DeleteOne(context.Background(), bson.M{"address": t.Addr})
	if err == nil && res.DeletedCount != 1 {
		err = store.ErrTargetNotFound
	}

	return err
}

// GetTargets returns the watch lists of the modules given, or of every module when none is given.
func (m *Mongo) GetTargets(modules []string) ([]store.WatchList, error) {
	names, err := m.c.Database(targetsDB).ListCollectionNames(context.Background(), bson.D{})
	if err != nil {
		return nil, fmt.Errorf("error getting mongo DB object: %w", err)
	}

	lists := []store.WatchList{}

	for _, col := range names {
		if len(modules) != 0 && !util.In(modules, col) {
			continue
		}

		wl := store.WatchList{Module: col}

		docs, err := m.c.Database(targetsDB).Collection(col).Find(context.Background(), bson.M{})
		if err == nil {
			for docs.Next(context.Background()) {
				var t MongoTarget
				if err = bson.Unmarshal(docs.Current, &t); err == nil {
					wl.Targets = append(wl.Targets, t.Target())
				}
			}
			_ = docs.Close(context.Background())
		}

		lists = append(lists, wl)
	}

	return lists, nil
}

// LoadSession loads from db the state of session id.
func (m *Mongo) LoadSession(id string) (ss store.SessionState, err error) {
	sr := m.c.Database(sessionsDB).Collection(sessionCol).FindOne(context.Background(), bson.M{"_id": id})
	if err = sr.Decode(&ss); errors.Is(err, mgo.ErrNoDocuments) {
		err = store.ErrDataNotFound
	}

	return
}

// SaveSession saves to db the state of session id.
func (m *Mongo) SaveSession(id string, ss store.SessionState) (err error) {
	_, err = m.c.Database(sessionsDB).Collection(sessionCol).UpdateOne(context.Background(),
		bson.M{"_id": id}, // filter
		bson.D{ // update
			{
				Key: "$set", Value: bson.D{
					{Key: "module", Value: ss.Module},
					{Key: "target", Value: ss.Target},
					{Key: "kind", Value: ss.Kind},
					{Key: "cursor", Value: ss.Cursor},
					{Key: "status", Value: ss.Status},
					{Key: "updated", Value: ss.Updated},
				},
			},
		},
		options.Update().SetUpsert(true))

	return
}

// DeleteSession deletes from db the state of session id.
func (m *Mongo) DeleteSession(id string) (err error) {
	_, err = m.c.Database(sessionsDB).Collection(sessionCol).DeleteOne(context.Background(), bson.M{"_id": id})

	return
}
