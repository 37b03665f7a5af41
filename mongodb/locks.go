package mongodb

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/DEEJ4Y/jobstore"
)

type lockCollection struct {
	col  *mongo.Collection
	exec *executor
}

func lockFilter(key jobstore.TriggerKey, lockType string) bson.D {
	return bson.D{
		{Key: "triggerName", Value: key.Name},
		{Key: "triggerGroup", Value: key.Group},
		{Key: "lockType", Value: lockType},
	}
}

// Insert relies on the unique (triggerName, triggerGroup, lockType) index:
// of any number of concurrent inserts exactly one succeeds.
func (c *lockCollection) Insert(ctx context.Context, rec *jobstore.LockRecord) error {
	doc := *rec
	doc.ID = nil
	doc.AcquiredAt = jobstore.StoreTime(rec.AcquiredAt)
	return c.exec.write(ctx, "locks.insert", func(ctx context.Context) error {
		_, err := c.col.InsertOne(ctx, &doc)
		return err
	})
}

func (c *lockCollection) Find(ctx context.Context, key jobstore.TriggerKey, lockType string) (*jobstore.LockRecord, error) {
	var rec jobstore.LockRecord
	found := true
	err := c.exec.read(ctx, "locks.find", func(ctx context.Context) error {
		err := c.col.FindOne(ctx, lockFilter(key, lockType)).Decode(&rec)
		if errors.Is(err, mongo.ErrNoDocuments) {
			found = false
			return nil
		}
		return decodeErr(err, "lock", key.String())
	})
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (c *lockCollection) DeleteOwned(ctx context.Context, key jobstore.TriggerKey, lockType, instanceID string) (bool, error) {
	filter := append(lockFilter(key, lockType), bson.E{Key: "instanceId", Value: instanceID})
	return c.deleteOne(ctx, "locks.deleteOwned", filter)
}

func (c *lockCollection) DeleteStale(ctx context.Context, key jobstore.TriggerKey, lockType, instanceID string, deadBefore time.Time) (bool, error) {
	filter := append(lockFilter(key, lockType),
		bson.E{Key: "instanceId", Value: instanceID},
		bson.E{Key: "acquiredAt", Value: bson.D{{Key: "$lt", Value: jobstore.StoreTime(deadBefore)}}},
	)
	return c.deleteOne(ctx, "locks.deleteStale", filter)
}

func (c *lockCollection) deleteOne(ctx context.Context, op string, filter bson.D) (bool, error) {
	var deleted int64
	err := c.exec.write(ctx, op, func(ctx context.Context) error {
		res, err := c.col.DeleteOne(ctx, filter)
		if err != nil {
			return err
		}
		deleted = res.DeletedCount
		return nil
	})
	return deleted > 0, err
}

func (c *lockCollection) FindStale(ctx context.Context, deadBefore time.Time) ([]*jobstore.LockRecord, error) {
	filter := bson.D{{Key: "acquiredAt", Value: bson.D{{Key: "$lt", Value: jobstore.StoreTime(deadBefore)}}}}
	return c.find(ctx, "locks.findStale", filter)
}

func (c *lockCollection) FindByInstance(ctx context.Context, instanceID string) ([]*jobstore.LockRecord, error) {
	return c.find(ctx, "locks.findByInstance", bson.D{{Key: "instanceId", Value: instanceID}})
}

func (c *lockCollection) find(ctx context.Context, op string, filter bson.D) ([]*jobstore.LockRecord, error) {
	var recs []*jobstore.LockRecord
	err := c.exec.read(ctx, op, func(ctx context.Context) error {
		cur, err := c.col.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "acquiredAt", Value: 1}}))
		if err != nil {
			return err
		}
		recs = nil
		return cur.All(ctx, &recs)
	})
	return recs, err
}

func (c *lockCollection) Touch(ctx context.Context, instanceID string, at time.Time) (int64, error) {
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "acquiredAt", Value: jobstore.StoreTime(at)}}}}
	var matched int64
	err := c.exec.write(ctx, "locks.touch", func(ctx context.Context) error {
		res, err := c.col.UpdateMany(ctx, bson.D{{Key: "instanceId", Value: instanceID}}, update)
		if err != nil {
			return err
		}
		matched = res.MatchedCount
		return nil
	})
	return matched, err
}

func (c *lockCollection) Count(ctx context.Context) (int64, error) {
	var n int64
	err := c.exec.read(ctx, "locks.count", func(ctx context.Context) error {
		var err error
		n, err = c.col.CountDocuments(ctx, bson.D{})
		return err
	})
	return n, err
}

type pausedGroupCollection struct {
	col  *mongo.Collection
	exec *executor
}

func (c *pausedGroupCollection) Add(ctx context.Context, group string) error {
	filter := bson.D{{Key: "group", Value: group}}
	update := bson.D{{Key: "$setOnInsert", Value: jobstore.PausedGroupRecord{Group: group}}}
	err := c.exec.write(ctx, "pausedGroups.add", func(ctx context.Context) error {
		_, err := c.col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
		return err
	})
	// A concurrent upsert of the same group loses on the unique index; the
	// group is paused either way.
	if errors.Is(err, jobstore.ErrAlreadyExists) {
		return nil
	}
	return err
}

func (c *pausedGroupCollection) Remove(ctx context.Context, group string) (bool, error) {
	var deleted int64
	err := c.exec.write(ctx, "pausedGroups.remove", func(ctx context.Context) error {
		res, err := c.col.DeleteOne(ctx, bson.D{{Key: "group", Value: group}})
		if err != nil {
			return err
		}
		deleted = res.DeletedCount
		return nil
	})
	return deleted > 0, err
}

func (c *pausedGroupCollection) Contains(ctx context.Context, group string) (bool, error) {
	var n int64
	err := c.exec.read(ctx, "pausedGroups.contains", func(ctx context.Context) error {
		var err error
		n, err = c.col.CountDocuments(ctx, bson.D{{Key: "group", Value: group}}, options.Count().SetLimit(1))
		return err
	})
	return n > 0, err
}

func (c *pausedGroupCollection) List(ctx context.Context) ([]string, error) {
	return distinctGroups(ctx, c.exec, c.col, "pausedGroups.list")
}
