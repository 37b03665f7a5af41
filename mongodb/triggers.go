package mongodb

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/DEEJ4Y/jobstore"
)

type triggerCollection struct {
	col  *mongo.Collection
	exec *executor
}

func triggerFilter(key jobstore.TriggerKey) bson.D {
	return bson.D{{Key: "name", Value: key.Name}, {Key: "group", Value: key.Group}}
}

// conditionFilter extends the key filter with the condition's guards.
func conditionFilter(key jobstore.TriggerKey, cond jobstore.Condition) bson.D {
	filter := triggerFilter(key)
	if len(cond.States) > 0 {
		filter = append(filter, bson.E{Key: "state", Value: bson.D{{Key: "$in", Value: cond.States}}})
	}
	if cond.CheckNextFireTime {
		if cond.NextFireTime == nil {
			filter = append(filter, bson.E{Key: "nextFireTime", Value: nil})
		} else {
			filter = append(filter, bson.E{Key: "nextFireTime", Value: jobstore.StoreTime(*cond.NextFireTime)})
		}
	}
	return filter
}

func selectorFilter(sel jobstore.TriggerSelector) bson.D {
	if sel.JobKey != nil {
		return jobKeyFilter(*sel.JobKey)
	}
	return bson.D{{Key: "group", Value: sel.Group}}
}

func jobKeyFilter(key jobstore.JobKey) bson.D {
	return bson.D{{Key: "jobName", Value: key.Name}, {Key: "jobGroup", Value: key.Group}}
}

func (c *triggerCollection) Insert(ctx context.Context, rec *jobstore.TriggerRecord) error {
	doc := rec.Clone()
	doc.ID = nil
	return c.exec.write(ctx, "triggers.insert", func(ctx context.Context) error {
		_, err := c.col.InsertOne(ctx, doc)
		return err
	})
}

func (c *triggerCollection) Upsert(ctx context.Context, rec *jobstore.TriggerRecord) error {
	doc := rec.Clone()
	doc.ID = nil
	return c.exec.write(ctx, "triggers.upsert", func(ctx context.Context) error {
		_, err := c.col.ReplaceOne(ctx, triggerFilter(rec.Key()), doc, options.Replace().SetUpsert(true))
		return err
	})
}

func (c *triggerCollection) Find(ctx context.Context, key jobstore.TriggerKey) (*jobstore.TriggerRecord, error) {
	var rec jobstore.TriggerRecord
	found := true
	err := c.exec.read(ctx, "triggers.find", func(ctx context.Context) error {
		err := c.col.FindOne(ctx, triggerFilter(key)).Decode(&rec)
		if errors.Is(err, mongo.ErrNoDocuments) {
			found = false
			return nil
		}
		return decodeErr(err, "trigger", key.String())
	})
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (c *triggerCollection) Delete(ctx context.Context, key jobstore.TriggerKey) (bool, error) {
	var deleted int64
	err := c.exec.write(ctx, "triggers.delete", func(ctx context.Context) error {
		res, err := c.col.DeleteOne(ctx, triggerFilter(key))
		if err != nil {
			return err
		}
		deleted = res.DeletedCount
		return nil
	})
	return deleted > 0, err
}

func (c *triggerCollection) Count(ctx context.Context) (int64, error) {
	return c.count(ctx, "triggers.count", bson.D{})
}

func (c *triggerCollection) count(ctx context.Context, op string, filter bson.D) (int64, error) {
	var n int64
	err := c.exec.read(ctx, op, func(ctx context.Context) error {
		var err error
		n, err = c.col.CountDocuments(ctx, filter)
		return err
	})
	return n, err
}

func (c *triggerCollection) ReplaceIf(ctx context.Context, rec *jobstore.TriggerRecord, cond jobstore.Condition) (bool, error) {
	doc := rec.Clone()
	doc.ID = nil
	var matched int64
	err := c.exec.write(ctx, "triggers.replaceIf", func(ctx context.Context) error {
		res, err := c.col.ReplaceOne(ctx, conditionFilter(rec.Key(), cond), doc)
		if err != nil {
			return err
		}
		matched = res.MatchedCount
		return nil
	})
	return matched > 0, err
}

func (c *triggerCollection) UpdateStateIf(ctx context.Context, key jobstore.TriggerKey, cond jobstore.Condition, to jobstore.TriggerState) (bool, error) {
	var matched int64
	err := c.exec.write(ctx, "triggers.updateStateIf", func(ctx context.Context) error {
		res, err := c.col.UpdateOne(ctx, conditionFilter(key, cond), setState(to))
		if err != nil {
			return err
		}
		matched = res.MatchedCount
		return nil
	})
	return matched > 0, err
}

func (c *triggerCollection) UpdateStates(ctx context.Context, sel jobstore.TriggerSelector, from []jobstore.TriggerState, to jobstore.TriggerState) (int64, error) {
	filter := append(selectorFilter(sel), bson.E{Key: "state", Value: bson.D{{Key: "$in", Value: from}}})
	var modified int64
	err := c.exec.write(ctx, "triggers.updateStates", func(ctx context.Context) error {
		res, err := c.col.UpdateMany(ctx, filter, setState(to))
		if err != nil {
			return err
		}
		modified = res.ModifiedCount
		return nil
	})
	return modified, err
}

func setState(to jobstore.TriggerState) bson.D {
	return bson.D{{Key: "$set", Value: bson.D{{Key: "state", Value: to}}}}
}

func (c *triggerCollection) FindByJob(ctx context.Context, key jobstore.JobKey) ([]*jobstore.TriggerRecord, error) {
	return c.find(ctx, "triggers.findByJob", jobKeyFilter(key), byKey())
}

func (c *triggerCollection) CountByJob(ctx context.Context, key jobstore.JobKey) (int64, error) {
	return c.count(ctx, "triggers.countByJob", jobKeyFilter(key))
}

func (c *triggerCollection) DeleteByJob(ctx context.Context, key jobstore.JobKey) (int64, error) {
	var deleted int64
	err := c.exec.write(ctx, "triggers.deleteByJob", func(ctx context.Context) error {
		res, err := c.col.DeleteMany(ctx, jobKeyFilter(key))
		if err != nil {
			return err
		}
		deleted = res.DeletedCount
		return nil
	})
	return deleted, err
}

func (c *triggerCollection) FindByStates(ctx context.Context, states ...jobstore.TriggerState) ([]*jobstore.TriggerRecord, error) {
	filter := bson.D{{Key: "state", Value: bson.D{{Key: "$in", Value: states}}}}
	return c.find(ctx, "triggers.findByStates", filter, byKey())
}

func (c *triggerCollection) FindDue(ctx context.Context, q jobstore.DueQuery) ([]*jobstore.TriggerRecord, error) {
	filter := bson.D{
		{Key: "state", Value: q.State},
		{Key: "nextFireTime", Value: bson.D{{Key: "$lte", Value: jobstore.StoreTime(q.NoLaterThan)}}},
	}
	opts := options.Find().SetSort(bson.D{
		{Key: "nextFireTime", Value: 1},
		{Key: "priority", Value: -1},
		{Key: "group", Value: 1},
		{Key: "name", Value: 1},
	})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	return c.find(ctx, "triggers.findDue", filter, opts)
}

func (c *triggerCollection) GroupNames(ctx context.Context) ([]string, error) {
	return distinctGroups(ctx, c.exec, c.col, "triggers.groupNames")
}

func (c *triggerCollection) Keys(ctx context.Context, group string) ([]jobstore.TriggerKey, error) {
	opts := options.Find().
		SetProjection(bson.D{{Key: "name", Value: 1}, {Key: "group", Value: 1}}).
		SetSort(bson.D{{Key: "name", Value: 1}})
	var recs []keyDoc
	err := c.exec.read(ctx, "triggers.keys", func(ctx context.Context) error {
		cur, err := c.col.Find(ctx, bson.D{{Key: "group", Value: group}}, opts)
		if err != nil {
			return err
		}
		recs = nil
		return cur.All(ctx, &recs)
	})
	if err != nil {
		return nil, err
	}
	keys := make([]jobstore.TriggerKey, 0, len(recs))
	for _, r := range recs {
		keys = append(keys, jobstore.TriggerKey{Name: r.Name, Group: r.Group})
	}
	return keys, nil
}

// keyDoc is the projection used by key listings.
type keyDoc struct {
	Name  string `bson:"name"`
	Group string `bson:"group"`
}

func byKey() *options.FindOptions {
	return options.Find().SetSort(bson.D{{Key: "group", Value: 1}, {Key: "name", Value: 1}})
}

// find decodes documents one by one; a document that does not decode is
// skipped so it cannot hide the others.
func (c *triggerCollection) find(ctx context.Context, op string, filter bson.D, opts *options.FindOptions) ([]*jobstore.TriggerRecord, error) {
	var out []*jobstore.TriggerRecord
	err := c.exec.read(ctx, op, func(ctx context.Context) error {
		cur, err := c.col.Find(ctx, filter, opts)
		if err != nil {
			return err
		}
		defer cur.Close(ctx)
		out = nil
		for cur.Next(ctx) {
			var rec jobstore.TriggerRecord
			if err := cur.Decode(&rec); err != nil {
				continue
			}
			out = append(out, &rec)
		}
		return cur.Err()
	})
	return out, err
}
