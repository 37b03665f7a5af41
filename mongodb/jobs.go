package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/DEEJ4Y/jobstore"
)

type jobCollection struct {
	col  *mongo.Collection
	exec *executor
}

func jobFilter(key jobstore.JobKey) bson.D {
	return bson.D{{Key: "name", Value: key.Name}, {Key: "group", Value: key.Group}}
}

func (c *jobCollection) Insert(ctx context.Context, rec *jobstore.JobRecord) error {
	doc := *rec
	doc.ID = nil
	return c.exec.write(ctx, "jobs.insert", func(ctx context.Context) error {
		_, err := c.col.InsertOne(ctx, &doc)
		return err
	})
}

// Upsert replaces by key; the replacement carries no _id so the stored
// document keeps its own.
func (c *jobCollection) Upsert(ctx context.Context, rec *jobstore.JobRecord) error {
	doc := *rec
	doc.ID = nil
	return c.exec.write(ctx, "jobs.upsert", func(ctx context.Context) error {
		_, err := c.col.ReplaceOne(ctx, jobFilter(rec.Key()), &doc, options.Replace().SetUpsert(true))
		return err
	})
}

func (c *jobCollection) Find(ctx context.Context, key jobstore.JobKey) (*jobstore.JobRecord, error) {
	var rec jobstore.JobRecord
	found := true
	err := c.exec.read(ctx, "jobs.find", func(ctx context.Context) error {
		err := c.col.FindOne(ctx, jobFilter(key)).Decode(&rec)
		if errors.Is(err, mongo.ErrNoDocuments) {
			found = false
			return nil
		}
		return decodeErr(err, "job", key.String())
	})
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (c *jobCollection) Delete(ctx context.Context, key jobstore.JobKey) (bool, error) {
	var deleted int64
	err := c.exec.write(ctx, "jobs.delete", func(ctx context.Context) error {
		res, err := c.col.DeleteOne(ctx, jobFilter(key))
		if err != nil {
			return err
		}
		deleted = res.DeletedCount
		return nil
	})
	return deleted > 0, err
}

func (c *jobCollection) Count(ctx context.Context) (int64, error) {
	var n int64
	err := c.exec.read(ctx, "jobs.count", func(ctx context.Context) error {
		var err error
		n, err = c.col.CountDocuments(ctx, bson.D{})
		return err
	})
	return n, err
}

func (c *jobCollection) GroupNames(ctx context.Context) ([]string, error) {
	return distinctGroups(ctx, c.exec, c.col, "jobs.groupNames")
}

func (c *jobCollection) Keys(ctx context.Context, group string) ([]jobstore.JobKey, error) {
	var recs []keyDoc
	err := c.exec.read(ctx, "jobs.keys", func(ctx context.Context) error {
		opts := options.Find().
			SetProjection(bson.D{{Key: "name", Value: 1}, {Key: "group", Value: 1}}).
			SetSort(bson.D{{Key: "name", Value: 1}})
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
	keys := make([]jobstore.JobKey, 0, len(recs))
	for _, r := range recs {
		keys = append(keys, jobstore.JobKey{Name: r.Name, Group: r.Group})
	}
	return keys, nil
}

// distinctGroups lists the distinct "group" values of col, sorted.
func distinctGroups(ctx context.Context, exec *executor, col *mongo.Collection, op string) ([]string, error) {
	var values []any
	err := exec.read(ctx, op, func(ctx context.Context) error {
		var err error
		values, err = col.Distinct(ctx, "group", bson.D{})
		return err
	})
	if err != nil {
		return nil, err
	}
	groups := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			groups = append(groups, s)
		}
	}
	sort.Strings(groups)
	return groups, nil
}

// decodeErr marks a document that was found but could not be decoded.
func decodeErr(err error, kind, key string) error {
	if err == nil {
		return nil
	}
	if isTransient(err) || mongo.IsDuplicateKeyError(err) {
		return err
	}
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %w", jobstore.ErrMalformedRecord, kind, key, err)
}
