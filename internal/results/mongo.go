// Package results writes scraped portal data to MongoDB, one document per
// requester with a section per year.
package results

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"portal-scrape-queue/internal/config"
	"portal-scrape-queue/internal/models"
)

// Columns repeated on every scraped row that already live on the document.
var docLevelColumns = []string{"Type_of_entity", "Entity_Name", "Email"}

// Sink upserts scrape results keyed by requester email.
type Sink struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

// Connect opens the sink. It returns nil, nil when MONGO_URI is unset.
func Connect(ctx context.Context, cfg config.Config) (*Sink, error) {
	if cfg.MongoURI == "" {
		return nil, nil
	}
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.MongoURI).
		SetServerSelectionTimeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Sink{
		client: client,
		coll:   client.Database(cfg.MongoDatabase).Collection(cfg.MongoCollection),
		now:    time.Now,
	}, nil
}

func (s *Sink) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Save upserts the result of job. Jobs without a requester email are
// skipped and report false.
func (s *Sink) Save(ctx context.Context, job models.Job, res models.JobResult) (bool, error) {
	filter, update, ok := buildUpdate(job, res, s.now())
	if !ok {
		return false, nil
	}
	if _, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return false, fmt.Errorf("save results for %s: %w", job.ID, err)
	}
	return true, nil
}

func buildUpdate(job models.Job, res models.JobResult, now time.Time) (bson.M, bson.M, bool) {
	email := requester(job)
	if email == "" {
		return nil, nil, false
	}
	year := strconv.Itoa(now.Year())
	if y, ok := yearFromPayload(job.Payload); ok {
		year = strconv.Itoa(y)
	}

	set := bson.M{
		"scrap_data." + year: cleanSections(res.Data),
	}
	if res.EntityName != "" {
		set["company_name"] = res.EntityName
	}
	if res.EntityType != "" {
		set["entity_type"] = res.EntityType
	}
	return bson.M{"_id": email}, bson.M{"$set": set}, true
}

func requester(job models.Job) string {
	if job.RequestedBy != "" {
		return job.RequestedBy
	}
	for _, key := range []string{"email", "user_email"} {
		if v, ok := job.Payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func yearFromPayload(payload map[string]any) (int, bool) {
	switch v := payload["year"].(type) {
	case float64:
		return int(v), v > 0
	case int:
		return v, v > 0
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil && n > 0
	}
	return 0, false
}

// cleanSections drops document-level columns from row lists. Sections that
// are not row lists pass through unchanged.
func cleanSections(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for section, value := range data {
		rows, ok := value.([]any)
		if !ok {
			out[section] = value
			continue
		}
		cleaned := make([]any, 0, len(rows))
		for _, row := range rows {
			m, ok := row.(map[string]any)
			if !ok {
				cleaned = append(cleaned, row)
				continue
			}
			copied := make(map[string]any, len(m))
			for k, v := range m {
				copied[k] = v
			}
			for _, col := range docLevelColumns {
				delete(copied, col)
			}
			cleaned = append(cleaned, copied)
		}
		out[section] = cleaned
	}
	return out
}
