package results

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"portal-scrape-queue/internal/models"
)

func TestBuildUpdate(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	job := models.Job{ID: "j1", RequestedBy: "ops@acme.com"}
	res := models.JobResult{
		EntityName: "Acme Pvt Ltd",
		EntityType: "Producer",
		Data: map[string]any{
			"sales": []any{
				map[string]any{"qty": 3.0, "Email": "ops@acme.com", "Entity_Name": "Acme"},
			},
			"summary": "n/a",
		},
	}

	filter, update, ok := buildUpdate(job, res, now)
	if !ok {
		t.Fatalf("expected an update")
	}
	if filter["_id"] != "ops@acme.com" {
		t.Fatalf("unexpected filter %v", filter)
	}
	set := update["$set"].(bson.M)
	if set["company_name"] != "Acme Pvt Ltd" || set["entity_type"] != "Producer" {
		t.Fatalf("unexpected $set %v", set)
	}
	data, ok := set["scrap_data.2025"].(map[string]any)
	if !ok {
		t.Fatalf("missing year section in %v", set)
	}
	row := data["sales"].([]any)[0].(map[string]any)
	if _, ok := row["Email"]; ok {
		t.Fatalf("document-level column kept: %v", row)
	}
	if row["qty"] != 3.0 {
		t.Fatalf("row data lost: %v", row)
	}
	if data["summary"] != "n/a" {
		t.Fatalf("non-row section changed: %v", data["summary"])
	}
	original := res.Data["sales"].([]any)[0].(map[string]any)
	if _, ok := original["Email"]; !ok {
		t.Fatalf("input rows must not be mutated")
	}
}

func TestBuildUpdateYearAndRequester(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	job := models.Job{ID: "j1", Payload: map[string]any{"email": "a@b.com", "year": "2023"}}

	filter, update, ok := buildUpdate(job, models.JobResult{}, now)
	if !ok || filter["_id"] != "a@b.com" {
		t.Fatalf("expected payload email as key, got %v", filter)
	}
	if _, ok := update["$set"].(bson.M)["scrap_data.2023"]; !ok {
		t.Fatalf("payload year not used: %v", update)
	}

	if _, _, ok := buildUpdate(models.Job{ID: "j2", Payload: map[string]any{"x": 1}}, models.JobResult{}, now); ok {
		t.Fatalf("job without requester must be skipped")
	}
}
