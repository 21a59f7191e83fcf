package queue

import (
	"testing"

	"portal-scrape-queue/internal/models"
)

func TestPolicyDecide(t *testing.T) {
	p := Policy{MaxAttempts: 3}

	tests := []struct {
		name     string
		job      models.Job
		outcome  models.Outcome
		wantNext models.Status
		wantMsg  string
	}{
		{
			name:     "success",
			job:      models.Job{AttemptCount: 1},
			outcome:  models.Success("scraped"),
			wantNext: models.StatusCompleted,
			wantMsg:  "scraped",
		},
		{
			name:     "success without message",
			job:      models.Job{AttemptCount: 3},
			outcome:  models.Success(""),
			wantNext: models.StatusCompleted,
			wantMsg:  "completed",
		},
		{
			name:     "failure with attempts left",
			job:      models.Job{AttemptCount: 2},
			outcome:  models.Failure("timeout"),
			wantNext: models.StatusQueued,
			wantMsg:  "attempt 2/3 failed, requeued: timeout",
		},
		{
			name:     "failure at cap",
			job:      models.Job{AttemptCount: 3},
			outcome:  models.Failure("timeout"),
			wantNext: models.StatusFailed,
			wantMsg:  "failed after 3/3 attempts: timeout",
		},
		{
			name:     "per job cap",
			job:      models.Job{AttemptCount: 1, MaxAttempts: 1},
			outcome:  models.Failure(ReclaimReason),
			wantNext: models.StatusFailed,
			wantMsg:  "failed after 1/1 attempts: worker timeout or crash",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.job, tt.outcome)
			if d.Next != tt.wantNext {
				t.Fatalf("next = %s, want %s", d.Next, tt.wantNext)
			}
			if d.Message != tt.wantMsg {
				t.Fatalf("message = %q, want %q", d.Message, tt.wantMsg)
			}
		})
	}
}

func TestPolicyCap(t *testing.T) {
	p := Policy{MaxAttempts: 5}
	cases := map[int]int{0: 5, -1: 5, 3: 3, 5: 5, 9: 5}
	for in, want := range cases {
		if got := p.Cap(in); got != want {
			t.Fatalf("Cap(%d) = %d, want %d", in, got, want)
		}
	}
	if got := (Policy{}).Limit(models.Job{}); got != 1 {
		t.Fatalf("zero policy limit = %d, want 1", got)
	}
}
