package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Devika21/email-campaign-scheduler/internal/domain"
	"github.com/Devika21/email-campaign-scheduler/internal/queue"
)

// fakeRecordStore is an in-memory RecordStore for scheduler tests.
type fakeRecordStore struct {
	campaigns  map[string]*domain.Campaign
	recipients []domain.Recipient
	statusLog  []string
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{campaigns: make(map[string]*domain.Campaign)}
}

func (f *fakeRecordStore) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	cp := *c
	f.campaigns[c.ID] = &cp
	f.statusLog = append(f.statusLog, c.Status)
	return nil
}

func (f *fakeRecordStore) BulkCreateRecipients(ctx context.Context, recipients []domain.Recipient) error {
	f.recipients = append(f.recipients, recipients...)
	return nil
}

func (f *fakeRecordStore) UpdateCampaignStatus(ctx context.Context, campaignID, status string) error {
	f.campaigns[campaignID].Status = status
	f.statusLog = append(f.statusLog, status)
	return nil
}

func (f *fakeRecordStore) ListActiveCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	var out []domain.Campaign
	for _, c := range f.campaigns {
		if c.Status == domain.CampaignScheduled || c.Status == domain.CampaignInProgress {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeRecordStore) ListPendingRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error) {
	var out []domain.Recipient
	for _, r := range f.recipients {
		if r.CampaignID == campaignID && r.Status == domain.RecipientPending {
			out = append(out, r)
		}
	}
	return out, nil
}

func setupTestScheduler(t *testing.T) (*CampaignScheduler, *fakeRecordStore, *redis.Client, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clk := &fakeClock{now: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
	store := newFakeRecordStore()
	q := queue.New(client, clk, testLogger())
	sched := NewCampaignScheduler(store, q, clk, testLogger(), 2000, 100)
	return sched, store, client, clk
}

func TestNormalizeRecipients(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "dedup with casing and whitespace",
			in:   []string{"Alice@Example.com", " alice@example.com ", "bob@example.com"},
			want: []string{"alice@example.com", "bob@example.com"},
		},
		{
			name: "drops empties",
			in:   []string{"", "  ", "carol@example.com"},
			want: []string{"carol@example.com"},
		},
		{
			name: "preserves first-seen order",
			in:   []string{"c@x.com", "a@x.com", "C@X.COM", "b@x.com", "a@x.com"},
			want: []string{"c@x.com", "a@x.com", "b@x.com"},
		},
		{
			name: "all invalid",
			in:   []string{"", "   "},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeRecipients(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NormalizeRecipients(%v) = %v, want %v", tt.in, got, tt.want)
			}
			// Normalization is deterministic
			again := NormalizeRecipients(tt.in)
			if !reflect.DeepEqual(got, again) {
				t.Errorf("second normalization differs: %v vs %v", got, again)
			}
		})
	}
}

func TestSchedule_NoValidRecipients(t *testing.T) {
	sched, store, _, _ := setupTestScheduler(t)

	_, err := sched.Schedule(context.Background(), ScheduleInput{
		UserID:     "user-1",
		Subject:    "hello",
		Body:       "<p>hi</p>",
		FromEmail:  "news@example.com",
		Recipients: []string{"", "   "},
		StartTime:  time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	})
	if !errors.Is(err, ErrNoValidRecipients) {
		t.Fatalf("err = %v, want ErrNoValidRecipients", err)
	}
	if len(store.campaigns) != 0 {
		t.Error("no campaign should be created when validation fails")
	}
}

func TestSchedule_OffsetsAreExact(t *testing.T) {
	sched, store, client, clk := setupTestScheduler(t)
	ctx := context.Background()

	start := clk.Now() // start = now, so base offset is 0
	campaignID, err := sched.Schedule(ctx, ScheduleInput{
		UserID:         "user-1",
		Subject:        "hello",
		Body:           "<p>hi</p>",
		FromEmail:      "news@example.com",
		Recipients:     []string{"a@x.com", "b@x.com", "c@x.com"},
		StartTime:      start,
		DelayBetweenMs: 2000,
	})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	if len(store.recipients) != 3 {
		t.Fatalf("created %d recipients, want 3", len(store.recipients))
	}

	base := float64(start.UnixMilli())
	for i, rec := range store.recipients {
		if rec.OrderIndex != i {
			t.Errorf("recipient %d order index = %d", i, rec.OrderIndex)
		}
		score, err := client.ZScore(ctx, queue.TasksKey, campaignID+"-"+rec.ID).Result()
		if err != nil {
			t.Fatalf("no task scored for recipient %d: %v", i, err)
		}
		want := base + float64(i*2000)
		if score != want {
			t.Errorf("recipient %d due at %v, want %v (offset %dms)", i, score, want, i*2000)
		}
	}
}

func TestSchedule_FutureStartShiftsAllOffsets(t *testing.T) {
	sched, store, client, clk := setupTestScheduler(t)
	ctx := context.Background()

	start := clk.Now().Add(10 * time.Second)
	campaignID, err := sched.Schedule(ctx, ScheduleInput{
		UserID:         "user-1",
		Subject:        "hello",
		Body:           "<p>hi</p>",
		FromEmail:      "news@example.com",
		Recipients:     []string{"a@x.com", "b@x.com"},
		StartTime:      start,
		DelayBetweenMs: 1000,
	})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	for i, rec := range store.recipients {
		score, err := client.ZScore(ctx, queue.TasksKey, campaignID+"-"+rec.ID).Result()
		if err != nil {
			t.Fatalf("no task for recipient %d: %v", i, err)
		}
		want := float64(start.UnixMilli() + int64(i*1000))
		if score != want {
			t.Errorf("recipient %d due at %v, want %v", i, score, want)
		}
	}
}

func TestSchedule_PastStartClampsToZero(t *testing.T) {
	sched, store, client, clk := setupTestScheduler(t)
	ctx := context.Background()

	campaignID, err := sched.Schedule(ctx, ScheduleInput{
		UserID:         "user-1",
		Subject:        "hello",
		Body:           "<p>hi</p>",
		FromEmail:      "news@example.com",
		Recipients:     []string{"a@x.com"},
		StartTime:      clk.Now().Add(-time.Hour),
		DelayBetweenMs: 1000,
	})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	score, err := client.ZScore(ctx, queue.TasksKey, campaignID+"-"+store.recipients[0].ID).Result()
	if err != nil {
		t.Fatalf("no task: %v", err)
	}
	if score != float64(clk.Now().UnixMilli()) {
		t.Errorf("past start should clamp to now, due = %v, want %v", score, clk.Now().UnixMilli())
	}
}

func TestSchedule_StatusProgression(t *testing.T) {
	sched, store, _, clk := setupTestScheduler(t)

	campaignID, err := sched.Schedule(context.Background(), ScheduleInput{
		UserID:     "user-1",
		Subject:    "hello",
		Body:       "<p>hi</p>",
		FromEmail:  "news@example.com",
		Recipients: []string{"a@x.com"},
		StartTime:  clk.Now(),
	})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	want := []string{domain.CampaignScheduled, domain.CampaignInProgress}
	if !reflect.DeepEqual(store.statusLog, want) {
		t.Errorf("status progression = %v, want %v", store.statusLog, want)
	}

	c := store.campaigns[campaignID]
	if c.TotalRecipients != 1 {
		t.Errorf("total recipients = %d, want 1", c.TotalRecipients)
	}
}

func TestSchedule_DefaultsApplied(t *testing.T) {
	sched, store, _, clk := setupTestScheduler(t)

	campaignID, err := sched.Schedule(context.Background(), ScheduleInput{
		UserID:     "user-1",
		Subject:    "hello",
		Body:       "<p>hi</p>",
		FromEmail:  "news@example.com",
		Recipients: []string{"a@x.com"},
		StartTime:  clk.Now(),
	})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	c := store.campaigns[campaignID]
	if c.DelayBetweenMs != 2000 {
		t.Errorf("delay = %d, want default 2000", c.DelayBetweenMs)
	}
	if c.HourlyLimit != 100 {
		t.Errorf("hourly limit = %d, want default 100", c.HourlyLimit)
	}
}

func TestSchedule_TaskSnapshotsCampaignContent(t *testing.T) {
	sched, _, client, clk := setupTestScheduler(t)
	ctx := context.Background()

	_, err := sched.Schedule(ctx, ScheduleInput{
		UserID:     "user-7",
		Subject:    "March newsletter",
		Body:       "<h1>News</h1>",
		FromEmail:  "news@example.com",
		Recipients: []string{"a@x.com"},
		StartTime:  clk.Now(),
	})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	q := queue.New(client, clk, testLogger())
	tasks, err := q.ClaimDue(ctx, 10)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("claimed %d tasks (err %v), want 1", len(tasks), err)
	}

	task := tasks[0]
	if task.Subject != "March newsletter" || task.Body != "<h1>News</h1>" {
		t.Errorf("task did not snapshot campaign content: %+v", task)
	}
	if task.FromEmail != "news@example.com" || task.ToEmail != "a@x.com" {
		t.Errorf("task addresses wrong: %+v", task)
	}
	if task.UserID != "user-7" {
		t.Errorf("task user = %q, want user-7", task.UserID)
	}
	if task.HourlyLimit != 100 {
		t.Errorf("task hourly limit = %d, want 100", task.HourlyLimit)
	}
}

func TestReconcile_RecoversLostDeferredTask(t *testing.T) {
	sched, store, client, clk := setupTestScheduler(t)
	ctx := context.Background()
	q := queue.New(client, clk, testLogger())

	if _, err := sched.Schedule(ctx, ScheduleInput{
		UserID:     "user-1",
		Subject:    "hello",
		Body:       "<p>hi</p>",
		FromEmail:  "news@example.com",
		Recipients: []string{"a@x.com"},
		StartTime:  clk.Now(),
	}); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	tasks, err := q.ClaimDue(ctx, 10)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("claimed %d tasks (err %v), want 1", len(tasks), err)
	}
	task := tasks[0]

	// Throttle deferral: a replacement goes in under a retry id and the
	// original identity completes, which puts it in the done set
	requeued := task
	requeued.Attempt = 0
	retryID := fmt.Sprintf("%s-retry-%d", task.DefaultID(), clk.Now().UnixMilli())
	if _, err := q.Enqueue(ctx, requeued, 30*time.Minute, retryID); err != nil {
		t.Fatalf("deferral enqueue failed: %v", err)
	}
	if err := q.Complete(ctx, task); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	// The replacement is claimed by a worker that dies before handling it
	clk.Advance(30 * time.Minute)
	lost, _ := q.ClaimDue(ctx, 10)
	if len(lost) != 1 {
		t.Fatalf("claimed %d replacement tasks, want 1", len(lost))
	}

	// The sweep must recover the recipient: it is still PENDING, even though
	// its default task id sits in the done set
	if err := sched.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	recovered, err := q.ClaimDue(ctx, 10)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("reconcile enqueued %d tasks for a stranded PENDING recipient, want 1", len(recovered))
	}
	if recovered[0].ID != task.DefaultID() {
		t.Errorf("recovered task id = %q, want %q", recovered[0].ID, task.DefaultID())
	}
	if recovered[0].RecipientID != store.recipients[0].ID {
		t.Errorf("recovered task recipient = %q, want %q", recovered[0].RecipientID, store.recipients[0].ID)
	}
}

func TestReconcile_RecoversDiscardedTask(t *testing.T) {
	sched, _, client, clk := setupTestScheduler(t)
	ctx := context.Background()
	q := queue.New(client, clk, testLogger())

	if _, err := sched.Schedule(ctx, ScheduleInput{
		UserID:     "user-1",
		Subject:    "hello",
		Body:       "<p>hi</p>",
		FromEmail:  "news@example.com",
		Recipients: []string{"a@x.com"},
		StartTime:  clk.Now(),
	}); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	tasks, _ := q.ClaimDue(ctx, 10)
	if len(tasks) != 1 {
		t.Fatalf("claimed %d tasks, want 1", len(tasks))
	}

	// Burn through the retry budget (persistent commit failures); the final
	// Retry discards the task and records its id as done
	task := tasks[0]
	task.Attempt = queue.MaxAttempts
	if err := q.Retry(ctx, task); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Fatalf("queue depth = %d after discard, want 0", depth)
	}

	// The recipient is still PENDING, so the sweep must bring the task back
	if err := sched.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	recovered, _ := q.ClaimDue(ctx, 10)
	if len(recovered) != 1 {
		t.Fatalf("reconcile enqueued %d tasks for a discarded PENDING recipient, want 1", len(recovered))
	}
}

func TestReconcile_ReenqueuesPendingWithoutTasks(t *testing.T) {
	sched, store, client, clk := setupTestScheduler(t)
	ctx := context.Background()

	// A campaign whose tasks were lost: recipients exist, queue is empty
	campaign := &domain.Campaign{
		ID:             "camp-lost",
		UserID:         "user-1",
		Subject:        "hello",
		Body:           "<p>hi</p>",
		FromEmail:      "news@example.com",
		StartTime:      clk.Now().Add(-time.Minute),
		DelayBetweenMs: 1000,
		HourlyLimit:    100,
		Status:         domain.CampaignScheduled,
	}
	store.campaigns[campaign.ID] = campaign
	store.recipients = []domain.Recipient{
		{ID: "rec-a", CampaignID: "camp-lost", Email: "a@x.com", OrderIndex: 0, Status: domain.RecipientPending},
		{ID: "rec-b", CampaignID: "camp-lost", Email: "b@x.com", OrderIndex: 1, Status: domain.RecipientPending},
	}

	if err := sched.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	depth, _ := client.ZCard(ctx, queue.TasksKey).Result()
	if depth != 2 {
		t.Errorf("queue depth after reconcile = %d, want 2", depth)
	}
	if store.campaigns["camp-lost"].Status != domain.CampaignInProgress {
		t.Errorf("campaign status = %q, want IN_PROGRESS", store.campaigns["camp-lost"].Status)
	}

	// Running again must not duplicate tasks — ids collide
	if err := sched.Reconcile(ctx); err != nil {
		t.Fatalf("second reconcile failed: %v", err)
	}
	depth, _ = client.ZCard(ctx, queue.TasksKey).Result()
	if depth != 2 {
		t.Errorf("queue depth after second reconcile = %d, want 2", depth)
	}
}
