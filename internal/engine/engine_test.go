package engine

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/casevia/flowtrace/internal/clock"
	"github.com/casevia/flowtrace/internal/observability"
	"github.com/casevia/flowtrace/model"
)

// --- Test helpers ---

var testEpoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func testUsers() model.StaticDirectory {
	return model.StaticDirectory{
		"user-alice": {ID: "user-alice", Name: "Alice", Email: "alice@example.com"},
		"user-bob":   {ID: "user-bob", Name: "Bob", Email: "bob@example.com", Roles: []string{"role-agent"}},
		"user-carol": {ID: "user-carol", Name: "Carol", Email: "carol@example.com"},
	}
}

// mockMailer records deliveries.
type mockMailer struct {
	sent []*model.EmailPart
}

func (m *mockMailer) SendEmail(_ context.Context, email *model.EmailPart) error {
	m.sent = append(m.sent, email)
	return nil
}

func testWorkflow() *model.Workflow {
	return &model.Workflow{
		ID:   "wf-request",
		Name: "Request handling",
		Statuses: []model.Status{
			{
				ID:   "st-new",
				Name: "New",
				Items: []model.Item{
					{ID: "i-accept", Kind: model.ItemChoice, Label: "Accept", TargetStatusID: "st-review", By: []string{model.FunctionReceiver}},
					{ID: "i-reject", Kind: model.ItemChoice, Label: "Reject", TargetStatusID: "st-rejected"},
					{ID: "i-form", Kind: model.ItemForm, FormFields: []string{"comment"}},
					{ID: "i-edit", Kind: model.ItemEditable, Label: "Edit", By: []string{model.FunctionSubmitter}},
				},
			},
			{
				ID:   "st-review",
				Name: "Review",
				Items: []model.Item{
					{ID: "i-badcond", Kind: model.ItemSendmail, Condition: "data.missing == 'x'", To: []string{"_submitter"}, Subject: "never", Body: "never"},
					{ID: "i-ack", Kind: model.ItemSendmail, To: []string{"_submitter"}, Subject: "Received: {{ data.subject }}", Body: "We are on it."},
					{ID: "i-timeout", Kind: model.ItemJump, Mode: model.JumpModeTimeout, TimeoutSeconds: 3600, TargetStatusID: "st-escalated"},
					{ID: "i-payment", Kind: model.ItemJump, Mode: model.JumpModeTrigger, Trigger: "payment", Condition: "payload.amount >= 100", TargetStatusID: "st-paid"},
				},
			},
			{
				ID:   "st-auto",
				Name: "Auto",
				Items: []model.Item{
					{ID: "i-auto-jump", Kind: model.ItemJump, TargetStatusID: "st-done"},
				},
			},
			{
				ID:   "st-loop-a",
				Name: "Loop A",
				Items: []model.Item{
					{ID: "i-loop-ab", Kind: model.ItemJump, TargetStatusID: "st-loop-b"},
				},
			},
			{
				ID:   "st-loop-b",
				Name: "Loop B",
				Items: []model.Item{
					{ID: "i-loop-ba", Kind: model.ItemJump, TargetStatusID: "st-loop-a"},
				},
			},
			{ID: "st-escalated", Name: "Escalated"},
			{ID: "st-paid", Name: "Paid"},
			{ID: "st-rejected", Name: "Rejected"},
			{ID: "st-done", Name: "Done"},
		},
		GlobalActions: []model.GlobalAction{
			{
				ID:   "ga-remind",
				Name: "Send reminder",
				Items: []model.Item{
					{ID: "i-remind-mail", Kind: model.ItemSendmail, To: []string{"_submitter"}, Subject: "Reminder", Body: "Still pending."},
				},
				Triggers: []model.GlobalTrigger{
					{ID: "tr-manual", Kind: model.TriggerManual, By: []string{model.FunctionReceiver}},
					{ID: "tr-30d", Kind: model.TriggerTimeout, Anchor: model.AnchorCreation, TimeoutDays: 30},
				},
			},
			{
				ID:   "ga-cancel",
				Name: "Cancel",
				Items: []model.Item{
					{ID: "i-cancel-jump", Kind: model.ItemJump, TargetStatusID: "st-rejected"},
				},
				Triggers: []model.GlobalTrigger{
					{ID: "tr-cancel", Kind: model.TriggerWebservice, Identifier: "cancel"},
				},
			},
		},
		CriticalityLevels: []model.CriticalityLevel{
			{Name: "normal"}, {Name: "high"}, {Name: "critical"},
		},
	}
}

func testRecord() *model.Record {
	return &model.Record{
		ID:          "rec-1",
		WorkflowID:  "wf-request",
		Slug:        "request",
		Kind:        model.RecordKindFormdata,
		SubmitterID: "user-alice",
		Functions:   map[string]string{model.FunctionReceiver: "role-agent"},
		Data:        map[string]any{"subject": "Broken streetlight"},
		StatusID:    "st-new",
		CreatedAt:   testEpoch,
		UpdatedAt:   testEpoch,
	}
}

func testEnv() (*Env, *clock.Fake) {
	fc := clock.NewFake(testEpoch)
	return &Env{
		Clock: fc,
		Users: testUsers(),
		Sinks: &Sinks{},
	}, fc
}

func submitter() *model.User {
	u, _ := testUsers().UserByID("user-alice")
	return u
}

func receiver() *model.User {
	u, _ := testUsers().UserByID("user-bob")
	return u
}

func lastTrace(t *testing.T, rec *model.Record) model.TraceEntry {
	t.Helper()
	if len(rec.Traces) == 0 {
		t.Fatal("expected trace entries")
	}
	return rec.Traces[len(rec.Traces)-1]
}

func traceKeys(rec *model.Record) []string {
	keys := make([]string, 0, len(rec.Traces))
	for i := range rec.Traces {
		keys = append(keys, rec.Traces[i].JoinKey())
	}
	return keys
}

// --- ClickButton ---

func TestEngine_ClickButton_jump(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()

	if err := e.ClickButton(context.Background(), env, rec, "Accept", receiver()); err != nil {
		t.Fatalf("ClickButton error: %v", err)
	}
	if rec.StatusID != "st-review" {
		t.Errorf("StatusID = %q, want st-review", rec.StatusID)
	}
	if len(rec.Traces) == 0 || rec.Traces[0].Event != model.EventButton {
		t.Fatalf("traces = %v, want button first", traceKeys(rec))
	}
	if rec.Traces[0].Args["action_item_id"] != "i-accept" {
		t.Errorf("action_item_id = %q", rec.Traces[0].Args["action_item_id"])
	}
	if rec.Traces[0].Args["who"] != "receiver" {
		t.Errorf("who = %q, want receiver", rec.Traces[0].Args["who"])
	}
	// The button entry keeps the status the click happened in.
	if rec.Traces[0].StatusID != "st-new" {
		t.Errorf("trace StatusID = %q, want st-new", rec.Traces[0].StatusID)
	}
}

func TestEngine_ClickButton_runsTargetItems(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()

	if err := e.ClickButton(context.Background(), env, rec, "Accept", receiver()); err != nil {
		t.Fatalf("ClickButton error: %v", err)
	}
	// Arriving in st-review sends the acknowledgement email.
	if env.Sinks.Emails.Len() != 1 {
		t.Fatalf("emails = %d, want 1", env.Sinks.Emails.Len())
	}
	mail := env.Sinks.Emails.Items()[0]
	if mail.Subject != "Received: Broken streetlight" {
		t.Errorf("Subject = %q", mail.Subject)
	}
	if len(mail.Addresses) != 1 || mail.Addresses[0] != "alice@example.com" {
		t.Errorf("Addresses = %v", mail.Addresses)
	}
}

func TestEngine_ClickButton_notFound(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()

	err := e.ClickButton(context.Background(), env, rec, "Nope", receiver())
	if err == nil {
		t.Fatal("expected error")
	}
	te, ok := err.(*model.TestError)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if te.Code != model.ErrCodeNotFound {
		t.Errorf("code = %s", te.Code)
	}
}

func TestEngine_ClickButton_forbidden(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()

	// Alice is the submitter, not the receiver: Accept is hidden for her.
	err := e.ClickButton(context.Background(), env, rec, "Accept", submitter())
	if err == nil {
		t.Fatal("expected error")
	}
	te, ok := err.(*model.TestError)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if te.Code != model.ErrCodeForbidden {
		t.Errorf("code = %s", te.Code)
	}
	if rec.StatusID != "st-new" {
		t.Errorf("StatusID = %q, record must not move", rec.StatusID)
	}
}

func TestEngine_ClickButton_unrestricted(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()

	// Reject has no actor restriction: even a nil user may click it.
	if err := e.ClickButton(context.Background(), env, rec, "Reject", nil); err != nil {
		t.Fatalf("ClickButton error: %v", err)
	}
	if rec.StatusID != "st-rejected" {
		t.Errorf("StatusID = %q, want st-rejected", rec.StatusID)
	}
}

// --- PerformWorkflow ---

func TestEngine_PerformWorkflow_continuation(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()
	rec.StatusID = "st-auto"

	if err := e.PerformWorkflow(context.Background(), env, rec); err != nil {
		t.Fatalf("PerformWorkflow error: %v", err)
	}
	if rec.StatusID != "st-done" {
		t.Errorf("StatusID = %q, want st-done", rec.StatusID)
	}
	keys := traceKeys(rec)
	if len(keys) != 1 || keys[0] != model.EventContinuation {
		t.Errorf("traces = %v, want one continuation", keys)
	}
	// The continuation entry carries the post-jump status.
	if rec.Traces[0].StatusID != "st-done" {
		t.Errorf("trace StatusID = %q, want st-done", rec.Traces[0].StatusID)
	}
}

func TestEngine_PerformWorkflow_chainLimit(t *testing.T) {
	e := New(testWorkflow())
	e.ChainLimit = 5
	env, _ := testEnv()
	rec := testRecord()
	rec.StatusID = "st-loop-a"

	if err := e.PerformWorkflow(context.Background(), env, rec); err != nil {
		t.Fatalf("PerformWorkflow error: %v", err)
	}
	last := lastTrace(t, rec)
	if last.Event != model.EventAborted {
		t.Errorf("last event = %q, want %q", last.Event, model.EventAborted)
	}
	// 5 continuations before the abort.
	continuations := 0
	for _, k := range traceKeys(rec) {
		if k == model.EventContinuation {
			continuations++
		}
	}
	if continuations != 5 {
		t.Errorf("continuations = %d, want 5", continuations)
	}
}

func TestEngine_PerformWorkflow_conditionFailOpen(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()
	rec.StatusID = "st-review"

	// i-badcond references a missing field: the item must be skipped and
	// the following email must still fire.
	if err := e.PerformWorkflow(context.Background(), env, rec); err != nil {
		t.Fatalf("PerformWorkflow error: %v", err)
	}
	if env.Sinks.Emails.Len() != 1 {
		t.Fatalf("emails = %d, want 1", env.Sinks.Emails.Len())
	}
	if env.Sinks.Emails.Items()[0].Subject != "Received: Broken streetlight" {
		t.Errorf("Subject = %q", env.Sinks.Emails.Items()[0].Subject)
	}
}

func TestEngine_PerformWorkflow_brokenStatus(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()
	rec.StatusID = "st-gone"

	err := e.PerformWorkflow(context.Background(), env, rec)
	if err == nil {
		t.Fatal("expected error")
	}
	te, ok := err.(*model.TestError)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if te.Code != model.ErrCodeBrokenReference {
		t.Errorf("code = %s", te.Code)
	}
}

// --- Timeout jumps ---

func TestEngine_EvaluateTimeoutJumps_firesAfterDelay(t *testing.T) {
	e := New(testWorkflow())
	env, fc := testEnv()
	rec := testRecord()
	rec.StatusID = "st-review"

	fired, err := e.EvaluateTimeoutJumps(context.Background(), env, rec)
	if err != nil {
		t.Fatalf("EvaluateTimeoutJumps error: %v", err)
	}
	if fired {
		t.Fatal("jump fired before the delay elapsed")
	}

	fc.Advance(3599 * time.Second)
	fired, _ = e.EvaluateTimeoutJumps(context.Background(), env, rec)
	if fired {
		t.Fatal("jump fired one second early")
	}

	fc.Advance(1 * time.Second)
	fired, err = e.EvaluateTimeoutJumps(context.Background(), env, rec)
	if err != nil {
		t.Fatalf("EvaluateTimeoutJumps error: %v", err)
	}
	if !fired {
		t.Fatal("jump did not fire at the exact delay")
	}
	if rec.StatusID != "st-escalated" {
		t.Errorf("StatusID = %q, want st-escalated", rec.StatusID)
	}
	if rec.Traces[0].Event != model.EventTimeoutJump {
		t.Errorf("event = %q, want timeout-jump", rec.Traces[0].Event)
	}
	if rec.Traces[0].Args["action_item_id"] != "i-timeout" {
		t.Errorf("action_item_id = %q", rec.Traces[0].Args["action_item_id"])
	}
}

func TestEngine_EvaluateTimeoutJumps_anchorsOnUpdate(t *testing.T) {
	e := New(testWorkflow())
	env, fc := testEnv()
	rec := testRecord()
	rec.StatusID = "st-review"

	// An update resets the countdown.
	fc.Advance(30 * time.Minute)
	rec.UpdatedAt = fc.Now()
	fc.Advance(45 * time.Minute)

	fired, _ := e.EvaluateTimeoutJumps(context.Background(), env, rec)
	if fired {
		t.Fatal("jump fired against the stale anchor")
	}
	fc.Advance(15 * time.Minute)
	fired, _ = e.EvaluateTimeoutJumps(context.Background(), env, rec)
	if !fired {
		t.Fatal("jump did not fire after the full delay from the update")
	}
}

func TestEngine_ScanTimeouts(t *testing.T) {
	e := New(testWorkflow())
	env, fc := testEnv()
	store := NewMemoryStore()
	env.Store = store

	overdue := testRecord()
	overdue.StatusID = "st-review"
	fresh := testRecord()
	fresh.ID = "rec-2"
	fresh.StatusID = "st-review"

	if err := store.Create(context.Background(), overdue); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(context.Background(), fresh); err != nil {
		t.Fatalf("Create: %v", err)
	}

	fc.Advance(2 * time.Hour)
	fresh.UpdatedAt = fc.Now().Add(-10 * time.Minute)

	if err := e.ScanTimeouts(context.Background(), env, store); err != nil {
		t.Fatalf("ScanTimeouts error: %v", err)
	}
	if overdue.StatusID != "st-escalated" {
		t.Errorf("overdue StatusID = %q, want st-escalated", overdue.StatusID)
	}
	if fresh.StatusID != "st-review" {
		t.Errorf("fresh StatusID = %q, want st-review", fresh.StatusID)
	}
}

func TestEngine_MinJumpsDelay(t *testing.T) {
	e := New(testWorkflow())

	d, ok := e.MinJumpsDelay(time.Minute)
	if !ok {
		t.Fatal("expected a delay")
	}
	if d != time.Hour {
		t.Errorf("delay = %v, want 1h", d)
	}

	// Granularity floors the result.
	d, _ = e.MinJumpsDelay(2 * time.Hour)
	if d != 2*time.Hour {
		t.Errorf("delay = %v, want 2h", d)
	}

	// No timeout jumps at all.
	bare := New(&model.Workflow{ID: "wf-bare", Statuses: []model.Status{{ID: "st-only"}}})
	if _, ok := bare.MinJumpsDelay(time.Minute); ok {
		t.Error("expected no delay for a workflow without timeout jumps")
	}
}

// --- Jump triggers ---

func TestEngine_FireJumpTrigger(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()
	rec.StatusID = "st-review"

	err := e.FireJumpTrigger(context.Background(), env, rec, "payment", map[string]any{"amount": 250}, nil)
	if err != nil {
		t.Fatalf("FireJumpTrigger error: %v", err)
	}
	if rec.StatusID != "st-paid" {
		t.Errorf("StatusID = %q, want st-paid", rec.StatusID)
	}
	found := false
	for _, tr := range rec.Traces {
		if tr.Event == model.EventAPITrigger && tr.Args["trigger"] == "payment" {
			found = true
		}
	}
	if !found {
		t.Errorf("traces = %v, want api-trigger with trigger=payment", traceKeys(rec))
	}
}

func TestEngine_FireJumpTrigger_conditionNotMet(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()
	rec.StatusID = "st-review"

	err := e.FireJumpTrigger(context.Background(), env, rec, "payment", map[string]any{"amount": 50}, nil)
	if err == nil {
		t.Fatal("expected not found when the condition filters the jump out")
	}
	if rec.StatusID != "st-review" {
		t.Errorf("StatusID = %q, record must not move", rec.StatusID)
	}
}

func TestEngine_FireJumpTrigger_unknown(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()
	rec.StatusID = "st-review"

	err := e.FireJumpTrigger(context.Background(), env, rec, "refund", nil, nil)
	te, ok := err.(*model.TestError)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if te.Code != model.ErrCodeNotFound {
		t.Errorf("code = %s", te.Code)
	}
}

// --- Global actions ---

func TestEngine_ClickGlobalActionButton(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()

	err := e.ClickGlobalActionButton(context.Background(), env, rec, "Send reminder", receiver())
	if err != nil {
		t.Fatalf("ClickGlobalActionButton error: %v", err)
	}
	if env.Sinks.Emails.Len() != 1 {
		t.Fatalf("emails = %d, want 1", env.Sinks.Emails.Len())
	}
	if rec.Traces[0].Event != model.EventGlobalActionButton {
		t.Errorf("event = %q", rec.Traces[0].Event)
	}
	if rec.Traces[0].Args["global_action_id"] != "ga-remind" {
		t.Errorf("global_action_id = %q", rec.Traces[0].Args["global_action_id"])
	}
	if rec.StatusID != "st-new" {
		t.Errorf("StatusID = %q, reminder must not move the record", rec.StatusID)
	}
}

func TestEngine_ClickGlobalActionButton_forbidden(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()

	err := e.ClickGlobalActionButton(context.Background(), env, rec, "Send reminder", submitter())
	te, ok := err.(*model.TestError)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if te.Code != model.ErrCodeForbidden {
		t.Errorf("code = %s", te.Code)
	}
}

func TestEngine_FireWebserviceTrigger(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()

	err := e.FireWebserviceTrigger(context.Background(), env, rec, "cancel", nil, nil)
	if err != nil {
		t.Fatalf("FireWebserviceTrigger error: %v", err)
	}
	if rec.StatusID != "st-rejected" {
		t.Errorf("StatusID = %q, want st-rejected", rec.StatusID)
	}
	if rec.Traces[0].Event != model.EventGlobalAPITrigger {
		t.Errorf("event = %q", rec.Traces[0].Event)
	}
}

func TestEngine_FireWebserviceTrigger_notDeduplicated(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()

	for i := 0; i < 2; i++ {
		if err := e.FireWebserviceTrigger(context.Background(), env, rec, "cancel", nil, nil); err != nil {
			t.Fatalf("firing %d: %v", i+1, err)
		}
	}
	count := 0
	for _, tr := range rec.Traces {
		if tr.Event == model.EventGlobalAPITrigger {
			count++
		}
	}
	if count != 2 {
		t.Errorf("global-api-trigger entries = %d, want 2 (no deduplication)", count)
	}
}

func TestEngine_FireWebserviceTrigger_unknown(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()

	err := e.FireWebserviceTrigger(context.Background(), env, rec, "nope", nil, nil)
	te, ok := err.(*model.TestError)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if te.Code != model.ErrCodeNotFound {
		t.Errorf("code = %s", te.Code)
	}
}

func TestEngine_ApplyGlobalTimeouts(t *testing.T) {
	e := New(testWorkflow())
	env, fc := testEnv()
	rec := testRecord()

	// Not yet due.
	fc.Advance(29 * 24 * time.Hour)
	if err := e.ApplyGlobalTimeouts(context.Background(), env, SingleRecordSource{Record: rec}); err != nil {
		t.Fatalf("ApplyGlobalTimeouts error: %v", err)
	}
	if env.Sinks.Emails.Len() != 0 {
		t.Fatal("reminder fired before the deadline")
	}

	fc.Advance(24 * time.Hour)
	if err := e.ApplyGlobalTimeouts(context.Background(), env, SingleRecordSource{Record: rec}); err != nil {
		t.Fatalf("ApplyGlobalTimeouts error: %v", err)
	}
	if env.Sinks.Emails.Len() != 1 {
		t.Fatalf("emails = %d, want 1", env.Sinks.Emails.Len())
	}
	if !rec.HasTimeoutMarker("tr-30d") {
		t.Error("expected a timeout marker for tr-30d")
	}
	last := lastTrace(t, rec)
	if last.Event != model.EventGlobalActionTimeout {
		t.Errorf("event = %q", last.Event)
	}

	// A later pass must not fire the same trigger again.
	fc.Advance(24 * time.Hour)
	if err := e.ApplyGlobalTimeouts(context.Background(), env, SingleRecordSource{Record: rec}); err != nil {
		t.Fatalf("ApplyGlobalTimeouts error: %v", err)
	}
	if env.Sinks.Emails.Len() != 1 {
		t.Errorf("emails = %d, a fired timeout trigger must not repeat", env.Sinks.Emails.Len())
	}
}

// --- Delivery ---

func TestEngine_Sendmail_deliversWithoutSinks(t *testing.T) {
	e := New(testWorkflow())
	mailer := &mockMailer{}
	env := &Env{
		Clock:  clock.NewFake(testEpoch),
		Users:  testUsers(),
		Mailer: mailer,
	}
	rec := testRecord()
	rec.StatusID = "st-review"

	if err := e.PerformWorkflow(context.Background(), env, rec); err != nil {
		t.Fatalf("PerformWorkflow error: %v", err)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(mailer.sent))
	}
	if mailer.sent[0].Addresses[0] != "alice@example.com" {
		t.Errorf("Addresses = %v", mailer.sent[0].Addresses)
	}
}

// --- Forms and edits ---

func TestEngine_SubmitForm(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()

	err := e.SubmitForm(context.Background(), env, rec, "i-form", map[string]any{"comment": "please hurry"}, submitter())
	if err != nil {
		t.Fatalf("SubmitForm error: %v", err)
	}
	if rec.Data["comment"] != "please hurry" {
		t.Errorf("Data[comment] = %v", rec.Data["comment"])
	}
	last := lastTrace(t, rec)
	if last.ActionItemKey != model.ItemForm {
		t.Errorf("ActionItemKey = %q, want form", last.ActionItemKey)
	}
	if last.Args["who"] != "submitter" {
		t.Errorf("who = %q, want submitter", last.Args["who"])
	}
}

func TestEngine_SubmitForm_unknownItem(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()

	err := e.SubmitForm(context.Background(), env, rec, "i-gone", nil, submitter())
	te, ok := err.(*model.TestError)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if te.Code != model.ErrCodeBrokenReference {
		t.Errorf("code = %s", te.Code)
	}
}

func TestEngine_ApplyEdit(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()

	err := e.ApplyEdit(context.Background(), env, rec, "i-edit", map[string]any{"subject": "Fixed title"}, submitter())
	if err != nil {
		t.Fatalf("ApplyEdit error: %v", err)
	}
	if rec.Data["subject"] != "Fixed title" {
		t.Errorf("Data[subject] = %v", rec.Data["subject"])
	}
	found := false
	for _, tr := range rec.Traces {
		if tr.Event == model.EventEditAction && tr.Args["action_item_id"] == "i-edit" {
			found = true
		}
	}
	if !found {
		t.Errorf("traces = %v, want edit-action", traceKeys(rec))
	}
	// Snapshot part records the old value.
	var snap *model.SnapshotPart
	for _, evo := range rec.Evolution {
		for _, p := range evo.Parts {
			if s, ok := p.(*model.SnapshotPart); ok && s.Source == "edit-action" {
				snap = s
			}
		}
	}
	if snap == nil {
		t.Fatal("expected an edit snapshot part")
	}
	if snap.Old["subject"] != "Broken streetlight" {
		t.Errorf("snapshot old = %v", snap.Old["subject"])
	}
}

func TestEngine_ApplyEdit_wrongStatus(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()
	rec.StatusID = "st-done"

	err := e.ApplyEdit(context.Background(), env, rec, "i-edit", nil, submitter())
	te, ok := err.(*model.TestError)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if te.Code != model.ErrCodeNotFound {
		t.Errorf("code = %s", te.Code)
	}
}

func TestEngine_ApplyEdit_forbidden(t *testing.T) {
	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()

	err := e.ApplyEdit(context.Background(), env, rec, "i-edit", nil, receiver())
	te, ok := err.(*model.TestError)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if te.Code != model.ErrCodeForbidden {
		t.Errorf("code = %s", te.Code)
	}
}

// --- Auth helpers ---

func TestEngine_checkAuth(t *testing.T) {
	e := New(testWorkflow())
	rec := testRecord()

	if !e.checkAuth(rec, nil, nil) {
		t.Error("empty actor set must be unrestricted")
	}
	if e.checkAuth(rec, []string{model.FunctionSubmitter}, nil) {
		t.Error("nil user must fail a restricted set")
	}
	if !e.checkAuth(rec, []string{model.FunctionSubmitter}, submitter()) {
		t.Error("submitter must match _submitter")
	}
	if e.checkAuth(rec, []string{model.FunctionSubmitter}, receiver()) {
		t.Error("receiver must not match _submitter")
	}
	if !e.checkAuth(rec, []string{model.FunctionReceiver}, receiver()) {
		t.Error("receiver role must match through the function mapping")
	}
	if e.checkAuth(rec, []string{model.FunctionReceiver}, submitter()) {
		t.Error("submitter must not match the receiver function")
	}
	if !e.checkAuth(rec, []string{"role-agent"}, receiver()) {
		t.Error("direct role ID must match")
	}
}

func TestEngine_whoHint(t *testing.T) {
	e := New(testWorkflow())
	rec := testRecord()

	who, whoID := e.whoHint(rec, submitter())
	if who != "submitter" || whoID != "" {
		t.Errorf("submitter hint = %q/%q", who, whoID)
	}
	who, whoID = e.whoHint(rec, receiver())
	if who != "receiver" || whoID != "" {
		t.Errorf("receiver hint = %q/%q", who, whoID)
	}
	other, _ := testUsers().UserByID("user-carol")
	who, whoID = e.whoHint(rec, other)
	if who != "other" || whoID != "user-carol" {
		t.Errorf("other hint = %q/%q", who, whoID)
	}
	who, whoID = e.whoHint(rec, nil)
	if who != "" || whoID != "" {
		t.Errorf("nil user hint = %q/%q", who, whoID)
	}
}

// --- Context logger ---

func TestEngine_PerformWorkflow_usesContextLogger(t *testing.T) {
	var buf bytes.Buffer
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	})
	logger := zap.New(zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel))

	e := New(testWorkflow())
	env, _ := testEnv()
	rec := testRecord()
	rec.StatusID = "st-auto"

	ctx := observability.WithLogger(context.Background(), logger)
	if err := e.PerformWorkflow(ctx, env, rec); err != nil {
		t.Fatalf("PerformWorkflow error: %v", err)
	}
	if rec.StatusID != "st-done" {
		t.Fatalf("status = %q, want st-done", rec.StatusID)
	}

	out := buf.String()
	if !strings.Contains(out, "status transition") {
		t.Errorf("context logger did not receive the transition log: %s", out)
	}
	if !strings.Contains(out, "rec-1") {
		t.Errorf("log line missing record identity: %s", out)
	}
}
