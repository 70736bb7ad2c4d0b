package gateway

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/bounceapp/bounce/internal/datastore"
	"github.com/bounceapp/bounce/internal/rpc"
)

func seedIngestApp(env *testEnv) datastore.App {
	app := env.store.AddApp("myapp", "My App", true)
	env.store.AddAppKey("key-1", app.ID, true)
	return app
}

func statsHeaders() map[string]string {
	return map[string]string{
		rpc.HeaderAppKey: "key-1",
		rpc.HeaderUDID:   "udid-1",
	}
}

func TestStatsDuplicateRowWritesExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	app := seedIngestApp(env)

	row := map[string]any{
		"ts":     1336392000.25,
		"action": "viewDidAppear",
		"uuid":   "11111111-aaaa",
		"data":   map[string]any{"slug": "home"},
	}
	logs := []any{row}

	for i := 0; i < 2; i++ {
		_, out := env.call(t, "stats", map[string]any{"logs": logs}, statsHeaders())
		if out.Error != nil {
			t.Fatalf("stats call %d failed: %+v", i, out.Error)
		}
	}

	if got := env.store.StatsLogCount(); got != 1 {
		t.Fatalf("expected exactly one raw log row, got %d", got)
	}
	bucket := datastore.PeriodHour.Truncate(time.Unix(1336392000, 0))
	if got := env.store.Views(datastore.PeriodHour, app.ID, "iOS", bucket); got != 1 {
		t.Fatalf("expected exactly one hourly view increment, got %d", got)
	}
	if got := env.store.SlugViews(datastore.PeriodHour, app.ID, "iOS", bucket, "home"); got != 1 {
		t.Fatalf("expected exactly one hourly slug view increment, got %d", got)
	}
}

func TestStatsRollsUpEveryPeriod(t *testing.T) {
	env := newTestEnv(t)
	app := seedIngestApp(env)

	ts := 1336392000.0
	_, out := env.call(t, "stats", map[string]any{"logs": []any{map[string]any{
		"ts":     ts,
		"action": "viewDidAppear",
		"uuid":   "22222222-bbbb",
		"data":   map[string]any{"slug": "settings"},
	}}}, statsHeaders())
	if out.Error != nil {
		t.Fatalf("stats failed: %+v", out.Error)
	}

	at := time.Unix(int64(ts), 0)
	for _, period := range datastore.Periods {
		bucket := period.Truncate(at)
		if got := env.store.Views(period, app.ID, "iOS", bucket); got != 1 {
			t.Fatalf("period %s: expected one view, got %d", period, got)
		}
	}
}

func TestStatsViewDidDisappearLoggedButNotRolledUp(t *testing.T) {
	env := newTestEnv(t)
	app := seedIngestApp(env)

	_, out := env.call(t, "stats", map[string]any{"logs": []any{map[string]any{
		"ts":     1336392000.0,
		"action": "viewDidDisappear",
		"uuid":   "33333333-cccc",
		"data":   map[string]any{"slug": "home"},
	}}}, statsHeaders())
	if out.Error != nil {
		t.Fatalf("stats failed: %+v", out.Error)
	}

	if got := env.store.StatsLogCount(); got != 1 {
		t.Fatalf("expected the raw row to be logged, got %d", got)
	}
	bucket := datastore.PeriodHour.Truncate(time.Unix(1336392000, 0))
	if got := env.store.Views(datastore.PeriodHour, app.ID, "iOS", bucket); got != 0 {
		t.Fatalf("disappear events must not increment views, got %d", got)
	}
}

func TestStatsMalformedRowDroppedSilently(t *testing.T) {
	env := newTestEnv(t)
	seedIngestApp(env)

	_, out := env.call(t, "stats", map[string]any{"logs": []any{
		map[string]any{"ts": "not-a-number", "action": "viewDidAppear", "uuid": "x", "data": map[string]any{}},
		map[string]any{"action": "viewDidAppear"},
	}}, statsHeaders())
	if out.Error != nil {
		t.Fatalf("malformed rows must not fail the call: %+v", out.Error)
	}
	if got := env.store.StatsLogCount(); got != 0 {
		t.Fatalf("expected no rows written, got %d", got)
	}
}

func TestStatsUnknownAppKeyAcksWithoutWriting(t *testing.T) {
	env := newTestEnv(t)

	_, out := env.call(t, "stats", map[string]any{"logs": []any{map[string]any{
		"ts":     1336392000.0,
		"action": "viewDidAppear",
		"uuid":   "44444444-dddd",
		"data":   map[string]any{"slug": "home"},
	}}}, map[string]string{rpc.HeaderAppKey: "nope", rpc.HeaderUDID: "udid-1"})
	if out.Error != nil {
		t.Fatalf("expected fire-and-forget ack, got %+v", out.Error)
	}
	if out.Result["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", out.Result)
	}
	if got := env.store.StatsLogCount(); got != 0 {
		t.Fatalf("expected no rows written, got %d", got)
	}
}

func abLog(ts float64, uuid string, data map[string]any) map[string]any {
	return map[string]any{"ts": ts, "uuid": uuid, "data": data}
}

func sendAB(t *testing.T, env *testEnv, guid string, logs ...any) {
	t.Helper()
	_, out := env.call(t, "send_ab_logs", map[string]any{
		"logs": logs,
		"guid": guid,
	}, statsHeaders())
	if out.Error != nil {
		t.Fatalf("send_ab_logs failed: %+v", out.Error)
	}
}

func TestABAutoProvisionsExperimentAndVariations(t *testing.T) {
	env := newTestEnv(t)
	app := seedIngestApp(env)

	sendAB(t, env, "guid-1", abLog(1336392000, "ab-1", map[string]any{
		"action":      "num-choices",
		"name":        "button-color",
		"has_data":    false,
		"num_choices": 3,
	}))

	exp, err := env.store.ExperimentBySlug(context.Background(), app.ID, "button-color")
	if err != nil || exp == nil {
		t.Fatalf("expected experiment created, got %v err %v", exp, err)
	}
	if exp.Name != "Experiment for button-color" {
		t.Fatalf("unexpected experiment name %q", exp.Name)
	}
	if !exp.Enabled {
		t.Fatalf("expected experiment enabled")
	}
	if exp.NumChoices != 3 {
		t.Fatalf("expected num_choices 3, got %d", exp.NumChoices)
	}

	variations, err := env.store.VariationsForApp(context.Background(), app.ID)
	if err != nil {
		t.Fatalf("variations: %v", err)
	}
	if len(variations) != 3 {
		t.Fatalf("expected 3 variations, got %d", len(variations))
	}
	wantNames := []string{"Test A", "Test B", "Test C"}
	sum := 0.0
	for i, v := range variations {
		if v.Name != wantNames[i] {
			t.Fatalf("variation %d: expected name %q, got %q", i, wantNames[i], v.Name)
		}
		if v.Num != i+1 {
			t.Fatalf("variation %d: expected num %d, got %d", i, i+1, v.Num)
		}
		if math.Abs(v.Weight-0.5/3) > 1e-9 {
			t.Fatalf("variation %d: expected weight ~0.1667, got %f", i, v.Weight)
		}
		sum += v.Weight
	}
	if sum > 1.0 {
		t.Fatalf("variation weights sum %f exceeds 1.0", sum)
	}
}

func TestABProvisioningIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	app := seedIngestApp(env)

	provision := map[string]any{
		"action":      "num-choices",
		"name":        "button-color",
		"has_data":    false,
		"num_choices": 3,
	}
	sendAB(t, env, "guid-1", abLog(1336392000, "ab-1", provision))
	sendAB(t, env, "guid-1", abLog(1336392060, "ab-2", provision))

	variations, err := env.store.VariationsForApp(context.Background(), app.ID)
	if err != nil {
		t.Fatalf("variations: %v", err)
	}
	if len(variations) != 3 {
		t.Fatalf("re-provisioning must not add variations, got %d", len(variations))
	}
}

func TestABExperimentNotCreatedWithoutHasData(t *testing.T) {
	env := newTestEnv(t)
	app := seedIngestApp(env)

	sendAB(t, env, "guid-1", abLog(1336392000, "ab-1", map[string]any{
		"action": "test",
		"name":   "mystery",
		"choice": 1,
	}))

	exp, err := env.store.ExperimentBySlug(context.Background(), app.ID, "mystery")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if exp != nil {
		t.Fatalf("experiment must not be created without has_data, got %+v", exp)
	}
	if got := env.store.TrialCount(); got != 0 {
		t.Fatalf("expected no trials, got %d", got)
	}
}

func TestABTestActionFirstAssignmentWins(t *testing.T) {
	env := newTestEnv(t)
	app := seedIngestApp(env)

	sendAB(t, env, "guid-1", abLog(1336392000, "ab-1", map[string]any{
		"action":      "num-choices",
		"name":        "button-color",
		"has_data":    false,
		"num_choices": 2,
	}))
	sendAB(t, env, "guid-1", abLog(1336392060, "ab-2", map[string]any{
		"action": "test",
		"name":   "button-color",
		"choice": 1,
	}))
	sendAB(t, env, "guid-1", abLog(1336392120, "ab-3", map[string]any{
		"action": "test",
		"name":   "button-color",
		"choice": 2,
	}))

	exp, _ := env.store.ExperimentBySlug(context.Background(), app.ID, "button-color")
	choice, goalReached, ok := env.store.TrialState("guid1", exp.ID)
	if !ok {
		t.Fatalf("expected a trial recorded")
	}
	if choice != 1 {
		t.Fatalf("first assignment must win, got choice %d", choice)
	}
	if goalReached {
		t.Fatalf("goal must not be reached yet")
	}
	if got := env.store.TrialCount(); got != 1 {
		t.Fatalf("expected one trial, got %d", got)
	}
}

func TestABGoalWithoutTrialIsSilentNoOp(t *testing.T) {
	env := newTestEnv(t)
	app := seedIngestApp(env)

	sendAB(t, env, "guid-1", abLog(1336392000, "ab-1", map[string]any{
		"action":      "num-choices",
		"name":        "button-color",
		"has_data":    false,
		"num_choices": 2,
	}))
	sendAB(t, env, "guid-1", abLog(1336392060, "ab-2", map[string]any{
		"action": "goal",
		"name":   "button-color",
	}))

	exp, _ := env.store.ExperimentBySlug(context.Background(), app.ID, "button-color")
	if _, _, ok := env.store.TrialState("guid1", exp.ID); ok {
		t.Fatalf("goal without test must not create a trial")
	}
	if got := env.store.TrialCount(); got != 0 {
		t.Fatalf("expected no trials, got %d", got)
	}
}

func TestABGoalCompletesExistingTrial(t *testing.T) {
	env := newTestEnv(t)
	app := seedIngestApp(env)

	sendAB(t, env, "guid-1",
		abLog(1336392000, "ab-1", map[string]any{
			"action":      "num-choices",
			"name":        "button-color",
			"has_data":    false,
			"num_choices": 2,
		}),
		abLog(1336392060, "ab-2", map[string]any{
			"action": "test",
			"name":   "button-color",
			"choice": 2,
		}),
		abLog(1336392120, "ab-3", map[string]any{
			"action": "goal",
			"name":   "button-color",
		}),
	)

	exp, _ := env.store.ExperimentBySlug(context.Background(), app.ID, "button-color")
	choice, goalReached, ok := env.store.TrialState("guid1", exp.ID)
	if !ok {
		t.Fatalf("expected a trial recorded")
	}
	if choice != 2 || !goalReached {
		t.Fatalf("expected completed trial with choice 2, got choice=%d goal=%v", choice, goalReached)
	}
}

func TestABFailureActionStopsAfterRawLog(t *testing.T) {
	env := newTestEnv(t)
	app := seedIngestApp(env)

	sendAB(t, env, "guid-1", abLog(1336392000, "ab-1", map[string]any{
		"action":   "failure",
		"name":     "button-color",
		"has_data": false,
	}))

	if got := env.store.ABLogCount(); got != 1 {
		t.Fatalf("expected raw ab log written, got %d", got)
	}
	exp, _ := env.store.ExperimentBySlug(context.Background(), app.ID, "button-color")
	if exp != nil {
		t.Fatalf("failure action must not provision, got %+v", exp)
	}
}

func TestGetABMetadataAggregatesWeights(t *testing.T) {
	env := newTestEnv(t)
	seedIngestApp(env)

	sendAB(t, env, "guid-1", abLog(1336392000, "ab-1", map[string]any{
		"action":      "num-choices",
		"name":        "button-color",
		"has_data":    true,
		"num_choices": 2,
	}))

	_, out := env.call(t, "get_ab_metadata", map[string]any{"guid": "guid-1"}, statsHeaders())
	if out.Error != nil {
		t.Fatalf("get_ab_metadata failed: %+v", out.Error)
	}
	metadata, _ := out.Result["metadata"].(map[string]any)
	entry, _ := metadata["button-color"].(map[string]any)
	weights, _ := entry["weights"].([]any)
	if len(weights) != 2 {
		t.Fatalf("expected two weights, got %v", entry)
	}
	for _, w := range weights {
		if math.Abs(w.(float64)-0.25) > 1e-9 {
			t.Fatalf("expected weight 0.25, got %v", w)
		}
	}
	data, _ := entry["data"].([]any)
	if len(data) != 2 {
		t.Fatalf("expected variation data payloads for has_data experiment, got %v", entry)
	}
}
