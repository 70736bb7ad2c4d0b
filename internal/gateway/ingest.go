package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/remeh/sizedwaitgroup"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/bounceapp/bounce/internal/datastore"
	"github.com/bounceapp/bounce/internal/rpc"
)

// Analytics rows carry the screen event; A/B rows nest everything under
// data. Rows that fail validation are dropped before any datastore
// mutation.
const statsLogSchema = `{
	"type": "object",
	"required": ["ts", "action", "uuid", "data"],
	"properties": {
		"ts": {"type": "number"},
		"action": {"type": "string", "minLength": 1},
		"uuid": {"type": "string", "minLength": 1},
		"data": {"type": "object"}
	}
}`

const abLogSchema = `{
	"type": "object",
	"required": ["ts", "uuid", "data"],
	"properties": {
		"ts": {"type": "number"},
		"uuid": {"type": "string", "minLength": 1},
		"data": {
			"type": "object",
			"required": ["action"],
			"properties": {
				"action": {"type": "string", "minLength": 1},
				"name": {"type": "string"},
				"has_data": {"type": "boolean"},
				"num_choices": {"type": "integer", "minimum": 0},
				"choice": {"type": "integer", "minimum": 0}
			}
		}
	}
}`

var (
	statsSchema = mustCompileSchema("stats-log.json", statsLogSchema)
	abSchema    = mustCompileSchema("ab-log.json", abLogSchema)
)

func mustCompileSchema(name, text string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		panic(err)
	}
	return sch
}

// validRow checks one raw log row against a schema. Invalid rows are
// the "malformed, drop silently" path.
func validRow(sch *jsonschema.Schema, raw json.RawMessage) bool {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return false
	}
	return sch.Validate(doc) == nil
}

type statsEntry struct {
	TS     float64        `json:"ts"`
	Action string         `json:"action"`
	UUID   string         `json:"uuid"`
	Data   map[string]any `json:"data"`
}

type abEntry struct {
	TS   float64        `json:"ts"`
	UUID string         `json:"uuid"`
	Data map[string]any `json:"data"`
}

// timeFromSeconds converts a float unix timestamp to UTC time.
func timeFromSeconds(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}

func (s *Server) handleStats(ctx context.Context, ident rpc.Identity, logs []json.RawMessage) (any, *rpc.Error) {
	app, err := s.store.AppByKey(ctx, ident.AppKey)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}
	// Ingestion is fire-and-forget from the SDK's perspective; an
	// unknown key acks without writing anything.
	if app != nil {
		s.ingestStatsLogs(ctx, app, ident, logs)
	}
	return map[string]any{"status": "ok"}, nil
}

// ingestStatsLogs writes raw analytics rows and their rollups. Rows are
// independent, so they fan out through a bounded wait group; each row's
// raw insert is the idempotency gate for every rollup that follows.
func (s *Server) ingestStatsLogs(ctx context.Context, app *datastore.App, ident rpc.Identity, logs []json.RawMessage) {
	swg := sizedwaitgroup.New(s.cfg.IngestWorkers)
	for _, raw := range logs {
		raw := raw
		swg.Add()
		go func() {
			defer swg.Done()
			if err := s.ingestStatsLog(ctx, app, ident, raw); err != nil {
				log.Printf("stats ingest: %v", err)
			}
		}()
	}
	swg.Wait()
}

func (s *Server) ingestStatsLog(ctx context.Context, app *datastore.App, ident rpc.Identity, raw json.RawMessage) error {
	if !validRow(statsSchema, raw) {
		return nil
	}
	var entry statsEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil
	}

	slug, _ := entry.Data["slug"].(string)
	if entry.Action != "viewDidDisappear" && slug == "" {
		return nil
	}

	data, err := json.Marshal(entry.Data)
	if err != nil {
		return nil
	}
	res, err := s.store.InsertStatsLog(ctx, datastore.LogRow{
		UUID:          entry.UUID,
		Timestamp:     entry.TS,
		Action:        entry.Action,
		Data:          string(data),
		UDID:          ident.UDID,
		APIVersion:    ident.APIVersion,
		AppVersion:    ident.AppVersion,
		BundleVersion: ident.BundleVersion,
		AppKey:        ident.AppKey,
		Platform:      ident.Platform,
	})
	if err != nil {
		return err
	}
	if res == datastore.AlreadyExists {
		return nil
	}

	// Disappear events are logged raw but excluded from aggregates.
	if entry.Action == "viewDidDisappear" {
		return nil
	}

	ts := timeFromSeconds(entry.TS)
	allTime, err := s.store.InsertUniqueAllTime(ctx, app.ID, ident.UDID, ident.Platform)
	if err != nil {
		return err
	}
	isNew := allTime == datastore.Inserted

	for _, period := range datastore.Periods {
		bucket := period.Truncate(ts)
		if _, err := s.store.InsertUniquePeriod(ctx, period, app.ID, ident.UDID, ident.Platform, isNew, bucket); err != nil {
			return err
		}
		if err := s.store.IncrementViews(ctx, period, app.ID, ident.Platform, bucket); err != nil {
			return err
		}
		if err := s.store.IncrementSlugViews(ctx, period, app.ID, ident.Platform, bucket, slug); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleSendABLogs(ctx context.Context, ident rpc.Identity, logs []json.RawMessage, guid string) (any, *rpc.Error) {
	app, err := s.store.AppByKey(ctx, ident.AppKey)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}
	if app != nil {
		// A/B rows are keyed by the client-reported guid, dashes
		// stripped, rather than the device header.
		udid := strings.ReplaceAll(guid, "-", "")
		for _, raw := range logs {
			if err := s.ingestABLog(ctx, app, ident, udid, raw); err != nil {
				log.Printf("ab ingest: %v", err)
			}
		}
	}
	return map[string]any{"status": "ok"}, nil
}

func (s *Server) ingestABLog(ctx context.Context, app *datastore.App, ident rpc.Identity, udid string, raw json.RawMessage) error {
	if !validRow(abSchema, raw) {
		return nil
	}
	var entry abEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil
	}
	action, _ := entry.Data["action"].(string)

	data, err := json.Marshal(entry.Data)
	if err != nil {
		return nil
	}
	res, err := s.store.InsertABLog(ctx, datastore.LogRow{
		UUID:          entry.UUID,
		Timestamp:     entry.TS,
		Action:        action,
		Data:          string(data),
		UDID:          udid,
		APIVersion:    ident.APIVersion,
		AppVersion:    ident.AppVersion,
		BundleVersion: ident.BundleVersion,
		AppKey:        ident.AppKey,
		Platform:      ident.Platform,
	})
	if err != nil {
		return err
	}
	if res == datastore.AlreadyExists {
		return nil
	}

	ts := timeFromSeconds(entry.TS)
	if _, err := s.store.InsertABUniqueMonth(ctx, app.ID, udid, datastore.PeriodMonth.Truncate(ts)); err != nil {
		return err
	}

	if action == "failure" {
		return nil
	}

	name, _ := entry.Data["name"].(string)
	if name == "" {
		return nil
	}

	exp, err := s.provisionExperiment(ctx, app.ID, name, entry.Data)
	if err != nil || exp == nil {
		return err
	}

	if action == "num-choices" {
		return nil
	}

	switch action {
	case "test":
		choice, ok := intField(entry.Data, "choice")
		if !ok {
			return nil
		}
		// First assignment wins; a duplicate trial for this
		// (udid, experiment) is dropped.
		_, err := s.store.InsertTrial(ctx, datastore.Trial{
			UUID:         uuid.NewString(),
			UDID:         udid,
			AppID:        app.ID,
			ExperimentID: exp.ID,
			Choice:       choice,
			DateStarted:  ts,
		})
		return err
	case "goal":
		// Silent no-op when no trial exists.
		return s.store.CompleteTrial(ctx, udid, exp.ID, ts)
	}
	return nil
}

// provisionExperiment creates the experiment and its variations the
// first time a client reports them. A nil experiment with a nil error
// means the event lacked what provisioning needs and the row is done.
func (s *Server) provisionExperiment(ctx context.Context, appID int64, name string, data map[string]any) (*datastore.Experiment, error) {
	exp, err := s.store.ExperimentBySlug(ctx, appID, name)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		raw, declared := data["has_data"]
		if !declared {
			return nil, nil
		}
		hasData, _ := raw.(bool)
		exp, err = s.store.CreateExperiment(ctx, datastore.Experiment{
			AppID:      appID,
			Slug:       name,
			Name:       "Experiment for " + name,
			HasData:    hasData,
			NumChoices: 0,
			Enabled:    true,
		})
		if err != nil {
			return nil, err
		}
	}

	numChoices, declared := intField(data, "num_choices")
	if !declared || numChoices == exp.NumChoices {
		return exp, nil
	}

	if err := s.store.SetExperimentNumChoices(ctx, exp.ID, numChoices); err != nil {
		return nil, err
	}
	for i := 0; i < numChoices && i < len(variationLetters); i++ {
		payload := ""
		if exp.HasData {
			payload = "{\n}"
		}
		// Duplicate (experiment, num) pairs are absorbed, so weights
		// never stack past the 0.5 equal-split budget.
		if _, err := s.store.CreateVariation(ctx, datastore.Variation{
			ExperimentID: exp.ID,
			Num:          i + 1,
			Weight:       0.5 / float64(numChoices),
			Name:         fmt.Sprintf("Test %c", variationLetters[i]),
			Data:         payload,
		}); err != nil {
			return nil, err
		}
	}
	exp.NumChoices = numChoices
	return exp, nil
}

const variationLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

func intField(data map[string]any, key string) (int, bool) {
	raw, ok := data[key]
	if !ok {
		return 0, false
	}
	f, ok := raw.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func (s *Server) handleGetABMetadata(ctx context.Context, ident rpc.Identity) (any, *rpc.Error) {
	app, err := s.store.AppByKey(ctx, ident.AppKey)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}
	if app == nil {
		return nil, rpc.NewError(rpc.CodeInvalidAppKey, "Invalid app key: %s", ident.AppKey)
	}

	experiments, err := s.store.ExperimentsForApp(ctx, app.ID)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}
	variations, err := s.store.VariationsForApp(ctx, app.ID)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}

	byID := make(map[int64]datastore.Experiment, len(experiments))
	for _, exp := range experiments {
		byID[exp.ID] = exp
	}

	metadata := map[string]map[string]any{}
	for _, v := range variations {
		exp, ok := byID[v.ExperimentID]
		if !ok {
			continue
		}
		m, ok := metadata[exp.Slug]
		if !ok {
			m = map[string]any{"weights": []float64{}}
			metadata[exp.Slug] = m
		}
		m["weights"] = append(m["weights"].([]float64), v.Weight)
		if exp.HasData {
			var payload any
			if err := json.Unmarshal([]byte(v.Data), &payload); err != nil {
				payload = map[string]any{}
			}
			existing, _ := m["data"].([]any)
			m["data"] = append(existing, payload)
		}
	}
	return map[string]any{"metadata": metadata}, nil
}
