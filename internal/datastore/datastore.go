// Package datastore is the client side of the relational store owned by
// the web console. The core never owns the schema; it issues the
// parameterized reads and unique-constraint-protected writes defined by
// the Store interface. Duplicate delivery is expected, so every insert
// that can collide reports Inserted or AlreadyExists instead of failing.
package datastore

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var ErrInvalidInput = errors.New("datastore: invalid input")

// UpsertResult is the outcome of a constraint-protected insert.
type UpsertResult int

const (
	Inserted UpsertResult = iota
	AlreadyExists
)

// Period is a rollup bucket granularity.
type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

// Periods lists every rollup granularity, finest first.
var Periods = []Period{PeriodHour, PeriodDay, PeriodMonth, PeriodYear}

// Truncate clamps a timestamp to the start of the period's bucket, in UTC.
func (p Period) Truncate(ts time.Time) time.Time {
	ts = ts.UTC()
	hour := time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), 0, 0, 0, time.UTC)
	switch p {
	case PeriodHour:
		return hour
	case PeriodDay:
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonth:
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	case PeriodYear:
		return time.Date(ts.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return hour
}

type App struct {
	ID      int64
	Slug    string
	Name    string
	Enabled bool
	MAUCap  int64
}

type User struct {
	ID       int64
	Username string
	Email    string
}

type Device struct {
	UDID     string
	UserID   int64
	Username string
	Email    string
	Primary  bool
}

type DevMode struct {
	AppID       int64
	UserID      int64
	URL         string
	Toolbar     bool
	DateUpdated time.Time
}

type Experiment struct {
	ID         int64
	AppID      int64
	Slug       string
	Name       string
	HasData    bool
	NumChoices int
	Enabled    bool
}

type Variation struct {
	ID           int64
	ExperimentID int64
	Num          int
	Weight       float64
	Name         string
	Data         string
}

// LogRow is one raw event row, for either the analytics or the A/B log
// table. (Timestamp, UDID) is unique per table.
type LogRow struct {
	UUID          string
	Timestamp     float64
	Action        string
	Data          string
	UDID          string
	APIVersion    string
	AppVersion    string
	BundleVersion string
	AppKey        string
	Platform      string
}

type Trial struct {
	UUID         string
	UDID         string
	AppID        int64
	ExperimentID int64
	Choice       int
	DateStarted  time.Time
}

// Store is the contract the core requires of the relational datastore.
// Lookups report absence with a nil result, never an error; writes that
// can collide with a duplicate delivery report AlreadyExists.
type Store interface {
	AppByKey(ctx context.Context, key string) (*App, error)
	UserByCredentials(ctx context.Context, username, password string) (*User, error)
	AppByUserAndSlug(ctx context.Context, userID int64, slug string) (*App, error)
	DeviceByUDIDAndApp(ctx context.Context, udid string, appID int64) (*Device, error)

	DevMode(ctx context.Context, appID, userID int64, updatedAfter time.Time) (*DevMode, error)
	UpsertDevMode(ctx context.Context, appID, userID int64, url string, toolbar bool) error
	DeleteDevMode(ctx context.Context, userID, appID int64) error

	LatestAppVersion(ctx context.Context, appID int64) (int, bool, error)
	CreateAppVersion(ctx context.Context, appID int64, version int) error
	// AppVersionForBundle selects the highest version whose bundle range
	// contains normBundle. An empty normBundle disables range filtering.
	// Returns 0 when nothing matches.
	AppVersionForBundle(ctx context.Context, appID int64, normBundle string) (int, error)

	InsertStatsLog(ctx context.Context, row LogRow) (UpsertResult, error)
	InsertABLog(ctx context.Context, row LogRow) (UpsertResult, error)
	InsertUniqueAllTime(ctx context.Context, appID int64, udid, platform string) (UpsertResult, error)
	InsertUniquePeriod(ctx context.Context, period Period, appID int64, udid, platform string, isNew bool, bucket time.Time) (UpsertResult, error)
	IncrementViews(ctx context.Context, period Period, appID int64, platform string, bucket time.Time) error
	IncrementSlugViews(ctx context.Context, period Period, appID int64, platform string, bucket time.Time, slug string) error
	InsertABUniqueMonth(ctx context.Context, appID int64, udid string, month time.Time) (UpsertResult, error)

	ExperimentBySlug(ctx context.Context, appID int64, slug string) (*Experiment, error)
	// CreateExperiment inserts the experiment unless (app, slug) already
	// exists, then returns the stored row either way.
	CreateExperiment(ctx context.Context, exp Experiment) (*Experiment, error)
	SetExperimentNumChoices(ctx context.Context, experimentID int64, numChoices int) error
	CreateVariation(ctx context.Context, v Variation) (UpsertResult, error)
	ExperimentsForApp(ctx context.Context, appID int64) ([]Experiment, error)
	VariationsForApp(ctx context.Context, appID int64) ([]Variation, error)

	InsertTrial(ctx context.Context, t Trial) (UpsertResult, error)
	CompleteTrial(ctx context.Context, udid string, experimentID int64, completedAt time.Time) error
}

// HashPassword produces the stored credential hash: sha256$<salt>$<hex>.
func HashPassword(password, salt string) string {
	sum := sha256.Sum256([]byte(salt + password))
	return "sha256$" + salt + "$" + hex.EncodeToString(sum[:])
}

// VerifyPassword checks a plaintext password against a stored hash in
// constant time. Unknown hash formats never verify.
func VerifyPassword(stored, password string) bool {
	parts := strings.SplitN(stored, "$", 3)
	if len(parts) != 3 || parts[0] != "sha256" {
		return false
	}
	candidate := HashPassword(password, parts[1])
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}
