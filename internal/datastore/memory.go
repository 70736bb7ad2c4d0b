package datastore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store with the same constraint semantics as the
// Postgres client. It backs unit tests and single-node development, the
// same way the relay's in-memory queues stand in for their Postgres
// counterparts.
type Memory struct {
	mu sync.Mutex

	nextID int64

	users       map[string]*memUser // lowercase username
	apps        map[int64]*App
	appKeys     map[string]memAppKey
	members     map[int64]map[int64]bool // appID -> userID set
	devices     []memDevice
	devModes    map[devModeKey]*DevMode
	versions    map[int64][]memVersion
	experiments map[int64][]*Experiment
	variations  map[int64][]*Variation // experimentID

	statsLogs map[logKey]LogRow
	abLogs    map[logKey]LogRow

	uniqueAllTime map[string]bool           // appID|udid|platform
	uniquePeriod  map[string]bool           // period|appID|bucket|udid|platform
	views         map[string]int            // period|appID|platform|bucket
	slugViews     map[string]int            // period|appID|platform|bucket|slug
	abUniqueMonth map[string]bool           // appID|month|udid
	trials        map[trialKey]*memTrial
}

type memUser struct {
	user User
	hash string
}

type memAppKey struct {
	appID  int64
	active bool
}

type memDevice struct {
	udid    string
	userID  int64
	primary bool
}

type devModeKey struct {
	appID  int64
	userID int64
}

type memVersion struct {
	version   int
	minBundle string
	maxBundle string
}

type logKey struct {
	timestamp float64
	udid      string
}

type trialKey struct {
	udid         string
	experimentID int64
}

type memTrial struct {
	trial         Trial
	goalReached   bool
	dateCompleted time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:         map[string]*memUser{},
		apps:          map[int64]*App{},
		appKeys:       map[string]memAppKey{},
		members:       map[int64]map[int64]bool{},
		devModes:      map[devModeKey]*DevMode{},
		versions:      map[int64][]memVersion{},
		experiments:   map[int64][]*Experiment{},
		variations:    map[int64][]*Variation{},
		statsLogs:     map[logKey]LogRow{},
		abLogs:        map[logKey]LogRow{},
		uniqueAllTime: map[string]bool{},
		uniquePeriod:  map[string]bool{},
		views:         map[string]int{},
		slugViews:     map[string]int{},
		abUniqueMonth: map[string]bool{},
		trials:        map[trialKey]*memTrial{},
	}
}

func (m *Memory) nextIDLocked() int64 {
	m.nextID++
	return m.nextID
}

// Seeding helpers used by tests and development mode.

func (m *Memory) AddUser(username, email, password string) User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := User{ID: m.nextIDLocked(), Username: username, Email: email}
	m.users[strings.ToLower(username)] = &memUser{
		user: u,
		hash: HashPassword(password, "seed"),
	}
	return u
}

func (m *Memory) AddApp(slug, name string, enabled bool) App {
	m.mu.Lock()
	defer m.mu.Unlock()
	app := App{ID: m.nextIDLocked(), Slug: slug, Name: name, Enabled: enabled}
	m.apps[app.ID] = &app
	return app
}

func (m *Memory) AddAppKey(key string, appID int64, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appKeys[key] = memAppKey{appID: appID, active: active}
}

func (m *Memory) AddMember(appID, userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[appID] == nil {
		m.members[appID] = map[int64]bool{}
	}
	m.members[appID][userID] = true
}

func (m *Memory) AddDevice(udid string, userID int64, primary bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append(m.devices, memDevice{udid: udid, userID: userID, primary: primary})
}

func (m *Memory) AddVersion(appID int64, version int, minBundle, maxBundle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[appID] = append(m.versions[appID], memVersion{
		version:   version,
		minBundle: minBundle,
		maxBundle: maxBundle,
	})
}

// Store implementation.

func (m *Memory) AppByKey(_ context.Context, key string) (*App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.appKeys[key]
	if !ok || !entry.active {
		return nil, nil
	}
	app, ok := m.apps[entry.appID]
	if !ok {
		return nil, nil
	}
	copied := *app
	return &copied, nil
}

func (m *Memory) UserByCredentials(_ context.Context, username, password string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.users[strings.ToLower(username)]
	if !ok || !VerifyPassword(entry.hash, password) {
		return nil, nil
	}
	copied := entry.user
	return &copied, nil
}

func (m *Memory) AppByUserAndSlug(_ context.Context, userID int64, slug string) (*App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, app := range m.apps {
		if !strings.EqualFold(app.Slug, slug) {
			continue
		}
		if m.members[app.ID][userID] {
			copied := *app
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *Memory) DeviceByUDIDAndApp(_ context.Context, udid string, appID int64) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.udid != udid || !m.members[appID][d.userID] {
			continue
		}
		for _, entry := range m.users {
			if entry.user.ID == d.userID {
				return &Device{
					UDID:     d.udid,
					UserID:   d.userID,
					Username: entry.user.Username,
					Email:    entry.user.Email,
					Primary:  d.primary,
				}, nil
			}
		}
	}
	return nil, nil
}

func (m *Memory) DevMode(_ context.Context, appID, userID int64, updatedAfter time.Time) (*DevMode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devModes[devModeKey{appID: appID, userID: userID}]
	if !ok || !dev.DateUpdated.After(updatedAfter) {
		return nil, nil
	}
	copied := *dev
	return &copied, nil
}

func (m *Memory) UpsertDevMode(_ context.Context, appID, userID int64, url string, toolbar bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devModes[devModeKey{appID: appID, userID: userID}] = &DevMode{
		AppID:       appID,
		UserID:      userID,
		URL:         url,
		Toolbar:     toolbar,
		DateUpdated: time.Now().UTC(),
	}
	return nil
}

func (m *Memory) DeleteDevMode(_ context.Context, userID, appID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devModes, devModeKey{appID: appID, userID: userID})
	return nil
}

func (m *Memory) LatestAppVersion(_ context.Context, appID int64) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.versions[appID]
	if len(versions) == 0 {
		return 0, false, nil
	}
	latest := versions[0].version
	for _, v := range versions[1:] {
		if v.version > latest {
			latest = v.version
		}
	}
	return latest, true, nil
}

func (m *Memory) CreateAppVersion(_ context.Context, appID int64, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[appID] = append(m.versions[appID], memVersion{version: version})
	return nil
}

func (m *Memory) AppVersionForBundle(_ context.Context, appID int64, normBundle string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := append([]memVersion(nil), m.versions[appID]...)
	sort.Slice(versions, func(i, j int) bool { return versions[i].version > versions[j].version })
	for _, v := range versions {
		if normBundle != "" {
			if v.minBundle != "" && v.minBundle > normBundle {
				continue
			}
			if v.maxBundle != "" && v.maxBundle < normBundle {
				continue
			}
		}
		return v.version, nil
	}
	return 0, nil
}

func (m *Memory) InsertStatsLog(_ context.Context, row LogRow) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := logKey{timestamp: row.Timestamp, udid: row.UDID}
	if _, ok := m.statsLogs[key]; ok {
		return AlreadyExists, nil
	}
	m.statsLogs[key] = row
	return Inserted, nil
}

func (m *Memory) InsertABLog(_ context.Context, row LogRow) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := logKey{timestamp: row.Timestamp, udid: row.UDID}
	if _, ok := m.abLogs[key]; ok {
		return AlreadyExists, nil
	}
	m.abLogs[key] = row
	return Inserted, nil
}

func uniqueKey(parts ...string) string {
	return strings.Join(parts, "|")
}

func (m *Memory) InsertUniqueAllTime(_ context.Context, appID int64, udid, platform string) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := uniqueKey(itoa64(appID), udid, platform)
	if m.uniqueAllTime[key] {
		return AlreadyExists, nil
	}
	m.uniqueAllTime[key] = true
	return Inserted, nil
}

func (m *Memory) InsertUniquePeriod(_ context.Context, period Period, appID int64, udid, platform string, _ bool, bucket time.Time) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := uniqueKey(string(period), itoa64(appID), bucket.Format(time.RFC3339), udid, platform)
	if m.uniquePeriod[key] {
		return AlreadyExists, nil
	}
	m.uniquePeriod[key] = true
	return Inserted, nil
}

func (m *Memory) IncrementViews(_ context.Context, period Period, appID int64, platform string, bucket time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.views[uniqueKey(string(period), itoa64(appID), platform, bucket.Format(time.RFC3339))]++
	return nil
}

func (m *Memory) IncrementSlugViews(_ context.Context, period Period, appID int64, platform string, bucket time.Time, slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slugViews[uniqueKey(string(period), itoa64(appID), platform, bucket.Format(time.RFC3339), slug)]++
	return nil
}

func (m *Memory) InsertABUniqueMonth(_ context.Context, appID int64, udid string, month time.Time) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := uniqueKey(itoa64(appID), month.Format(time.RFC3339), udid)
	if m.abUniqueMonth[key] {
		return AlreadyExists, nil
	}
	m.abUniqueMonth[key] = true
	return Inserted, nil
}

func (m *Memory) ExperimentBySlug(_ context.Context, appID int64, slug string) (*Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.experimentBySlugLocked(appID, slug), nil
}

func (m *Memory) experimentBySlugLocked(appID int64, slug string) *Experiment {
	for _, exp := range m.experiments[appID] {
		if strings.EqualFold(exp.Slug, slug) {
			copied := *exp
			return &copied
		}
	}
	return nil
}

func (m *Memory) CreateExperiment(_ context.Context, exp Experiment) (*Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.experimentBySlugLocked(exp.AppID, exp.Slug); existing != nil {
		return existing, nil
	}
	exp.ID = m.nextIDLocked()
	stored := exp
	m.experiments[exp.AppID] = append(m.experiments[exp.AppID], &stored)
	copied := stored
	return &copied, nil
}

func (m *Memory) SetExperimentNumChoices(_ context.Context, experimentID int64, numChoices int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, exps := range m.experiments {
		for _, exp := range exps {
			if exp.ID == experimentID {
				exp.NumChoices = numChoices
				return nil
			}
		}
	}
	return nil
}

func (m *Memory) CreateVariation(_ context.Context, v Variation) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.variations[v.ExperimentID] {
		if existing.Num == v.Num {
			return AlreadyExists, nil
		}
	}
	v.ID = m.nextIDLocked()
	stored := v
	m.variations[v.ExperimentID] = append(m.variations[v.ExperimentID], &stored)
	return Inserted, nil
}

func (m *Memory) ExperimentsForApp(_ context.Context, appID int64) ([]Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Experiment, 0, len(m.experiments[appID]))
	for _, exp := range m.experiments[appID] {
		out = append(out, *exp)
	}
	return out, nil
}

func (m *Memory) VariationsForApp(_ context.Context, appID int64) ([]Variation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Variation{}
	for _, exp := range m.experiments[appID] {
		for _, v := range m.variations[exp.ID] {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExperimentID != out[j].ExperimentID {
			return out[i].ExperimentID < out[j].ExperimentID
		}
		return out[i].Num < out[j].Num
	})
	return out, nil
}

func (m *Memory) InsertTrial(_ context.Context, t Trial) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := trialKey{udid: t.UDID, experimentID: t.ExperimentID}
	if _, ok := m.trials[key]; ok {
		return AlreadyExists, nil
	}
	m.trials[key] = &memTrial{trial: t}
	return Inserted, nil
}

func (m *Memory) CompleteTrial(_ context.Context, udid string, experimentID int64, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	trial, ok := m.trials[trialKey{udid: udid, experimentID: experimentID}]
	if !ok {
		return nil
	}
	trial.goalReached = true
	trial.dateCompleted = completedAt
	return nil
}

// Test-facing observers.

func (m *Memory) StatsLogCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.statsLogs)
}

func (m *Memory) ABLogCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.abLogs)
}

func (m *Memory) Views(period Period, appID int64, platform string, bucket time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.views[uniqueKey(string(period), itoa64(appID), platform, bucket.Format(time.RFC3339))]
}

func (m *Memory) SlugViews(period Period, appID int64, platform string, bucket time.Time, slug string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slugViews[uniqueKey(string(period), itoa64(appID), platform, bucket.Format(time.RFC3339), slug)]
}

func (m *Memory) TrialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trials)
}

// TrialState reports the recorded choice and completion for a trial, or
// ok=false when no trial exists.
func (m *Memory) TrialState(udid string, experimentID int64) (choice int, goalReached bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trial, found := m.trials[trialKey{udid: udid, experimentID: experimentID}]
	if !found {
		return 0, false, false
	}
	return trial.trial.Choice, trial.goalReached, true
}

func itoa64(v int64) string {
	return strconv.FormatInt(v, 10)
}
