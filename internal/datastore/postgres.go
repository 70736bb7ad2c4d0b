package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres reads and writes the console-owned relational schema through
// parameterized queries. The console owns DDL; this client never creates
// tables. Idempotent writes use ON CONFLICT clauses so duplicate
// deliveries surface as AlreadyExists instead of errors.
type Postgres struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &Postgres{dsn: dsn, openDB: sql.Open}, nil
}

func (p *Postgres) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *Postgres) AppByKey(ctx context.Context, key string) (*App, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	const query = `
		SELECT A.id, A.slug, A.name, A.enabled, A.mau_cap
		FROM console_app A
		JOIN console_app_key K ON K.app_id = A.id
		WHERE K.key = $1 AND K.status = 'active'`
	var app App
	err := p.db.QueryRowContext(ctx, query, key).
		Scan(&app.ID, &app.Slug, &app.Name, &app.Enabled, &app.MAUCap)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (p *Postgres) UserByCredentials(ctx context.Context, username, password string) (*User, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	const query = `
		SELECT U.id, U.username, U.email, U.password
		FROM console_user U
		WHERE UPPER(U.username) = UPPER($1)`
	var user User
	var hash string
	err := p.db.QueryRowContext(ctx, query, username).
		Scan(&user.ID, &user.Username, &user.Email, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !VerifyPassword(hash, password) {
		return nil, nil
	}
	return &user, nil
}

func (p *Postgres) AppByUserAndSlug(ctx context.Context, userID int64, slug string) (*App, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	const query = `
		SELECT A.id, A.slug, A.name, A.enabled, A.mau_cap
		FROM console_app A
		WHERE UPPER(A.slug) = UPPER($1) AND A.id IN (
			SELECT M.app_id FROM console_member M WHERE M.user_id = $2
		)`
	var app App
	err := p.db.QueryRowContext(ctx, query, slug, userID).
		Scan(&app.ID, &app.Slug, &app.Name, &app.Enabled, &app.MAUCap)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (p *Postgres) DeviceByUDIDAndApp(ctx context.Context, udid string, appID int64) (*Device, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	const query = `
		SELECT D.udid, D.user_id, D.is_primary, U.username, U.email
		FROM console_device D
		JOIN console_user U ON U.id = D.user_id
		WHERE D.udid = $1 AND D.user_id IN (
			SELECT M.user_id FROM console_member M WHERE M.app_id = $2
		)
		LIMIT 1`
	var device Device
	err := p.db.QueryRowContext(ctx, query, udid, appID).
		Scan(&device.UDID, &device.UserID, &device.Primary, &device.Username, &device.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (p *Postgres) DevMode(ctx context.Context, appID, userID int64, updatedAfter time.Time) (*DevMode, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	const query = `
		SELECT D.app_id, D.user_id, D.url, D.toolbar, D.date_updated
		FROM console_dev_mode D
		WHERE D.app_id = $1 AND D.user_id = $2 AND D.date_updated > $3`
	var dev DevMode
	err := p.db.QueryRowContext(ctx, query, appID, userID, updatedAfter).
		Scan(&dev.AppID, &dev.UserID, &dev.URL, &dev.Toolbar, &dev.DateUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (p *Postgres) UpsertDevMode(ctx context.Context, appID, userID int64, url string, toolbar bool) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	const query = `
		INSERT INTO console_dev_mode (app_id, user_id, url, toolbar, date_updated, date_created)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (app_id, user_id)
		DO UPDATE SET url = EXCLUDED.url, toolbar = EXCLUDED.toolbar, date_updated = NOW()`
	_, err := p.db.ExecContext(ctx, query, appID, userID, url, toolbar)
	return err
}

func (p *Postgres) DeleteDevMode(ctx context.Context, userID, appID int64) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	const query = `DELETE FROM console_dev_mode WHERE user_id = $1 AND app_id = $2`
	_, err := p.db.ExecContext(ctx, query, userID, appID)
	return err
}

func (p *Postgres) LatestAppVersion(ctx context.Context, appID int64) (int, bool, error) {
	if err := p.ensureReady(); err != nil {
		return 0, false, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	const query = `
		SELECT V.version FROM console_version V
		WHERE V.app_id = $1
		ORDER BY V.version DESC LIMIT 1`
	var version int
	err := p.db.QueryRowContext(ctx, query, appID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, true, nil
}

func (p *Postgres) CreateAppVersion(ctx context.Context, appID int64, version int) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	const query = `INSERT INTO console_version (app_id, version) VALUES ($1, $2)`
	_, err := p.db.ExecContext(ctx, query, appID, version)
	return err
}

func (p *Postgres) AppVersionForBundle(ctx context.Context, appID int64, normBundle string) (int, error) {
	if err := p.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	var (
		query string
		args  []any
	)
	if normBundle == "" {
		query = `
			SELECT V.version FROM console_version V
			WHERE V.app_id = $1
			ORDER BY V.version DESC LIMIT 1`
		args = []any{appID}
	} else {
		query = `
			SELECT V.version FROM console_version V
			WHERE V.app_id = $1
				AND (V.min_bundle = '' OR V.min_bundle <= $2)
				AND (V.max_bundle = '' OR V.max_bundle >= $2)
			ORDER BY V.version DESC LIMIT 1`
		args = []any{appID, normBundle}
	}
	var version int
	err := p.db.QueryRowContext(ctx, query, args...).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (p *Postgres) insertLog(ctx context.Context, table string, row LogRow) (UpsertResult, error) {
	if err := p.ensureReady(); err != nil {
		return AlreadyExists, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (
			uuid, timestamp, action, data, udid, api_version, app_version,
			bundle_version, app_key, platform
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (timestamp, udid) DO NOTHING`, table)
	res, err := p.db.ExecContext(ctx, query,
		row.UUID, row.Timestamp, row.Action, row.Data, row.UDID,
		row.APIVersion, row.AppVersion, row.BundleVersion, row.AppKey, row.Platform)
	if err != nil {
		return AlreadyExists, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return AlreadyExists, err
	}
	if affected == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}

func (p *Postgres) InsertStatsLog(ctx context.Context, row LogRow) (UpsertResult, error) {
	return p.insertLog(ctx, "stats_log", row)
}

func (p *Postgres) InsertABLog(ctx context.Context, row LogRow) (UpsertResult, error) {
	return p.insertLog(ctx, "ab_log", row)
}

func (p *Postgres) InsertUniqueAllTime(ctx context.Context, appID int64, udid, platform string) (UpsertResult, error) {
	if err := p.ensureReady(); err != nil {
		return AlreadyExists, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	const query = `
		INSERT INTO stats_unique_alltime (app_id, udid, platform)
		VALUES ($1, $2, $3)
		ON CONFLICT (app_id, udid) DO NOTHING`
	res, err := p.db.ExecContext(ctx, query, appID, udid, platform)
	if err != nil {
		return AlreadyExists, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return AlreadyExists, err
	}
	if affected == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}

func (p *Postgres) InsertUniquePeriod(ctx context.Context, period Period, appID int64, udid, platform string, isNew bool, bucket time.Time) (UpsertResult, error) {
	if err := p.ensureReady(); err != nil {
		return AlreadyExists, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO stats_unique_%s (app_id, udid, platform, new, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (app_id, timestamp, udid) DO NOTHING`, period)
	res, err := p.db.ExecContext(ctx, query, appID, udid, platform, isNew, bucket)
	if err != nil {
		return AlreadyExists, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return AlreadyExists, err
	}
	if affected == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}

func (p *Postgres) IncrementViews(ctx context.Context, period Period, appID int64, platform string, bucket time.Time) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO stats_view_%s (app_id, platform, timestamp, views)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (app_id, timestamp, platform)
		DO UPDATE SET views = stats_view_%s.views + 1`, period, period)
	_, err := p.db.ExecContext(ctx, query, appID, platform, bucket)
	return err
}

func (p *Postgres) IncrementSlugViews(ctx context.Context, period Period, appID int64, platform string, bucket time.Time, slug string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO stats_view_slug_%s (app_id, platform, timestamp, slug, views)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (app_id, timestamp, slug, platform)
		DO UPDATE SET views = stats_view_slug_%s.views + 1`, period, period)
	_, err := p.db.ExecContext(ctx, query, appID, platform, bucket, slug)
	return err
}

func (p *Postgres) InsertABUniqueMonth(ctx context.Context, appID int64, udid string, month time.Time) (UpsertResult, error) {
	if err := p.ensureReady(); err != nil {
		return AlreadyExists, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	const query = `
		INSERT INTO ab_unique_month (app_id, udid, month, date_created)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (app_id, month, udid) DO NOTHING`
	res, err := p.db.ExecContext(ctx, query, appID, udid, month)
	if err != nil {
		return AlreadyExists, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return AlreadyExists, err
	}
	if affected == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}

func (p *Postgres) ExperimentBySlug(ctx context.Context, appID int64, slug string) (*Experiment, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	const query = `
		SELECT E.id, E.app_id, E.slug, E.name, E.has_data, E.num_choices, E.enabled
		FROM ab_experiment E
		WHERE E.app_id = $1 AND UPPER(E.slug) = UPPER($2)`
	var exp Experiment
	err := p.db.QueryRowContext(ctx, query, appID, slug).
		Scan(&exp.ID, &exp.AppID, &exp.Slug, &exp.Name, &exp.HasData, &exp.NumChoices, &exp.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exp, nil
}

func (p *Postgres) CreateExperiment(ctx context.Context, exp Experiment) (*Experiment, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	insertCtx, cancel := p.opCtx(ctx)
	const query = `
		INSERT INTO ab_experiment (app_id, name, slug, has_data, num_choices, enabled, date_created)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`
	_, err := p.db.ExecContext(insertCtx, query,
		exp.AppID, exp.Name, exp.Slug, exp.HasData, exp.NumChoices, exp.Enabled)
	cancel()
	if err != nil && !isUniqueViolation(err) {
		return nil, err
	}
	return p.ExperimentBySlug(ctx, exp.AppID, exp.Slug)
}

func (p *Postgres) SetExperimentNumChoices(ctx context.Context, experimentID int64, numChoices int) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	const query = `UPDATE ab_experiment SET num_choices = $1 WHERE id = $2`
	_, err := p.db.ExecContext(ctx, query, numChoices, experimentID)
	return err
}

func (p *Postgres) CreateVariation(ctx context.Context, v Variation) (UpsertResult, error) {
	if err := p.ensureReady(); err != nil {
		return AlreadyExists, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	const query = `
		INSERT INTO ab_variation (experiment_id, weight, num, name, data, date_created)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (experiment_id, num) DO NOTHING`
	res, err := p.db.ExecContext(ctx, query, v.ExperimentID, v.Weight, v.Num, v.Name, v.Data)
	if err != nil {
		return AlreadyExists, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return AlreadyExists, err
	}
	if affected == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}

func (p *Postgres) ExperimentsForApp(ctx context.Context, appID int64) ([]Experiment, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	const query = `
		SELECT E.id, E.app_id, E.slug, E.name, E.has_data, E.num_choices, E.enabled
		FROM ab_experiment E WHERE E.app_id = $1`
	rows, err := p.db.QueryContext(ctx, query, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Experiment{}
	for rows.Next() {
		var exp Experiment
		if err := rows.Scan(&exp.ID, &exp.AppID, &exp.Slug, &exp.Name, &exp.HasData, &exp.NumChoices, &exp.Enabled); err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

func (p *Postgres) VariationsForApp(ctx context.Context, appID int64) ([]Variation, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	const query = `
		SELECT V.id, V.experiment_id, V.num, V.weight, V.name, V.data
		FROM ab_variation V
		WHERE V.experiment_id IN (
			SELECT E.id FROM ab_experiment E WHERE E.app_id = $1
		)
		ORDER BY V.experiment_id, V.num`
	rows, err := p.db.QueryContext(ctx, query, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Variation{}
	for rows.Next() {
		var v Variation
		if err := rows.Scan(&v.ID, &v.ExperimentID, &v.Num, &v.Weight, &v.Name, &v.Data); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertTrial(ctx context.Context, t Trial) (UpsertResult, error) {
	if err := p.ensureReady(); err != nil {
		return AlreadyExists, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	const query = `
		INSERT INTO ab_trial (
			uuid, udid, app_id, experiment_id, date_created, date_started,
			date_completed, choice, goal_reached
		) VALUES ($1, $2, $3, $4, NOW(), $5, NULL, $6, FALSE)
		ON CONFLICT (udid, experiment_id) DO NOTHING`
	res, err := p.db.ExecContext(ctx, query,
		t.UUID, t.UDID, t.AppID, t.ExperimentID, t.DateStarted, t.Choice)
	if err != nil {
		return AlreadyExists, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return AlreadyExists, err
	}
	if affected == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}

func (p *Postgres) CompleteTrial(ctx context.Context, udid string, experimentID int64, completedAt time.Time) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	const query = `
		UPDATE ab_trial SET date_completed = $1, goal_reached = TRUE
		WHERE udid = $2 AND experiment_id = $3`
	_, err := p.db.ExecContext(ctx, query, completedAt, udid, experimentID)
	return err
}
