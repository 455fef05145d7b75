package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	// Registers the "pgx" driver with database/sql, the same registration
	// idiom the dashboard replicator uses for its Postgres connection.
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/leporo/sqlf"
	"github.com/pkg/errors"

	"github.com/Near-One/nayduck/nayduckv1"
)

// maxSerializationRetries bounds how many times a serializable transaction
// is retried after a Postgres "could not serialize access" (40001) abort,
// mirroring the expectation in spec §5 that the loser's transaction simply
// retries.
const maxSerializationRetries = 5

const serializationFailureCode = "40001"

// postponeDelay is how long a POSTPONEd test is ineligible for reclaim,
// per spec §4.4 step 4 / §5: "schedule it to be re-eligible at NOW() + 3 min".
const postponeDelay = 3 * time.Minute

// Postgres is the production Store implementation, backed by a
// database/sql pool over pgx's stdlib driver.
type Postgres struct {
	db *sql.DB
}

// Open connects to dsn and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres store")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres store")
	}
	return &Postgres{db: db}, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// withSerializable runs fn inside a SERIALIZABLE transaction, retrying on
// serialization failures up to maxSerializationRetries times (spec §5:
// "the loser's transaction either blocks or reports zero rows").
func (p *Postgres) withSerializable(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return errors.Wrap(err, "begin serializable transaction")
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			if isSerializationFailure(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isSerializationFailure(err) {
				lastErr = err
				continue
			}
			return errors.Wrap(err, "commit transaction")
		}
		return nil
	}
	return errors.Wrap(lastErr, "exhausted serialization retries")
}

func isSerializationFailure(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == serializationFailureCode
	}
	return strings.Contains(err.Error(), serializationFailureCode)
}

// ScheduleRun implements the admission transaction (spec §4.1 step 5),
// grounded on backend_db.py's schedule_a_run/__do_schedule.
func (p *Postgres) ScheduleRun(ctx context.Context, req ScheduleRunRequest) (int64, error) {
	isNightly := req.Requester == "NayDuck"
	var runID int64

	err := p.withSerializable(ctx, func(tx *sql.Tx) error {
		err := sqlf.InsertInto("runs").
			Set("branch", req.Branch).
			Set("sha", req.SHA[:]).
			Set("title", req.Title).
			Set("requester", req.Requester).
			Returning("run_id").To(&runID).
			ExecAndClose(ctx, tx)
		if err != nil {
			return errors.Wrap(err, "insert run")
		}

		// Largest build group first, matching the deterministic ordering of
		// __do_schedule's `sorted(builds.items(), key=lambda item: -len(tests))`.
		groups := append([]BuildGroup(nil), req.Groups...)
		sortGroupsByDescendingSize(groups)

		for _, group := range groups {
			skipBuild := true
			for _, t := range group.Tests {
				if !t.SkipBuild {
					skipBuild = false
					break
				}
			}
			status := nayduckv1.BuildPending
			if skipBuild {
				status = nayduckv1.BuildDone
			}

			var buildID int64
			err := sqlf.InsertInto("builds").
				Set("run_id", runID).
				Set("status", string(status)).
				Set("is_release", group.IsRelease).
				Set("features", group.Features).
				Set("low_priority", isNightly).
				Returning("build_id").To(&buildID).
				ExecAndClose(ctx, tx)
			if err != nil {
				return errors.Wrap(err, "insert build")
			}

			for _, t := range group.Tests {
				_, err := sqlf.InsertInto("tests").
					Set("run_id", runID).
					Set("build_id", buildID).
					Set("name", t.Name).
					Set("category", string(t.Category)).
					Set("timeout", int64(t.Timeout/time.Second)).
					Set("skip_build", t.SkipBuild).
					Set("branch", req.Branch).
					Set("is_nightly", isNightly).
					Set("status", string(nayduckv1.TestPending)).
					ExecAndClose(ctx, tx)
				if err != nil {
					return errors.Wrap(err, "insert test")
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return runID, nil
}

func sortGroupsByDescendingSize(groups []BuildGroup) {
	for i := 1; i < len(groups); i++ {
		for j := i; j > 0 && len(groups[j].Tests) > len(groups[j-1].Tests); j-- {
			groups[j], groups[j-1] = groups[j-1], groups[j]
		}
	}
}

// CancelRun implements backend_db.py's cancel_the_run.
func (p *Postgres) CancelRun(ctx context.Context, runID int64) (int, error) {
	var affected int
	err := p.withSerializable(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tests SET finished = NOW(), status = 'CANCELED'
			WHERE status = 'PENDING' AND run_id = $1`, runID)
		if err != nil {
			return errors.Wrap(err, "cancel pending tests")
		}
		n, _ := res.RowsAffected()
		affected += int(n)

		res, err = tx.ExecContext(ctx, `UPDATE builds SET finished = NOW(), status = 'BUILD DONE'
			WHERE status = 'PENDING' AND run_id = $1`, runID)
		if err != nil {
			return errors.Wrap(err, "cancel pending builds")
		}
		n, _ = res.RowsAffected()
		affected += int(n)
		return nil
	})
	return affected, err
}

// RetryRun implements backend_db.py's retry_the_run.
func (p *Postgres) RetryRun(ctx context.Context, runID int64) (int, error) {
	var affected int
	err := p.withSerializable(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `UPDATE tests
			SET started = NULL, finished = NULL, status = 'PENDING'
			WHERE status IN ('FAILED', 'TIMEOUT') AND run_id = $1
			RETURNING test_id, build_id, skip_build`, runID)
		if err != nil {
			return errors.Wrap(err, "requeue failed tests")
		}
		defer rows.Close()

		var testIDs []int64
		var buildIDs []int64
		for rows.Next() {
			var testID, buildID int64
			var skipBuild bool
			if err := rows.Scan(&testID, &buildID, &skipBuild); err != nil {
				return err
			}
			testIDs = append(testIDs, testID)
			if !skipBuild {
				buildIDs = append(buildIDs, buildID)
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		affected = len(testIDs)
		if affected == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM logs WHERE test_id = ANY($1)`, testIDs); err != nil {
			return errors.Wrap(err, "delete stale logs")
		}

		if len(buildIDs) > 0 {
			_, err := tx.ExecContext(ctx, `UPDATE builds
				SET started = NULL, finished = NULL, stderr = ''::bytea, stdout = ''::bytea,
				    status = 'PENDING'
				WHERE build_id = ANY($1)
				  AND (status = 'BUILD FAILED' OR (status = 'BUILD DONE' AND builder_ip = 0))`,
				buildIDs)
			if err != nil {
				return errors.Wrap(err, "reset dependent builds")
			}
		}
		return nil
	})
	return affected, err
}

// ClaimBuild implements the builder claim transaction (spec §4.3 step 2),
// grounded on builder_db.py's get_new_build, rewritten from MySQL's
// session-variable trick into a Postgres CTE with RETURNING.
func (p *Postgres) ClaimBuild(ctx context.Context, builderIP uint32) (*ClaimedBuild, error) {
	var out *ClaimedBuild
	err := p.withSerializable(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			WITH claimed AS (
				UPDATE builds
				   SET started = NOW(), finished = NULL, status = 'BUILDING', builder_ip = $1
				 WHERE build_id = (
					SELECT build_id FROM builds
					 WHERE status = 'PENDING'
					 ORDER BY low_priority, build_id
					 LIMIT 1
					 FOR UPDATE SKIP LOCKED)
				RETURNING build_id, run_id, is_release, features
			)
			SELECT c.build_id, r.sha, c.features, c.is_release,
			       COALESCE(BOOL_OR(t.category = 'expensive'), false) AS expensive
			  FROM claimed c
			  JOIN runs r ON r.run_id = c.run_id
			  LEFT JOIN tests t ON t.build_id = c.build_id
			 GROUP BY c.build_id, r.sha, c.features, c.is_release`, builderIP)

		var build ClaimedBuild
		var sha []byte
		err := row.Scan(&build.BuildID, &sha, &build.Features, &build.IsRelease, &build.Expensive)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "claim build")
		}
		copy(build.SHA[:], sha)
		out = &build
		return nil
	})
	return out, err
}

// ReportBuild implements builder_db.py's update_build_status.
func (p *Postgres) ReportBuild(ctx context.Context, buildID int64, success bool, stdout, stderr []byte) error {
	return p.withSerializable(ctx, func(tx *sql.Tx) error {
		if success {
			_, err := tx.ExecContext(ctx, `UPDATE builds
				SET finished = NOW(), status = 'BUILD DONE', stderr = $2, stdout = $3
				WHERE build_id = $1`, buildID, stderr, stdout)
			return errors.Wrap(err, "report build success")
		}
		// Failure cascades to cancel dependent PENDING tests in the same
		// transaction (invariant T2). Postgres has no multi-table UPDATE
		// JOIN like MySQL's, so the cascade is a second statement within the
		// same atomic transaction.
		_, err := tx.ExecContext(ctx, `UPDATE builds
			SET finished = NOW(), status = 'BUILD FAILED', stderr = $2, stdout = $3
			WHERE build_id = $1`, buildID, stderr, stdout)
		if err != nil {
			return errors.Wrap(err, "report build failure")
		}
		_, err = tx.ExecContext(ctx, `UPDATE tests SET finished = NOW(), status = 'CANCELED'
			WHERE build_id = $1 AND status = 'PENDING'`, buildID)
		return errors.Wrap(err, "cascade-cancel dependent tests")
	})
}

// RestartBuilder implements builder_db.py's handle_restart.
func (p *Postgres) RestartBuilder(ctx context.Context, builderIP uint32) error {
	_, err := p.db.ExecContext(ctx, `UPDATE builds
		SET started = NULL, status = 'PENDING', builder_ip = 0
		WHERE status = 'BUILDING' AND builder_ip = $1`, builderIP)
	return errors.Wrap(err, "restart builder recovery")
}

// BuildsWithoutPendingTests implements builder_db.py's
// builds_without_pending_tests.
func (p *Postgres) BuildsWithoutPendingTests(ctx context.Context, builderIP uint32) ([]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT b.build_id
		FROM builds b LEFT JOIN tests t USING (build_id)
		WHERE b.builder_ip = $1
		GROUP BY b.build_id
		HAVING SUM((t.status IN ('PENDING', 'RUNNING'))::int) = 0`, builderIP)
	if err != nil {
		return nil, errors.Wrap(err, "builds without pending tests")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UnassignBuilds implements builder_db.py's unassign_builds.
func (p *Postgres) UnassignBuilds(ctx context.Context, buildIDs []int64) error {
	if len(buildIDs) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `UPDATE builds SET builder_ip = 0 WHERE build_id = ANY($1)`,
		buildIDs)
	return errors.Wrap(err, "unassign builds")
}

// ClaimTest implements the worker claim transaction (spec §4.4 step 1),
// grounded on worker_db.py's get_pending_test.
func (p *Postgres) ClaimTest(ctx context.Context, workerHostname string, mocknetCapable bool) (*ClaimedTest, error) {
	var out *ClaimedTest
	err := p.withSerializable(ctx, func(tx *sql.Tx) error {
		// A test that keeps hitting MaxTries without ever reaching a
		// terminal status (e.g. repeated worker crashes mid-claim) would
		// otherwise sit PENDING forever once excluded from the candidate
		// query below; sweep it to FAILED here instead (invariant T1).
		if _, err := tx.ExecContext(ctx, `UPDATE tests SET finished = NOW(), status = 'FAILED'
			WHERE status = 'PENDING' AND tries >= $1`, nayduckv1.MaxTries); err != nil {
			return errors.Wrap(err, "fail tries-exhausted tests")
		}

		order := "low_priority"
		if mocknetCapable {
			// Mocknet preference policy hook (spec §4.4): prefer mocknet
			// tests over others in the claim query when the worker opts in.
			order = "(tests.category <> 'mocknet'), low_priority"
		}
		row := tx.QueryRowContext(ctx, `
			WITH candidate AS (
				SELECT tests.test_id
				  FROM tests JOIN builds USING (build_id)
				 WHERE tests.status = 'PENDING'
				   AND tests.tries < $2
				   AND (tests.select_after IS NULL OR tests.select_after <= NOW())
				   AND (tests.skip_build OR (builds.status = 'BUILD DONE' AND builds.builder_ip <> 0))
				 ORDER BY `+order+`, tests.test_id
				 LIMIT 1
				 FOR UPDATE OF tests SKIP LOCKED
			), updated AS (
				UPDATE tests
				   SET started = NOW(), finished = NULL, status = 'RUNNING',
				       worker_hostname = $1, tries = tries + 1
				 WHERE test_id IN (SELECT test_id FROM candidate)
				RETURNING test_id, build_id, run_id, name, category, timeout, skip_build, tries
			)
			SELECT u.test_id, u.build_id, u.run_id, u.name, u.category, u.timeout, u.skip_build,
			       u.tries, b.builder_ip, r.sha
			  FROM updated u
			  JOIN builds b USING (build_id)
			  JOIN runs r ON r.run_id = u.run_id`, workerHostname, nayduckv1.MaxTries)

		var t ClaimedTest
		var category string
		var timeoutSeconds int64
		var sha []byte
		err := row.Scan(&t.TestID, &t.BuildID, &t.RunID, &t.Name, &category, &timeoutSeconds,
			&t.SkipBuild, &t.Tries, &t.BuilderIP, &sha)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "claim test")
		}
		t.Category = nayduckv1.Category(category)
		t.Timeout = time.Duration(timeoutSeconds) * time.Second
		copy(t.SHA[:], sha)

		// On first re-acquisition (a retry), drop the previous attempt's
		// logs so the new run's artifacts aren't mixed with the old ones.
		if t.Tries > 1 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM logs WHERE test_id = $1`, t.TestID); err != nil {
				return errors.Wrap(err, "delete stale logs on reclaim")
			}
		}
		out = &t
		return nil
	})
	return out, err
}

// PostponeTest implements worker_db.py's retry_test: releases the claim
// without decrementing tries (the exit-13 POSTPONE contract), and makes the
// test ineligible for reclaim until NOW() + postponeDelay (spec §4.4 step 4).
func (p *Postgres) PostponeTest(ctx context.Context, testID int64) error {
	_, err := p.db.ExecContext(ctx, `UPDATE tests
		SET started = NULL, status = 'PENDING',
		    select_after = NOW() + ($2 * INTERVAL '1 second')
		WHERE test_id = $1`, testID, int64(postponeDelay/time.Second))
	return errors.Wrap(err, "postpone test")
}

// ReportTest implements worker_db.py's update_test_status.
func (p *Postgres) ReportTest(ctx context.Context, testID int64, status nayduckv1.TestStatus) error {
	_, err := p.db.ExecContext(ctx, `UPDATE tests SET finished = NOW(), status = $2
		WHERE test_id = $1`, testID, string(status))
	return errors.Wrap(err, "report test")
}

// SaveTestLogs implements worker_db.py's save_short_logs.
func (p *Postgres) SaveTestLogs(ctx context.Context, testID int64, logs []nayduckv1.Log) error {
	if len(logs) == 0 {
		return nil
	}
	return p.withSerializable(ctx, func(tx *sql.Tx) error {
		for _, l := range logs {
			_, err := tx.ExecContext(ctx, `INSERT INTO logs (test_id, type, size, log, storage, stack_trace)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (test_id, type) DO UPDATE
				   SET size = excluded.size, log = excluded.log,
				       storage = excluded.storage, stack_trace = excluded.stack_trace`,
				testID, l.Type, l.Size, l.Data, l.Storage, l.StackTrace)
			if err != nil {
				return errors.Wrapf(err, "upsert log %s for test %d", l.Type, testID)
			}
		}
		return nil
	})
}

// RestartWorker implements worker_db.py's handle_restart.
func (p *Postgres) RestartWorker(ctx context.Context, workerHostname string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE tests
		SET started = NULL, status = 'PENDING', worker_hostname = '', tries = GREATEST(tries - 1, 0)
		WHERE status = 'RUNNING' AND worker_hostname = $1`, workerHostname)
	return errors.Wrap(err, "restart worker recovery")
}

// LastNightlyRun implements backend_db.py's last_nightly_run.
func (p *Postgres) LastNightlyRun(ctx context.Context) (*nayduckv1.Run, error) {
	row := p.db.QueryRowContext(ctx, `SELECT run_id, branch, sha, title, requester, timestamp
		FROM runs WHERE requester = 'NayDuck' ORDER BY timestamp DESC LIMIT 1`)
	var run nayduckv1.Run
	var sha []byte
	err := row.Scan(&run.RunID, &run.Branch, &sha, &run.Title, &run.Requester, &run.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "last nightly run")
	}
	copy(run.SHA[:], sha)
	return &run, nil
}

// AddAuthCookie implements backend_db.py's add_auth_cookie.
func (p *Postgres) AddAuthCookie(ctx context.Context, cookie nayduckv1.AuthCookie) error {
	return p.withSerializable(ctx, func(tx *sql.Tx) error {
		cutoff := cookie.Timestamp.Add(-nayduckv1.AuthCookieTTL)
		if _, err := tx.ExecContext(ctx, `DELETE FROM auth_cookies WHERE timestamp < $1`, cutoff); err != nil {
			return errors.Wrap(err, "gc expired auth cookies")
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO auth_cookies (timestamp, cookie) VALUES ($1, $2)`,
			cookie.Timestamp, cookie.Cookie)
		return errors.Wrap(err, "insert auth cookie")
	})
}

// VerifyAuthCookie implements backend_db.py's verify_auth_cookie.
func (p *Postgres) VerifyAuthCookie(ctx context.Context, cookie nayduckv1.AuthCookie) (bool, error) {
	var existed bool
	err := p.withSerializable(ctx, func(tx *sql.Tx) error {
		cutoff := cookie.Timestamp.Add(-nayduckv1.AuthCookieTTL)
		if _, err := tx.ExecContext(ctx, `DELETE FROM auth_cookies WHERE timestamp < $1`, cutoff); err != nil {
			return errors.Wrap(err, "gc expired auth cookies")
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM auth_cookies WHERE timestamp = $1 AND cookie = $2`,
			cookie.Timestamp, cookie.Cookie)
		if err != nil {
			return errors.Wrap(err, "consume auth cookie")
		}
		n, _ := res.RowsAffected()
		existed = n > 0
		return nil
	})
	return existed, err
}
