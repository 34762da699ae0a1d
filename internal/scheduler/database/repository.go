package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/rendercloud/taskfarm/internal/scheduler/model"
)

const (
	jobsTable     = "jobs"
	tasksTable    = "tasks"
	managersTable = "managers"

	// Keeps each insert well below the postgres limit of 65535 bind parameters.
	maxRowsPerStatement = 1000
)

var dialect = goqu.Dialect("postgres")

// Snapshot is the full persisted state, as loaded at startup.
type Snapshot struct {
	Jobs     []*model.Job
	Tasks    []*model.Task
	Managers []*model.Manager
}

// Repository persists the state held by the task database.
type Repository interface {
	// Load returns everything persisted so far.
	Load(ctx context.Context) (*Snapshot, error)
	// Apply writes a changeset atomically.
	Apply(ctx context.Context, changes *Changeset) error
}

// PostgresRepository stores each row as a json document next to the columns needed for pruning.
type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Load(ctx context.Context) (*Snapshot, error) {
	snapshot := &Snapshot{}
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) error {
		var err error
		if snapshot.Jobs, err = loadDocuments[model.Job](ctx, tx, jobsTable); err != nil {
			return err
		}
		if snapshot.Tasks, err = loadDocuments[model.Task](ctx, tx, tasksTable); err != nil {
			return err
		}
		snapshot.Managers, err = loadManagers(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func loadDocuments[T any](ctx context.Context, tx pgx.Tx, table string) ([]*T, error) {
	sql, args, err := dialect.From(table).Select("data").Order(goqu.C("id").Asc()).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "error loading %s", table)
	}
	defer rows.Close()
	result := make([]*T, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, errors.WithStack(err)
		}
		var doc T
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, errors.Wrapf(err, "error decoding row of %s", table)
		}
		result = append(result, &doc)
	}
	return result, errors.WithStack(rows.Err())
}

func loadManagers(ctx context.Context, tx pgx.Tx) ([]*model.Manager, error) {
	sql, args, err := dialect.From(managersTable).Select("token_id", "data").Order(goqu.C("id").Asc()).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "error loading managers")
	}
	defer rows.Close()
	managers := make([]*model.Manager, 0)
	for rows.Next() {
		var tokenId string
		var data []byte
		if err := rows.Scan(&tokenId, &data); err != nil {
			return nil, errors.WithStack(err)
		}
		manager := &model.Manager{}
		if err := json.Unmarshal(data, manager); err != nil {
			return nil, errors.Wrap(err, "error decoding manager")
		}
		manager.TokenId = tokenId
		managers = append(managers, manager)
	}
	return managers, errors.WithStack(rows.Err())
}

// Apply deletes and upserts every row in the changeset in a single transaction.
func (r *PostgresRepository) Apply(ctx context.Context, changes *Changeset) error {
	jobRows, deletedJobs := make([]goqu.Record, 0), make([]string, 0)
	for id, job := range changes.Jobs {
		if job == nil {
			deletedJobs = append(deletedJobs, id)
			continue
		}
		data, err := json.Marshal(job)
		if err != nil {
			return errors.WithStack(err)
		}
		jobRows = append(jobRows, goqu.Record{"id": id, "status": string(job.Status), "updated": job.Updated, "data": string(data)})
	}
	taskRows, deletedTasks := make([]goqu.Record, 0), make([]string, 0)
	for id, task := range changes.Tasks {
		if task == nil {
			deletedTasks = append(deletedTasks, id)
			continue
		}
		data, err := json.Marshal(task)
		if err != nil {
			return errors.WithStack(err)
		}
		taskRows = append(taskRows, goqu.Record{"id": id, "job_id": task.JobId, "status": string(task.Status), "updated": task.Updated, "data": string(data)})
	}
	managerRows, deletedManagers := make([]goqu.Record, 0), make([]string, 0)
	for id, manager := range changes.Managers {
		if manager == nil {
			deletedManagers = append(deletedManagers, id)
			continue
		}
		data, err := json.Marshal(manager)
		if err != nil {
			return errors.WithStack(err)
		}
		managerRows = append(managerRows, goqu.Record{"id": id, "token_id": manager.TokenId, "updated": manager.Updated, "data": string(data)})
	}

	return r.db.BeginTxFunc(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}, func(tx pgx.Tx) error {
		for _, del := range []struct {
			table string
			ids   []string
		}{{tasksTable, deletedTasks}, {jobsTable, deletedJobs}, {managersTable, deletedManagers}} {
			if err := deleteRows(ctx, tx, del.table, del.ids); err != nil {
				return err
			}
		}
		if err := upsertRows(ctx, tx, jobsTable, jobRows, "status", "updated", "data"); err != nil {
			return err
		}
		if err := upsertRows(ctx, tx, tasksTable, taskRows, "job_id", "status", "updated", "data"); err != nil {
			return err
		}
		return upsertRows(ctx, tx, managersTable, managerRows, "token_id", "updated", "data")
	})
}

func deleteRows(ctx context.Context, tx pgx.Tx, table string, ids []string) error {
	for _, batch := range batches(ids) {
		sql, args, err := dialect.Delete(table).Where(goqu.C("id").In(batch)).Prepared(true).ToSQL()
		if err != nil {
			return errors.WithStack(err)
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return errors.Wrapf(err, "error deleting from %s", table)
		}
	}
	return nil
}

func upsertRows(ctx context.Context, tx pgx.Tx, table string, rows []goqu.Record, columns ...string) error {
	if len(rows) == 0 {
		return nil
	}
	// Sorted so concurrent writers lock rows in the same order.
	slices.SortFunc(rows, func(a, b goqu.Record) bool { return a["id"].(string) < b["id"].(string) })
	update := goqu.Record{}
	for _, column := range columns {
		update[column] = goqu.L("EXCLUDED." + column)
	}
	for _, batch := range batches(rows) {
		sql, args, err := dialect.Insert(table).
			Rows(batch).
			OnConflict(goqu.DoUpdate("id", update)).
			Prepared(true).
			ToSQL()
		if err != nil {
			return errors.WithStack(err)
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return errors.Wrapf(err, "error upserting into %s", table)
		}
	}
	return nil
}

func batches[T any](items []T) [][]T {
	result := make([][]T, 0, len(items)/maxRowsPerStatement+1)
	for start := 0; start < len(items); start += maxRowsPerStatement {
		end := start + maxRowsPerStatement
		if end > len(items) {
			end = len(items)
		}
		result = append(result, items[start:end])
	}
	return result
}

// PruneArchived removes archived jobs, and their tasks, last updated before cutOff. It returns the
// number of jobs removed.
func (r *PostgresRepository) PruneArchived(ctx context.Context, cutOff time.Time) (int, error) {
	pruned := 0
	archivedBefore := goqu.And(
		goqu.C("status").Eq(string(model.JobArchived)),
		goqu.C("updated").Lt(cutOff),
	)
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}, func(tx pgx.Tx) error {
		jobIds := dialect.From(jobsTable).Select("id").Where(archivedBefore)
		statements := []interface {
			ToSQL() (string, []interface{}, error)
		}{
			dialect.Delete(tasksTable).Where(goqu.C("job_id").In(jobIds)).Prepared(true),
			dialect.Delete(jobsTable).Where(archivedBefore).Prepared(true),
		}
		for _, statement := range statements {
			sql, args, err := statement.ToSQL()
			if err != nil {
				return errors.WithStack(err)
			}
			tag, err := tx.Exec(ctx, sql, args...)
			if err != nil {
				return errors.Wrap(err, "error pruning archived jobs")
			}
			pruned = int(tag.RowsAffected())
		}
		return nil
	})
	return pruned, err
}
