package heartbeat

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/rendercloud/taskfarm/internal/common/farmcontext"
)

// WorkerStatus is what a manager reports about one of its workers.
type WorkerStatus struct {
	Id          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Status      string    `json:"status"`
	CurrentTask string    `json:"currentTask,omitempty"`
	Activity    string    `json:"activity,omitempty"`
	LastSeen    time.Time `json:"lastSeen"`
}

// WorkerRepository stores the latest worker report of each manager.
type WorkerRepository interface {
	// StoreWorkers replaces the workers reported by a manager.
	StoreWorkers(ctx *farmcontext.Context, managerId string, workers []WorkerStatus) error
	// GetWorkers returns the workers last reported by a manager, ordered by id.
	GetWorkers(ctx *farmcontext.Context, managerId string) ([]WorkerStatus, error)
}

const workersPrefix = "workers"

// RedisWorkerRepository keeps one hash per manager, keyed by worker id. Reports expire if a manager
// stops sending them.
type RedisWorkerRepository struct {
	db  redis.UniversalClient
	ttl time.Duration
}

func NewRedisWorkerRepository(db redis.UniversalClient, ttl time.Duration) *RedisWorkerRepository {
	return &RedisWorkerRepository{
		db:  db,
		ttl: ttl,
	}
}

func (r *RedisWorkerRepository) key(managerId string) string {
	return fmt.Sprintf("%s_%s", workersPrefix, managerId)
}

func (r *RedisWorkerRepository) StoreWorkers(ctx *farmcontext.Context, managerId string, workers []WorkerStatus) error {
	fields := make(map[string]interface{}, len(workers))
	for _, worker := range workers {
		data, err := json.Marshal(worker)
		if err != nil {
			return errors.Wrap(err, "Error marshalling worker status")
		}
		fields[worker.Id] = data
	}

	key := r.key(managerId)
	pipe := r.db.TxPipeline()
	pipe.Del(ctx, key)
	if len(fields) > 0 {
		pipe.HSet(ctx, key, fields)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "Error storing workers in redis")
	}
	return nil
}

func (r *RedisWorkerRepository) GetWorkers(ctx *farmcontext.Context, managerId string) ([]WorkerStatus, error) {
	result, err := r.db.HGetAll(ctx, r.key(managerId)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "Error retrieving workers from redis")
	}
	workers := make([]WorkerStatus, 0, len(result))
	for _, v := range result {
		var worker WorkerStatus
		if err := json.Unmarshal([]byte(v), &worker); err != nil {
			return nil, errors.Wrap(err, "Error unmarshalling worker status")
		}
		workers = append(workers, worker)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Id < workers[j].Id })
	return workers, nil
}

// InMemoryWorkerRepository is used when no redis is configured. It remembers a bounded number of
// managers, evicting the least recently reporting one.
type InMemoryWorkerRepository struct {
	cache *lru.Cache
}

func NewInMemoryWorkerRepository(maxManagers int) (*InMemoryWorkerRepository, error) {
	cache, err := lru.New(maxManagers)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &InMemoryWorkerRepository{cache: cache}, nil
}

func (r *InMemoryWorkerRepository) StoreWorkers(_ *farmcontext.Context, managerId string, workers []WorkerStatus) error {
	stored := make([]WorkerStatus, len(workers))
	copy(stored, workers)
	sort.Slice(stored, func(i, j int) bool { return stored[i].Id < stored[j].Id })
	r.cache.Add(managerId, stored)
	return nil
}

func (r *InMemoryWorkerRepository) GetWorkers(_ *farmcontext.Context, managerId string) ([]WorkerStatus, error) {
	value, ok := r.cache.Get(managerId)
	if !ok {
		return []WorkerStatus{}, nil
	}
	stored := value.([]WorkerStatus)
	workers := make([]WorkerStatus, len(stored))
	copy(workers, stored)
	return workers, nil
}
