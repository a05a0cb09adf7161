package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"assessment-runner/internal/models"
)

// Scheduler keeps one-shot deferred invocations in Redis.
//
//	schedule:due          ZSET  job id -> fire time (unix ms)
//	schedule:job:<id>     HASH  function, fire_at, args
//	schedule:fn:<name>    SET   pending job ids of one function
//
// Scheduling never cancels earlier jobs; callers clean up with CancelAllFor.
type Scheduler struct {
	client    *redis.Client
	dueKey    string
	jobPrefix string
	fnPrefix  string
	now       func() time.Time
}

// New builds a scheduler on an existing Redis client.
func New(client *redis.Client) *Scheduler {
	return &Scheduler{
		client:    client,
		dueKey:    "schedule:due",
		jobPrefix: "schedule:job:",
		fnPrefix:  "schedule:fn:",
		now:       time.Now,
	}
}

func (s *Scheduler) jobKey(id string) string {
	return s.jobPrefix + id
}

func (s *Scheduler) fnKey(function string) string {
	return s.fnPrefix + function
}

// ScheduleOnceIn registers function to fire once after delay and returns the job id.
func (s *Scheduler) ScheduleOnceIn(ctx context.Context, delay time.Duration, function string, args map[string]string) (string, error) {
	if function == "" {
		return "", fmt.Errorf("schedule: function identifier is required")
	}
	if delay < 0 {
		delay = 0
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode job args: %w", err)
	}
	id := uuid.New().String()
	fireAt := s.now().Add(delay).UnixMilli()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.jobKey(id), "function", function, "fire_at", fireAt, "args", string(rawArgs))
	pipe.ZAdd(ctx, s.dueKey, redis.Z{Score: float64(fireAt), Member: id})
	pipe.SAdd(ctx, s.fnKey(function), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("schedule job: %w", err)
	}
	return id, nil
}

// CancelAllFor removes every pending job of function and returns how many were removed.
func (s *Scheduler) CancelAllFor(ctx context.Context, function string) (int, error) {
	n, err := cancelScript.Run(ctx, s.client, []string{s.dueKey, s.fnKey(function)}, s.jobPrefix).Int()
	if err != nil {
		return 0, fmt.Errorf("cancel jobs for %s: %w", function, err)
	}
	return n, nil
}

// ClaimDue atomically removes and returns up to limit jobs whose fire time has passed.
// A claimed job is never returned again.
func (s *Scheduler) ClaimDue(ctx context.Context, now time.Time, limit int64) ([]models.ScheduledJob, error) {
	res, err := claimScript.Run(ctx, s.client, []string{s.dueKey}, now.UnixMilli(), limit, s.jobPrefix, s.fnPrefix).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	jobs := make([]models.ScheduledJob, 0, len(res)/4)
	for i := 0; i+3 < len(res); i += 4 {
		job, err := decodeJob(res[i], res[i+1], res[i+2], res[i+3])
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Pending lists the not-yet-fired jobs of function.
func (s *Scheduler) Pending(ctx context.Context, function string) ([]models.ScheduledJob, error) {
	ids, err := s.client.SMembers(ctx, s.fnKey(function)).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, s.jobKey(id)))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("read pending jobs: %w", err)
		}
	}
	jobs := make([]models.ScheduledJob, 0, len(ids))
	for i, c := range cmds {
		fields := c.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := decodeJob(ids[i], fields["function"], fields["fire_at"], fields["args"])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DueDepth returns how many jobs are waiting, fired or not yet due.
func (s *Scheduler) DueDepth(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.dueKey).Result()
}

func decodeJob(id, function, fireAt, rawArgs string) (models.ScheduledJob, error) {
	ms, err := strconv.ParseInt(fireAt, 10, 64)
	if err != nil {
		return models.ScheduledJob{}, fmt.Errorf("job %s: bad fire_at %q: %w", id, fireAt, err)
	}
	job := models.ScheduledJob{ID: id, Function: function, FireAt: time.UnixMilli(ms)}
	if rawArgs != "" && rawArgs != "null" {
		if err := json.Unmarshal([]byte(rawArgs), &job.Args); err != nil {
			return models.ScheduledJob{}, fmt.Errorf("job %s: decode args: %w", id, err)
		}
	}
	return job, nil
}

var cancelScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[2])
local removed = 0
for _, id in ipairs(ids) do
  removed = removed + redis.call('ZREM', KEYS[1], id)
  redis.call('DEL', ARGV[1] .. id)
end
redis.call('DEL', KEYS[2])
return removed
`)

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. id
  local fn = redis.call('HGET', key, 'function')
  if fn then
    local fire = redis.call('HGET', key, 'fire_at')
    local args = redis.call('HGET', key, 'args') or ''
    redis.call('DEL', key)
    redis.call('SREM', ARGV[4] .. fn, id)
    table.insert(out, id)
    table.insert(out, fn)
    table.insert(out, fire)
    table.insert(out, args)
  end
end
return out
`)
