// Package lease provides an advisory per-job Redis lease so overlapping
// dispatch runs (cron double-fires, an operator rerun) do not both drive the
// same ledger row. Ownership is advisory: there is no consensus, only a
// best-effort single writer per job id.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "move:lease:"

// Lease acquires and releases per-job locks on behalf of one run.
type Lease struct {
	client *redis.Client
	ttl    time.Duration
	owner  string // run id, recorded as the lease value for diagnostics
}

// New builds a lease manager. The TTL bounds how long a crashed run can
// block a job; it should exceed the job timeout.
func New(client *redis.Client, ttl time.Duration, owner string) *Lease {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Lease{client: client, ttl: ttl, owner: owner}
}

func key(jobID int64) string {
	return fmt.Sprintf("%s%d", keyPrefix, jobID)
}

// Acquire attempts to take the lease for a job id. A false return means
// another run holds it; the caller should skip the job, not fail it.
func (l *Lease) Acquire(ctx context.Context, jobID int64) (bool, error) {
	ok, err := l.client.SetNX(ctx, key(jobID), l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease for job %d: %w", jobID, err)
	}
	return ok, nil
}

// Release drops the lease if this run still holds it. Releasing a lease
// taken over by another run is a no-op.
func (l *Lease) Release(ctx context.Context, jobID int64) error {
	err := releaseScript.Run(ctx, l.client, []string{key(jobID)}, l.owner).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release lease for job %d: %w", jobID, err)
	}
	return nil
}

// Holder reports which run currently holds a job's lease, if any.
func (l *Lease) Holder(ctx context.Context, jobID int64) (string, error) {
	v, err := l.client.Get(ctx, key(jobID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease for job %d: %w", jobID, err)
	}
	return v, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
