package queue

import (
	"context"
	"strconv"
	"time"

	"taoj/pkg/errors"

	"github.com/redis/go-redis/v9"
)

// Config holds the queue connection configuration.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`

	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	PoolSize     int           `yaml:"poolSize"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Prefix:      DefaultPrefix,
		DialTimeout: 5 * time.Second,
		// blocking pops need reads longer than the poll timeout
		ReadTimeout:  -1,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
	}
}

// Client performs the queue protocol operations. At most one runner ever
// holds a given task id because pickup is a single BLMOVE.
type Client struct {
	rdb  *redis.Client
	keys Keys
}

// NewClient connects to redis and verifies the connection.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Addr == "" {
		return nil, errors.New(errors.InvalidParams).WithMessage("queue addr cannot be empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, errors.QueueError, "failed to ping redis at %s", cfg.Addr)
	}
	return &Client{rdb: rdb, keys: NewKeys(cfg.Prefix)}, nil
}

// NewClientWithRedis wraps an existing redis client (used in tests).
func NewClientWithRedis(rdb *redis.Client, prefix string) *Client {
	return &Client{rdb: rdb, keys: NewKeys(prefix)}
}

func (c *Client) Keys() Keys { return c.keys }

func (c *Client) Close() error { return c.rdb.Close() }

// --- scheduler side ---

// PublishTask stores the task body under a TTL and pushes the id onto the
// pending list.
func (c *Client) PublishTask(ctx context.Context, taskID string, body []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.keys.Task(taskID), body, ttl).Err(); err != nil {
		return errors.Wrap(err, errors.QueueError)
	}
	if err := c.rdb.LPush(ctx, c.keys.Tasks(), taskID).Err(); err != nil {
		return errors.Wrap(err, errors.QueueError)
	}
	return nil
}

// PopStatusUpdate blocks until the runner pushes a status update for the
// task, or the timeout elapses (returning nil, nil).
func (c *Client) PopStatusUpdate(ctx context.Context, taskID string, timeout time.Duration) ([]byte, error) {
	res, err := c.rdb.BRPop(ctx, timeout, c.keys.Progress(taskID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.QueueError)
	}
	return []byte(res[1]), nil
}

// SignalAbort asks whichever runner holds the task to stop it. The signal
// key expires on its own in case nobody is listening.
func (c *Client) SignalAbort(ctx context.Context, taskID string, ttl time.Duration) error {
	key := c.keys.Abort(taskID)
	if err := c.rdb.LPush(ctx, key, "1").Err(); err != nil {
		return errors.Wrap(err, errors.QueueError)
	}
	return errors.Wrap(c.rdb.Expire(ctx, key, ttl).Err(), errors.QueueError)
}

// CleanupTask removes the task body and progress keys. The abort key is
// left alone so an abort signalled during teardown still reaches the runner;
// it expires on its own.
func (c *Client) CleanupTask(ctx context.Context, taskID string) error {
	keys := []string{c.keys.Task(taskID), c.keys.Progress(taskID)}
	return errors.Wrap(c.rdb.Del(ctx, keys...).Err(), errors.QueueError)
}

// RunnerHeartbeat returns the runner's last heartbeat time, or zero if it
// has never reported one.
func (c *Client) RunnerHeartbeat(ctx context.Context, runnerID string) (time.Time, error) {
	val, err := c.rdb.Get(ctx, c.keys.Heartbeat(runnerID)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.QueueError)
	}
	secs, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, errors.QueueError, "malformed heartbeat %q", val)
	}
	return time.Unix(0, int64(secs*float64(time.Second))), nil
}

// RunnerInProgress lists the task ids the runner currently holds.
func (c *Client) RunnerInProgress(ctx context.Context, runnerID string) ([]string, error) {
	ids, err := c.rdb.LRange(ctx, c.keys.InProgress(runnerID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.QueueError)
	}
	return ids, nil
}

// --- runner side ---

// PollTask atomically moves one pending task id into the runner's
// in-progress list. Returns "" when the timeout elapses with no work.
func (c *Client) PollTask(ctx context.Context, runnerID string, timeout time.Duration) (string, error) {
	id, err := c.rdb.BLMove(ctx, c.keys.Tasks(), c.keys.InProgress(runnerID),
		"RIGHT", "LEFT", timeout).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, errors.QueueError)
	}
	return id, nil
}

// FetchTaskBody loads the serialized task; a missing body means the TTL
// expired before pickup.
func (c *Client) FetchTaskBody(ctx context.Context, taskID string) ([]byte, error) {
	body, err := c.rdb.Get(ctx, c.keys.Task(taskID)).Bytes()
	if err == redis.Nil {
		return nil, errors.Newf(errors.TaskBodyMissing, "task %s has no body", taskID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.QueueError)
	}
	return body, nil
}

// PushStatusUpdate publishes a serialized status update for the task.
func (c *Client) PushStatusUpdate(ctx context.Context, taskID string, body []byte, ttl time.Duration) error {
	key := c.keys.Progress(taskID)
	if err := c.rdb.LPush(ctx, key, body).Err(); err != nil {
		return errors.Wrap(err, errors.QueueError)
	}
	return errors.Wrap(c.rdb.Expire(ctx, key, ttl).Err(), errors.QueueError)
}

// WaitAbort blocks until an abort signal arrives for the task or the
// timeout elapses.
func (c *Client) WaitAbort(ctx context.Context, taskID string, timeout time.Duration) (bool, error) {
	_, err := c.rdb.BLPop(ctx, timeout, c.keys.Abort(taskID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.QueueError)
	}
	return true, nil
}

// FinishTask removes the task id from the runner's in-progress list.
func (c *Client) FinishTask(ctx context.Context, runnerID, taskID string) error {
	return errors.Wrap(c.rdb.LRem(ctx, c.keys.InProgress(runnerID), 0, taskID).Err(),
		errors.QueueError)
}

// ClearInProgress wipes the runner's in-progress list; called on startup so
// tasks abandoned by a crash don't look live forever.
func (c *Client) ClearInProgress(ctx context.Context, runnerID string) error {
	return errors.Wrap(c.rdb.Del(ctx, c.keys.InProgress(runnerID)).Err(), errors.QueueError)
}

// SetHeartbeat stamps the runner's heartbeat key with the current time.
func (c *Client) SetHeartbeat(ctx context.Context, runnerID string, now time.Time, ttl time.Duration) error {
	val := strconv.FormatFloat(float64(now.UnixNano())/float64(time.Second), 'f', 3, 64)
	return errors.Wrap(c.rdb.Set(ctx, c.keys.Heartbeat(runnerID), val, ttl).Err(),
		errors.QueueError)
}
