// SPDX-License-Identifier: MIT

// Package redisout implements an output stage appending packet bursts to a
// Redis stream.
package redisout

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ManuGH/tspipe/internal/log"
	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/ManuGH/tspipe/internal/ts"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream = "tspipe"
	DefaultMaxLen = 10000

	// PasswordEnv is read when --password is not given.
	PasswordEnv = "TSPIPE_REDIS_PASSWORD"

	// Stream entry fields.
	FieldData  = "data"
	FieldCount = "count"
	FieldSeq   = "seq"
	FieldRunID = "run_id"

	writeTimeout = 3 * time.Second
)

// Output appends one stream entry per burst of packets. Entries carry the
// raw packets, their count, a burst sequence number and the run ID.
type Output struct {
	addr     string
	db       int
	password string
	stream   string
	maxLen   int64
	exact    bool
	burst    int

	client *redis.Client
	runID  string
	buf    []byte
	count  int
	seq    uint64
}

var outputOptions = []stage.OptionSpec{
	stage.Value("db", ""),
	stage.Value("password", ""),
	stage.Value("stream", ""),
	stage.Value("maxlen", ""),
	stage.Flag("exact", ""),
	stage.Value("packet-burst", "p"),
}

func (o *Output) Configure(_ *stage.Env, opts stage.Options) error {
	if err := opts.Check(1, stage.OptionNames(outputOptions...)...); err != nil {
		return err
	}
	o.addr = opts.Arg(0, "localhost:6379")
	o.stream = opts.String("stream", DefaultStream)
	o.password = opts.String("password", os.Getenv(PasswordEnv))
	var err error
	if o.db, err = opts.IntRange("db", 0, 0, 15); err != nil {
		return err
	}
	ml, err := opts.Int("maxlen", DefaultMaxLen)
	if err != nil {
		return err
	}
	if ml < 0 {
		return &stage.OptionError{Option: "maxlen", Value: strconv.Itoa(ml), Err: stage.ErrInvalidOption}
	}
	o.maxLen = int64(ml)
	if o.exact, err = opts.Bool("exact"); err != nil {
		return err
	}
	if o.burst, err = opts.IntRange("packet-burst", ts.PacketsPerDatagram, 1, 512); err != nil {
		return err
	}
	return nil
}

func (o *Output) Start(ctx context.Context, env *stage.Env) error {
	client := redis.NewClient(&redis.Options{
		Addr:         o.addr,
		Password:     o.password,
		DB:           o.db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  writeTimeout,
		WriteTimeout: writeTimeout,
		PoolSize:     2,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis connection failed: %w", err)
	}
	o.client = client
	o.runID = env.RunID
	o.buf = make([]byte, 0, o.burst*ts.PacketSize)
	o.count, o.seq = 0, 0

	env.Log.Info().
		Str(log.FieldAddress, o.addr).
		Int("db", o.db).
		Str("stream", o.stream).
		Int64("maxlen", o.maxLen).
		Msg("connected to Redis stream")
	return nil
}

func (o *Output) Process(ctx context.Context, _ *stage.Env, u *ts.Unit) (stage.Status, error) {
	o.buf = append(o.buf, u.Packet[:]...)
	o.count++
	if o.count < o.burst {
		return stage.StatusOK, nil
	}
	if err := o.flush(ctx); err != nil {
		return stage.StatusError, err
	}
	return stage.StatusOK, nil
}

func (o *Output) flush(ctx context.Context) error {
	if o.count == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	args := &redis.XAddArgs{
		Stream: o.stream,
		Values: []any{FieldData, o.buf, FieldCount, o.count, FieldSeq, o.seq, FieldRunID, o.runID},
	}
	if o.maxLen > 0 {
		args.MaxLen = o.maxLen
		args.Approx = !o.exact
	}
	err := o.client.XAdd(ctx, args).Err()
	o.buf = o.buf[:0]
	o.count = 0
	if err != nil {
		return fmt.Errorf("redis xadd %s: %w", o.stream, err)
	}
	o.seq++
	return nil
}

func (o *Output) Stop(ctx context.Context, env *stage.Env) error {
	if o.client == nil {
		return nil
	}
	flushErr := o.flush(ctx)
	env.Log.Debug().Uint64("entries", o.seq).Str("stream", o.stream).Msg("redis output stopped")
	closeErr := o.client.Close()
	o.client = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Register adds the Redis output to r.
func Register(r *stage.Registry) {
	r.MustRegister(stage.Registration{
		Name:    "redis",
		Role:    stage.RoleOutput,
		Usage:   "redis [--stream KEY] [--db N] [--password P] [--maxlen N] [--exact] [-p|--packet-burst N] [host:port]: append packet bursts to a Redis stream",
		Options: outputOptions,
		New:     func() stage.Stage { return &Output{} },
	})
}
