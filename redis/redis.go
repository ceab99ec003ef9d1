package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/crowdfund/meta"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

const publishTimeout = 2 * time.Second

type Options struct {
	Addr     string
	Password string
	DB       int
	List     string // events are RPUSHed here
	Channel  string // and PUBLISHed here
	MaxLen   int64  // list is trimmed to the newest MaxLen entries, 0 keeps all
}

// Publisher mirrors ledger events into Redis so other processes can follow
// them without talking to the node.
type Publisher struct {
	rdb  *redis.Client
	opts Options
}

func NewPublisher(opts Options) *Publisher {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Publisher{rdb: rdb, opts: opts}
}

func (p *Publisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Publish implements event.Sink.
func (p *Publisher) Publish(ev meta.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	pipe := p.rdb.TxPipeline()
	pipe.RPush(ctx, p.opts.List, data)
	if p.opts.MaxLen > 0 {
		pipe.LTrim(ctx, p.opts.List, -p.opts.MaxLen, -1)
	}
	pipe.Publish(ctx, p.opts.Channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("event push to redis error: %s", err)
		return errors.Wrap(err, "redis publish")
	}
	return nil
}

// Recent returns the newest n mirrored events, oldest first.
func (p *Publisher) Recent(ctx context.Context, n int64) ([]meta.Event, error) {
	vals, err := p.rdb.LRange(ctx, p.opts.List, -n, -1).Result()
	if err == redis.Nil {
		return []meta.Event{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis lrange")
	}
	out := make([]meta.Event, 0, len(vals))
	for _, v := range vals {
		var ev meta.Event
		if err := json.Unmarshal([]byte(v), &ev); err != nil {
			return nil, errors.Wrap(err, "decode event")
		}
		out = append(out, ev)
	}
	return out, nil
}

// Subscribe follows the event channel until ctx is done.
func (p *Publisher) Subscribe(ctx context.Context) (<-chan meta.Event, error) {
	sub := p.rdb.Subscribe(ctx, p.opts.Channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.Wrap(err, "redis subscribe")
	}
	out := make(chan meta.Event)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev meta.Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					log.Warningf("redis subscribe: bad payload: %v", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *Publisher) Close() error {
	return p.rdb.Close()
}
