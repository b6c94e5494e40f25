// Package bus fans reconciliation wakes into the scheduler. Wakes are always
// delivered in-process; when a redis URL is configured they are additionally
// published so other relay nodes wake their schedulers for the same client.
package bus

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/cenkalti/backoff"
	"github.com/courier-im/courier/config"
	"github.com/courier-im/courier/ids"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const wakeChannel = "courier:wake"

type Bus struct {
	log          *zap.SugaredLogger
	wakes        chan ids.ID
	publisher    *redis.Client
	redisOptions *redis.Options
	cancelFunc   context.CancelFunc
	finished     sync.WaitGroup
}

func NewBus(c *config.Config) (*Bus, error) {
	b := &Bus{
		log:   c.Logger("bus"),
		wakes: make(chan ids.ID, 1024),
	}
	if c.RedisURL != "" {
		redisOptions, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, err
		}
		b.redisOptions = redisOptions
		b.publisher = redis.NewClient(redisOptions)
	}
	return b, nil
}

func (b *Bus) Start() {
	ctx, cancelFunc := context.WithCancel(context.Background())
	b.cancelFunc = cancelFunc
	if b.redisOptions != nil {
		b.startSubscriber(ctx)
	}
}

func (b *Bus) Shutdown() {
	if b.cancelFunc != nil {
		b.cancelFunc()
		b.finished.Wait()
	}
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			b.log.Warnf("error while closing publisher %#v", err)
		}
	}
}

// Wakes is the channel the scheduler's worker pool consumes.
func (b *Bus) Wakes() <-chan ids.ID {
	return b.wakes
}

// Wake enqueues a reconciliation pass for clientID.
func (b *Bus) Wake(clientID ids.ID) {
	b.wakes <- clientID
	if b.publisher == nil {
		return
	}
	if i := b.publisher.Publish(context.Background(), wakeChannel, clientID.String()); i.Err() != nil {
		b.log.Warnf("error while publishing wake %#v", i.Err())
	}
}

func (b *Bus) startSubscriber(ctx context.Context) {
	b.finished.Add(1)
	go func() {
		defer b.finished.Done()
		op := func() error {
			subscriber := redis.NewClient(b.redisOptions)
			defer func() {
				if err := subscriber.Close(); err != nil {
					b.log.Warnf("error while closing subscriber %#v", err)
				}
			}()
			sub := subscriber.Subscribe(ctx, wakeChannel)
			defer func() {
				if err := sub.Close(); err != nil {
					b.log.Warnf("error while closing sub %#v", err)
				}
			}()
			msgs := sub.Channel()
			for {
				select {
				case <-ctx.Done():
					return nil
				case m := <-msgs:
					if m == nil {
						return errors.New("subscription closed")
					}
					raw, err := hex.DecodeString(m.Payload)
					if err != nil || len(raw) != 16 {
						b.log.Warnf("malformed wake payload %s", m.Payload)
						continue
					}
					b.wakes <- ids.IDFromBytes(raw)
				}
			}
		}
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0
		if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
			b.log.Warnf("subscriber stopped %#v", err)
		}
	}()
}
