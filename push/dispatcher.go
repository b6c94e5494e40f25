// Package push dispatches mobile push notifications for clients that cannot
// be reached over a live connection. Pushes to one client are spaced at least
// the configured minimum apart and at most one push is outstanding per client
// at any time.
package push

import (
	"context"
	"sync"
	"time"

	"github.com/courier-im/courier/clock"
	"github.com/courier-im/courier/config"
	"github.com/courier-im/courier/ids"
	"github.com/courier-im/courier/storage"
	"go.uber.org/zap"
)

// Provider is one push gateway. Send failures are logged and not retried
// within a dispatch; InvalidTokens reports device tokens the gateway has
// declared dead since the last call.
type Provider interface {
	Name() string
	Send(token string) error
	InvalidTokens(ctx context.Context) ([]string, error)
}

type Dispatcher struct {
	config      *config.Config
	log         *zap.SugaredLogger
	store       storage.Store
	clock       clock.Clock
	providers   []Provider
	lock        sync.Mutex
	outstanding map[ids.ID]*time.Timer
	stopped     bool
}

// NewDispatcher constructs the dispatcher. providers are tried in order; only
// enabled providers should be passed.
func NewDispatcher(c *config.Config, store storage.Store, cl clock.Clock, providers ...Provider) *Dispatcher {
	return &Dispatcher{
		config:      c,
		log:         c.Logger("push/dispatcher"),
		store:       store,
		clock:       cl,
		providers:   providers,
		outstanding: make(map[ids.ID]*time.Timer),
	}
}

// Submit schedules a push for clientID. The client's last-push timestamp is
// advanced before the push fires so a burst of concurrent submissions cannot
// schedule duplicate work, and an outstanding marker collapses them to a
// single scheduled send.
func (d *Dispatcher) Submit(clientID ids.ID) {
	ctx := context.Background()
	client, err := d.store.Client(ctx, clientID)
	if err != nil {
		d.log.Warnf("error loading client %s %#v", clientID, err)
		return
	}
	if !client.Pushable() {
		return
	}

	now := d.clock.CurrentTimeMs()
	var delayMs uint64
	if client.LastPushMs > 0 {
		if next := client.LastPushMs + d.config.MinPushIntervalMs; next > now {
			delayMs = next - now
		}
	}
	if err := d.store.SetLastPush(ctx, clientID, now+delayMs); err != nil {
		d.log.Warnf("error stamping last push for %s %#v", clientID, err)
		return
	}

	d.lock.Lock()
	if d.stopped {
		d.lock.Unlock()
		return
	}
	if _, ok := d.outstanding[clientID]; ok {
		d.lock.Unlock()
		return
	}
	timer := time.AfterFunc(time.Duration(delayMs)*time.Millisecond, func() {
		d.fire(clientID)
	})
	d.outstanding[clientID] = timer
	d.lock.Unlock()

	d.log.Debugf("scheduled push for %s in %dms", clientID, delayMs)
}

func (d *Dispatcher) fire(clientID ids.ID) {
	// clear the marker first so a new submission can schedule the next push
	d.lock.Lock()
	delete(d.outstanding, clientID)
	d.lock.Unlock()

	client, err := d.store.Client(context.Background(), clientID)
	if err != nil {
		d.log.Warnf("error loading client %s %#v", clientID, err)
		return
	}
	d.send(client)
}

func (d *Dispatcher) send(client *storage.Client) {
	for _, p := range d.providers {
		token := tokenFor(p.Name(), client)
		if token == "" {
			continue
		}
		if err := p.Send(token); err != nil {
			d.log.Warnf("error pushing via %s for %s %#v", p.Name(), client.ID, err)
		}
		return
	}
	d.log.Debugf("no push route for %s", client.ID)
}

// CleanupInvalidTokens clears stored tokens each provider reports dead. Run
// at startup.
func (d *Dispatcher) CleanupInvalidTokens(ctx context.Context) error {
	for _, p := range d.providers {
		tokens, err := p.InvalidTokens(ctx)
		if err != nil {
			d.log.Warnf("error listing invalid tokens for %s %#v", p.Name(), err)
			continue
		}
		if len(tokens) == 0 {
			continue
		}
		d.log.Infof("clearing %d invalid %s tokens", len(tokens), p.Name())
		if err := d.store.RemovePushTokens(ctx, p.Name(), tokens); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) Shutdown() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.stopped = true
	for clientID, timer := range d.outstanding {
		timer.Stop()
		delete(d.outstanding, clientID)
	}
}

func tokenFor(provider string, client *storage.Client) string {
	switch provider {
	case storage.ProviderAPNS:
		return client.APNSToken
	case storage.ProviderFCM:
		return client.FCMToken
	}
	return ""
}
