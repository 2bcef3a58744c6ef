/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fanout

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/blnkfinance/prospekt/model"
)

// RedisBridge links brokers of several processes through a redis channel, so
// that a subscriber on the API node sees merges performed by queue workers.
// Each event crosses the bridge once: only locally originated events are
// forwarded and only foreign ones are relayed back in.
type RedisBridge struct {
	broker  *Broker
	client  redis.UniversalClient
	channel string
}

func NewRedisBridge(broker *Broker, client redis.UniversalClient, channel string) *RedisBridge {
	return &RedisBridge{broker: broker, client: client, channel: channel}
}

// Run forwards and relays events until ctx is done.
func (r *RedisBridge) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed so no early event is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	local := r.broker.Subscribe(func(e model.Event) bool {
		return e.Origin == r.broker.Origin()
	})
	defer local.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.forward(ctx, local)
	})
	g.Go(func() error {
		return r.relay(ctx, pubsub.Channel())
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *RedisBridge) forward(ctx context.Context, sub *Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				logrus.WithError(err).Error("fanout: encode event")
				continue
			}
			if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
				logrus.WithError(err).WithField("type", event.Type).Warn("fanout: forward event to redis")
			}
		}
	}
}

func (r *RedisBridge) relay(ctx context.Context, messages <-chan *redis.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event model.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logrus.WithError(err).Warn("fanout: decode relayed event")
				continue
			}
			if event.Origin == r.broker.Origin() {
				continue
			}
			r.broker.Publish(event)
		}
	}
}
