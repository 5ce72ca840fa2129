// Copyright 2024 Tigris Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"context"

	"github.com/valandreev/restcache/pkg/provider"
)

// OpenProvider builds a provider for one business type on the engine's
// shared registry, dispatcher, transport and session store. Queue settings
// left zero in cfg take the engine's configured values.
func OpenProvider[T any](ctx context.Context, e *Engine, cfg provider.Config[T], opts ...provider.Option[T]) (*provider.Provider[T], error) {
	defaults := e.queueConfig(cfg.TypeName)
	if cfg.Queue.Debounce <= 0 {
		cfg.Queue.Debounce = defaults.Debounce
	}
	if cfg.Queue.ResponseTimeout <= 0 {
		cfg.Queue.ResponseTimeout = defaults.ResponseTimeout
	}
	if cfg.Queue.AttemptRefreshHeader == "" {
		cfg.Queue.AttemptRefreshHeader = defaults.AttemptRefreshHeader
	}
	if !cfg.Queue.DequeueOnError {
		cfg.Queue.DequeueOnError = defaults.DequeueOnError
	}

	opts = append([]provider.Option[T]{provider.WithClock[T](e.now)}, opts...)
	p, err := provider.New(ctx, cfg, provider.Deps{
		Registry:   e.registry,
		Dispatcher: e.dispatcher,
		Transport:  e.transport,
		Backend:    e.sessionBackend,
		Cipher:     e.cipher,
		Headers:    e.headers,
	}, opts...)
	if err != nil {
		return nil, err
	}
	e.RegisterQueue(p.Queue())
	return p, nil
}
