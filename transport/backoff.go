// Copyright 2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"math/rand"
	"time"

	"github.com/bufbuild/rpclb/internal"
)

// BackoffConfig controls the delay between consecutive failed
// connection attempts of a subchannel.
type BackoffConfig struct {
	// BaseDelay is the delay after the first failure.
	BaseDelay time.Duration
	// Multiplier is the factor the delay grows by after each
	// consecutive failure.
	Multiplier float64
	// Jitter is the fraction by which delays are randomized, e.g. 0.2
	// spreads each delay after the first over ±20% of its nominal value.
	// The delay after the first failure is exactly BaseDelay.
	Jitter float64
	// MaxDelay is the upper bound on the nominal delay.
	MaxDelay time.Duration
}

// DefaultBackoffConfig matches the connection backoff most RPC clients
// ship with.
//
//nolint:gochecknoglobals
var DefaultBackoffConfig = BackoffConfig{
	BaseDelay:  1 * time.Second,
	Multiplier: 1.6,
	Jitter:     0.2,
	MaxDelay:   120 * time.Second,
}

type exponentialBackoff struct {
	config BackoffConfig
	rnd    *rand.Rand
}

func newExponentialBackoff(config BackoffConfig) *exponentialBackoff {
	return &exponentialBackoff{config: config, rnd: internal.NewRand()}
}

// delay returns the backoff duration after the given number of
// consecutive failures (1 for the first failure).
func (b *exponentialBackoff) delay(failures int) time.Duration {
	if failures <= 1 {
		return b.config.BaseDelay
	}
	backoff, ceiling := float64(b.config.BaseDelay), float64(b.config.MaxDelay)
	for backoff < ceiling && failures > 1 {
		backoff *= b.config.Multiplier
		failures--
	}
	if backoff > ceiling {
		backoff = ceiling
	}
	backoff *= 1 + b.config.Jitter*(b.rnd.Float64()*2-1)
	if backoff < 0 {
		return 0
	}
	return time.Duration(backoff)
}
