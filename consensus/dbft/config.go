// Copyright © 2019 Annchain Authors <EMAIL ADDRESS>
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
package dbft

import (
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultValidatorCount          = 7
	DefaultBlockTime               = 15 * time.Second
	DefaultTimeoutBase             = 20 * time.Second
	DefaultTimeoutMax              = 16 * DefaultTimeoutBase
	DefaultRecoveryTimeout         = 30 * time.Second
	DefaultMaxBlockSize            = 1024 * 1024
	DefaultMaxTransactionsPerBlock = 512
	DefaultFutureBufferSize        = 1024
)

type Config struct {
	Version                 uint32
	BlockTime               time.Duration
	TimeoutBase             time.Duration
	TimeoutMax              time.Duration
	RecoveryTimeout         time.Duration
	MaxBlockSize            int
	MaxTransactionsPerBlock int
	// MaxFutureBlockTime bounds how far ahead of the local clock a proposal timestamp may be.
	MaxFutureBlockTime time.Duration
	RecoveryEnabled    bool
	FutureBufferSize   int
}

func DefaultConfig() Config {
	return Config{
		BlockTime:               DefaultBlockTime,
		TimeoutBase:             DefaultTimeoutBase,
		TimeoutMax:              DefaultTimeoutMax,
		RecoveryTimeout:         DefaultRecoveryTimeout,
		MaxBlockSize:            DefaultMaxBlockSize,
		MaxTransactionsPerBlock: DefaultMaxTransactionsPerBlock,
		MaxFutureBlockTime:      8 * DefaultBlockTime,
		RecoveryEnabled:         true,
		FutureBufferSize:        DefaultFutureBufferSize,
	}
}

func (c *Config) Validate() error {
	switch {
	case c.BlockTime <= 0:
		return errors.Wrap(ErrInvalidConfig, "block time must be positive")
	case c.TimeoutBase <= 0:
		return errors.Wrap(ErrInvalidConfig, "timeout base must be positive")
	case c.TimeoutMax < c.TimeoutBase:
		return errors.Wrapf(ErrInvalidConfig, "timeout max %s is below timeout base %s", c.TimeoutMax, c.TimeoutBase)
	case c.BlockTime > c.TimeoutBase:
		return errors.Wrapf(ErrInvalidConfig, "block time %s exceeds timeout base %s", c.BlockTime, c.TimeoutBase)
	case c.RecoveryEnabled && c.RecoveryTimeout <= 0:
		return errors.Wrap(ErrInvalidConfig, "recovery timeout must be positive")
	case c.MaxBlockSize <= 0:
		return errors.Wrap(ErrInvalidConfig, "max block size must be positive")
	case c.MaxTransactionsPerBlock <= 0:
		return errors.Wrap(ErrInvalidConfig, "max transactions per block must be positive")
	case c.MaxFutureBlockTime <= 0:
		return errors.Wrap(ErrInvalidConfig, "max future block time must be positive")
	case c.FutureBufferSize <= 0:
		return errors.Wrap(ErrInvalidConfig, "future buffer size must be positive")
	}
	return nil
}

// Timeout is base * 2^view, capped at TimeoutMax.
func (c *Config) Timeout(view ViewNumber) time.Duration {
	d := c.TimeoutBase
	for i := ViewNumber(0); i < view; i++ {
		if d >= c.TimeoutMax/2 {
			return c.TimeoutMax
		}
		d *= 2
	}
	if d > c.TimeoutMax {
		return c.TimeoutMax
	}
	return d
}
