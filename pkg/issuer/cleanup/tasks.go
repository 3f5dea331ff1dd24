// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cleanup

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// ExpiredGrantDeleter removes grants that expired before now.
type ExpiredGrantDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// KeyRotator rotates signing keys when they are due.
type KeyRotator interface {
	RotateIfDue(ctx context.Context) (bool, error)
}

// GrantCleanup deletes expired grants.
type GrantCleanup struct {
	grants ExpiredGrantDeleter
	clock  clock.PassiveClock
}

// NewGrantCleanup returns the task that deletes grants expired as of the
// clock's current time.
func NewGrantCleanup(grants ExpiredGrantDeleter, c clock.PassiveClock) *GrantCleanup {
	if c == nil {
		c = clock.RealClock{}
	}
	return &GrantCleanup{grants: grants, clock: c}
}

// Name implements Task.
func (*GrantCleanup) Name() string { return "grant-cleanup" }

// Run implements Task.
func (g *GrantCleanup) Run(ctx context.Context) error {
	n, err := g.grants.DeleteExpired(ctx, g.clock.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Debug("deleted expired grants", "count", n)
	}
	return nil
}

// KeyRotation rotates the signing key once it reaches the rotation interval
// and purges keys past their retention.
type KeyRotation struct {
	keys KeyRotator
}

// NewKeyRotation returns the key rotation task.
func NewKeyRotation(keys KeyRotator) *KeyRotation {
	return &KeyRotation{keys: keys}
}

// Name implements Task.
func (*KeyRotation) Name() string { return "key-rotation" }

// Run implements Task.
func (k *KeyRotation) Run(ctx context.Context) error {
	rotated, err := k.keys.RotateIfDue(ctx)
	if err != nil {
		return err
	}
	if rotated {
		slog.Info("rotated signing key on schedule")
	}
	return nil
}
