package health

import (
	"context"
	"fmt"
)

// Pinger interface for databases that support ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StorageChecker checks the ticket store connectivity.
type StorageChecker struct {
	pinger Pinger
}

// NewStorageChecker creates a new storage health checker.
func NewStorageChecker(p Pinger) *StorageChecker {
	return &StorageChecker{pinger: p}
}

// Name returns the checker name.
func (c *StorageChecker) Name() string {
	return "storage"
}

// Check verifies the store is accessible.
func (c *StorageChecker) Check(ctx context.Context) error {
	if c.pinger == nil {
		return fmt.Errorf("storage not initialized")
	}
	return c.pinger.Ping(ctx)
}

// SchedulerChecker reports whether the monitor scheduler is running.
type SchedulerChecker struct {
	isRunning func() bool
}

// NewSchedulerChecker creates a new scheduler health checker.
func NewSchedulerChecker(isRunning func() bool) *SchedulerChecker {
	return &SchedulerChecker{isRunning: isRunning}
}

// Name returns the checker name.
func (c *SchedulerChecker) Name() string {
	return "scheduler"
}

// Check verifies the scheduler is running.
func (c *SchedulerChecker) Check(ctx context.Context) error {
	if c.isRunning == nil || !c.isRunning() {
		return fmt.Errorf("scheduler not running")
	}
	return nil
}
