package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger"
	"github.com/google/uuid"
	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/internal/mlog"
	"github.com/procflow/continuum/persistence"
)

// DefaultLeaseTTL is the default lifetime of a continuation lease that is not
// renewed.
//
// It must exceed the longest plausible execution time of a single attempt,
// otherwise the work of live but slow nodes is duplicated.
var DefaultLeaseTTL = 30 * time.Second

// ErrLeaseLost is returned when renewing a lease that has expired and been
// taken over, or released.
var ErrLeaseLost = errors.New("lease lost")

// Coordinator tracks which node is executing each continuation, so that the
// in-flight work of a crashed node is recovered by the other nodes.
type Coordinator struct {
	// NodeID is the unique ID of this node.
	NodeID string

	// Leases is the repository that stores the leases of all nodes.
	Leases persistence.LeaseRepository

	// LeaseTTL is the lifetime of a lease that is not renewed. If it is
	// non-positive, DefaultLeaseTTL is used.
	LeaseTTL time.Duration

	// HeartbeatInterval is the interval at which held leases are renewed. If
	// it is non-positive or not less than the lease TTL, one third of the
	// lease TTL is used.
	HeartbeatInterval time.Duration

	// SweepInterval is the interval at which expired leases are removed. If
	// it is non-positive, half of the lease TTL is used.
	SweepInterval time.Duration

	// Now returns the current time. If it is nil, time.Now() is used.
	Now func() time.Time

	// Logger is the target for log messages about leases.
	// If it is nil, logging.DefaultLogger is used.
	Logger logging.Logger
}

// Acquire leases d to this node.
//
// It returns false if d is leased by another node and that lease has not
// expired.
func (c *Coordinator) Acquire(
	ctx context.Context,
	d continuation.Descriptor,
) (persistence.Lease, bool, error) {
	now := c.now()

	l := persistence.Lease{
		TenantID:       d.TenantID,
		ContinuationID: d.ID,
		NodeID:         c.NodeID,
		Token:          uuid.NewString(),
		ExpiresAt:      now.Add(c.ttl()),
	}

	ok, err := c.Leases.AcquireLease(ctx, l, now)
	if !ok || err != nil {
		return persistence.Lease{}, false, err
	}

	return l, true, nil
}

// Renew extends the expiry time of l by the lease TTL.
//
// It returns ErrLeaseLost if l is no longer held.
func (c *Coordinator) Renew(ctx context.Context, l *persistence.Lease) error {
	x := *l
	x.ExpiresAt = c.now().Add(c.ttl())

	ok, err := c.Leases.RenewLease(ctx, x)
	if err != nil {
		return err
	}

	if !ok {
		return ErrLeaseLost
	}

	*l = x

	return nil
}

// Release releases l.
//
// It is not an error to release a lease that has already been released or
// taken over by another node.
func (c *Coordinator) Release(ctx context.Context, l persistence.Lease) error {
	return c.Leases.ReleaseLease(ctx, l)
}

// Heartbeat renews l every heartbeat interval until ctx is canceled.
//
// Each fn is called after every successful renewal, and is typically used to
// renew the entity lock held for the same unit of work. It returns a non-nil
// error if a renewal fails; ctx.Err() is returned once ctx is canceled.
func (c *Coordinator) Heartbeat(
	ctx context.Context,
	l *persistence.Lease,
	fn ...func(context.Context) error,
) error {
	for {
		if err := linger.Sleep(ctx, c.heartbeatInterval()); err != nil {
			return err
		}

		if err := c.Renew(ctx, l); err != nil {
			return err
		}

		for _, f := range fn {
			if err := f(ctx); err != nil {
				return err
			}
		}
	}
}

// Sweep removes all expired leases, making the continuations they protected
// visible for dispatch again.
//
// It returns the removed leases.
func (c *Coordinator) Sweep(ctx context.Context) ([]persistence.Lease, error) {
	expired, err := c.Leases.PurgeExpiredLeases(ctx, c.now())
	if err != nil {
		return nil, err
	}

	for _, l := range expired {
		mlog.LogSystem(
			c.Logger,
			c.NodeID,
			"reclaimed continuation %s (tenant %s) from node %s after its lease expired",
			mlog.FormatID(l.ContinuationID),
			l.TenantID,
			mlog.FormatID(l.NodeID),
		)
	}

	return expired, nil
}

// RunSweeper sweeps expired leases at the sweep interval until ctx is
// canceled.
func (c *Coordinator) RunSweeper(ctx context.Context) error {
	for {
		if _, err := c.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			mlog.LogSystem(
				c.Logger,
				c.NodeID,
				"unable to sweep expired leases: %s",
				err,
			)
		}

		if err := linger.Sleep(ctx, c.sweepInterval()); err != nil {
			return err
		}
	}
}

func (c *Coordinator) ttl() time.Duration {
	if c.LeaseTTL > 0 {
		return c.LeaseTTL
	}

	return DefaultLeaseTTL
}

func (c *Coordinator) heartbeatInterval() time.Duration {
	ttl := c.ttl()

	if c.HeartbeatInterval > 0 && c.HeartbeatInterval < ttl {
		return c.HeartbeatInterval
	}

	return ttl / 3
}

func (c *Coordinator) sweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}

	return c.ttl() / 2
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}

	return time.Now()
}
