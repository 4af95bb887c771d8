package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
)

// countDown is a process interpreter that increments a counter stored in the
// continuation's entity.
//
// The payload is the number of steps remaining. Each step other than the last
// enqueues a follow-up continuation for the next step, so a single
// continuation drives the entity through a chain of transactions.
type countDown struct {
	Packer continuation.Packer
}

// Interpret executes a single step.
func (c *countDown) Interpret(
	ctx context.Context,
	tx persistence.ManagedTransaction,
	d continuation.Descriptor,
) ([]continuation.Descriptor, error) {
	steps, err := strconv.Atoi(string(d.Payload))
	if err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}

	e, err := tx.LoadEntity(ctx, d.Key())
	if err != nil {
		return nil, err
	}

	var n int
	if len(e.Data) != 0 {
		n, err = strconv.Atoi(string(e.Data))
		if err != nil {
			return nil, fmt.Errorf("malformed counter: %w", err)
		}
	}

	e.Data = []byte(strconv.Itoa(n + 1))
	tx.SaveEntity(e)

	if steps <= 1 {
		return nil, nil
	}

	return []continuation.Descriptor{
		c.Packer.Pack(
			d.Key(),
			[]byte(strconv.Itoa(steps-1)),
			d.MaxAttempts,
		),
	}, nil
}
