package continuation

import (
	"time"

	"github.com/google/uuid"
)

// Packer builds new continuation descriptors.
type Packer struct {
	// GenerateID is a function used to generate new continuation IDs. If it is
	// nil, a UUID is generated.
	GenerateID func() string

	// Now is a function that returns the current time. If it is nil,
	// time.Now() is used.
	Now func() time.Time
}

// Pack returns a descriptor for a new continuation that mutates the entity
// identified by k and is ready for immediate dispatch.
//
// A non-positive maxAttempts is replaced with the queue's default budget when
// the continuation is enqueued.
func (p *Packer) Pack(k EntityKey, payload []byte, maxAttempts int) Descriptor {
	now := p.now()
	return p.pack(k, payload, maxAttempts, now, now)
}

// PackAt returns a descriptor for a new continuation that is not dispatched
// before t.
func (p *Packer) PackAt(k EntityKey, payload []byte, maxAttempts int, t time.Time) Descriptor {
	return p.pack(k, payload, maxAttempts, p.now(), t)
}

func (p *Packer) pack(
	k EntityKey,
	payload []byte,
	maxAttempts int,
	now, at time.Time,
) Descriptor {
	return Descriptor{
		ID:          p.generateID(),
		TenantID:    k.TenantID,
		EntityType:  k.EntityType,
		EntityID:    k.EntityID,
		Payload:     payload,
		CreatedAt:   now,
		ScheduledAt: at,
		MaxAttempts: maxAttempts,
	}
}

// generateID generates a new continuation ID.
func (p *Packer) generateID() string {
	if p.GenerateID != nil {
		return p.GenerateID()
	}

	return uuid.NewString()
}

// now returns the current time.
func (p *Packer) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}

	return time.Now()
}
