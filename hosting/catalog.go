package hosting

import (
	"context"

	"github.com/google/uuid"

	"github.com/warp/hosting-engine/generic"
)

// Catalog manages hosting plans.
type Catalog struct {
	repo  PlanRepository
	clock generic.Clock
}

func NewCatalog(repo PlanRepository, clock generic.Clock) *Catalog {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	return &Catalog{repo: repo, clock: clock}
}

func (c *Catalog) Create(ctx context.Context, p Plan) (Plan, error) {
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := c.clock.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	if err := c.repo.CreatePlan(ctx, p); err != nil {
		return Plan{}, err
	}
	return p, nil
}

func (c *Catalog) Update(ctx context.Context, p Plan) (Plan, error) {
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	existing, err := c.repo.GetPlan(ctx, p.ID)
	if err != nil {
		return Plan{}, err
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = c.clock.Now()
	if err := c.repo.UpdatePlan(ctx, p); err != nil {
		return Plan{}, err
	}
	return p, nil
}

func (c *Catalog) Delete(ctx context.Context, id string) error {
	return c.repo.DeletePlan(ctx, id)
}

func (c *Catalog) Get(ctx context.Context, id string) (Plan, error) {
	return c.repo.GetPlan(ctx, id)
}

// List returns all plans, or only public ones for customers.
func (c *Catalog) List(ctx context.Context, publicOnly bool) ([]Plan, error) {
	return c.repo.ListPlans(ctx, publicOnly)
}
