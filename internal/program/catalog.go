package program

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("program not found")

// Repository stores programs by number. Catalog keeps them in memory; the
// storage package provides a PostgreSQL implementation.
type Repository interface {
	List(ctx context.Context) ([]*Program, error)
	Get(ctx context.Context, number int) (*Program, error)
	Save(ctx context.Context, p *Program) error
	Delete(ctx context.Context, number int) error
}

type Catalog struct {
	mu       sync.RWMutex
	programs map[int]*Program
}

func NewCatalog(programs ...*Program) *Catalog {
	c := &Catalog{programs: make(map[int]*Program)}
	for _, p := range programs {
		cp := *p
		c.programs[p.ProgramNumber] = &cp
	}
	return c
}

func (c *Catalog) List(ctx context.Context) ([]*Program, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Program, 0, len(c.programs))
	for _, p := range c.programs {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProgramNumber < out[j].ProgramNumber })
	return out, nil
}

func (c *Catalog) Get(ctx context.Context, number int) (*Program, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.programs[number]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, number)
	}
	cp := *p
	return &cp, nil
}

func (c *Catalog) Save(ctx context.Context, p *Program) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *p
	c.programs[p.ProgramNumber] = &cp
	return nil
}

func (c *Catalog) Delete(ctx context.Context, number int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.programs[number]; !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, number)
	}
	delete(c.programs, number)
	return nil
}
