package sandbox

import (
	"context"
)

// ConcurrencyLimitDecorator bounds the number of in-flight runtime calls
// shared by every probe run in the process.
type ConcurrencyLimitDecorator struct {
	manager   Manager
	semaphore chan struct{}
}

func NewConcurrencyLimitDecorator(manager Manager, maxConcurrent int) Manager {
	return &ConcurrencyLimitDecorator{
		manager:   manager,
		semaphore: make(chan struct{}, maxConcurrent),
	}
}

func (d *ConcurrencyLimitDecorator) acquire(ctx context.Context) error {
	select {
	case d.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *ConcurrencyLimitDecorator) release() {
	<-d.semaphore
}

func (d *ConcurrencyLimitDecorator) PullImage(ctx context.Context, image string) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.release()
	return d.manager.PullImage(ctx, image)
}

func (d *ConcurrencyLimitDecorator) CreateSandbox(ctx context.Context, name string, spec Spec) (SandboxID, error) {
	if err := d.acquire(ctx); err != nil {
		return "", err
	}
	defer d.release()
	return d.manager.CreateSandbox(ctx, name, spec)
}

func (d *ConcurrencyLimitDecorator) StartSandbox(ctx context.Context, id SandboxID) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.release()
	return d.manager.StartSandbox(ctx, id)
}

// RemoveSandbox is not limited, so teardown never waits for a slot.
func (d *ConcurrencyLimitDecorator) RemoveSandbox(ctx context.Context, id SandboxID) error {
	return d.manager.RemoveSandbox(ctx, id)
}

func (d *ConcurrencyLimitDecorator) Exec(ctx context.Context, id SandboxID, req ExecRequest) ([]byte, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.release()
	return d.manager.Exec(ctx, id, req)
}
