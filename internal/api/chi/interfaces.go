package chi

import (
	"context"

	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/nkkko/chatwatch/internal/engine"
	"github.com/nkkko/chatwatch/internal/lifecycle"
)

// Engine is the part of engine.Engine the API drives
type Engine interface {
	Ensure(ctx context.Context, owner domain.OwnerKey, specs []domain.ResourceSpec) error
	Renew(ctx context.Context, owner domain.OwnerKey) error
	Teardown(ctx context.Context, owner domain.OwnerKey) error
	Status() engine.Status
	Owner(owner domain.OwnerKey) (lifecycle.OwnerStatus, bool)
}

var _ Engine = (*engine.Engine)(nil)
