package toy

import (
	"github.com/samcharles93/tessera/internal/backend"
)

func init() {
	backend.Register(backend.Toy, func(backend.Options) (backend.Backend, error) {
		return New(), nil
	})
}

// Backend creates toy executors.
type Backend struct{}

// New returns a toy backend.
func New() *Backend { return &Backend{} }

func (*Backend) Name() string { return backend.Toy }

func (*Backend) NewExecutor() (backend.Executor, error) { return &Executor{}, nil }

func (*Backend) Close() error { return nil }
