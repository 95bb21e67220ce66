// Package backend defines the contract between the runtime and the tensor
// executors that run one compiled model unit (a decoder layer, the post
// processor or a vision stage).
package backend

import (
	"context"
	"fmt"
	"strings"
)

const (
	ORT  = "ort"
	Toy  = "toy"
	Auto = "auto"
)

// Profile selects one of the shape variants an executor was compiled with.
type Profile int

const (
	// ProfileDecode processes a single position.
	ProfileDecode Profile = 0
	// ProfilePrefill processes a block of prompt positions at once.
	ProfilePrefill Profile = 1
)

func (p Profile) String() string {
	switch p {
	case ProfileDecode:
		return "decode"
	case ProfilePrefill:
		return "prefill"
	default:
		return fmt.Sprintf("profile(%d)", int(p))
	}
}

// WeightSource points an executor at its compiled weights. Data, when set, is an
// already loaded copy of the file at Path and takes precedence.
type WeightSource struct {
	Path string
	Data []byte
}

// Executor runs one compiled unit. Input and output tensors are fixed buffers
// owned by the executor; callers write inputs in place, call Infer, then read outputs.
//
// Handles returned by Input and Output stay valid until Release.
type Executor interface {
	Load(ctx context.Context, src WeightSource) error
	// Profiles reports how many profiles were loaded. Profile 0 always exists.
	Profiles() int
	Input(p Profile, name string) (*Tensor, error)
	Output(p Profile, name string) (*Tensor, error)
	Infer(ctx context.Context, p Profile) error
	Release() error
}

// Syncer is implemented by executors whose tensor buffers are not coherent with
// host memory. FlushInputs is called after inputs are written and
// InvalidateOutputs before outputs are read.
type Syncer interface {
	FlushInputs(p Profile) error
	InvalidateOutputs(p Profile) error
}

// Backend creates executors and owns any process-wide runtime state.
type Backend interface {
	Name() string
	NewExecutor() (Executor, error)
	Close() error
}

// Options configures a Backend.
type Options struct {
	// LibraryPath is the shared runtime library for native backends.
	LibraryPath string
	// Threads limits intra-op parallelism. Zero leaves the runtime default.
	Threads int
}

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case ORT, Toy, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, ort, or toy)", backend)
	}
}

// Register makes a backend constructor available to New. It is called from init
// functions of backend packages.
func Register(name string, ctor func(Options) (Backend, error)) {
	registry[name] = ctor
}

var registry = map[string]func(Options) (Backend, error){}

// New returns the named backend. Auto prefers ort when it is compiled in.
func New(name string, opts Options) (Backend, error) {
	name, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	if name == Auto {
		name = Toy
		if Has(ORT) {
			name = ORT
		}
	}
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("backend %q is not available in this build (have %s)", name, Available())
	}
	return ctor(opts)
}

// Has reports whether a backend was registered.
func Has(name string) bool {
	_, ok := registry[name]
	return ok
}
