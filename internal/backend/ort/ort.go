//go:build cgo

package ort

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	onnx "github.com/yalue/onnxruntime_go"

	"github.com/samcharles93/tessera/internal/backend"
)

func init() {
	backend.Register(backend.ORT, func(opts backend.Options) (backend.Backend, error) {
		return New(opts), nil
	})
}

// Backend owns the process-wide ONNX Runtime environment.
type Backend struct {
	opts    backend.Options
	once    sync.Once
	initErr error
	owned   bool
}

// New returns a backend. The runtime environment is initialized on first use.
func New(opts backend.Options) *Backend {
	return &Backend{opts: opts}
}

func (b *Backend) Name() string { return backend.ORT }

func (b *Backend) init() error {
	b.once.Do(func() {
		if onnx.IsInitialized() {
			return
		}
		if b.opts.LibraryPath != "" {
			onnx.SetSharedLibraryPath(b.opts.LibraryPath)
		}
		if err := onnx.InitializeEnvironment(); err != nil {
			b.initErr = fmt.Errorf("initialize onnxruntime: %w", err)
			return
		}
		b.owned = true
	})
	return b.initErr
}

func (b *Backend) NewExecutor() (backend.Executor, error) {
	if err := b.init(); err != nil {
		return nil, err
	}
	return &Executor{threads: b.opts.Threads}, nil
}

// Close tears the environment down when this backend created it.
func (b *Backend) Close() error {
	if !b.owned {
		return nil
	}
	b.owned = false
	return onnx.DestroyEnvironment()
}

// Executor binds one graph per profile.
type Executor struct {
	threads  int
	profiles []*profile
}

type profile struct {
	session *onnx.AdvancedSession
	inputs  map[string]*backend.Tensor
	outputs map[string]*backend.Tensor
	values  []onnx.Value
}

// PrefillPath returns the prefill graph path paired with a decode graph.
func PrefillPath(decode string) string {
	return strings.TrimSuffix(decode, ".onnx") + "_prefill.onnx"
}

func (e *Executor) Load(ctx context.Context, src backend.WeightSource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(e.profiles) > 0 {
		return errors.New("ort: executor already loaded")
	}
	p, err := e.loadProfile(src.Path, src.Data)
	if err != nil {
		return err
	}
	e.profiles = append(e.profiles, p)

	if src.Path == "" {
		return nil
	}
	prefill := PrefillPath(src.Path)
	if _, err := os.Stat(prefill); err != nil {
		return nil
	}
	p, err = e.loadProfile(prefill, nil)
	if err != nil {
		_ = e.Release()
		return fmt.Errorf("prefill profile: %w", err)
	}
	e.profiles = append(e.profiles, p)
	return nil
}

func (e *Executor) loadProfile(path string, data []byte) (_ *profile, err error) {
	if path == "" {
		return nil, errors.New("ort: graph path required to read tensor metadata")
	}
	inInfo, outInfo, err := onnx.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("ort: inspect %s: %w", path, err)
	}

	p := &profile{
		inputs:  make(map[string]*backend.Tensor, len(inInfo)),
		outputs: make(map[string]*backend.Tensor, len(outInfo)),
	}
	defer func() {
		if err != nil {
			p.destroy()
		}
	}()

	inNames, inValues, err := p.bind(inInfo, p.inputs)
	if err != nil {
		return nil, fmt.Errorf("ort: %s inputs: %w", path, err)
	}
	outNames, outValues, err := p.bind(outInfo, p.outputs)
	if err != nil {
		return nil, fmt.Errorf("ort: %s outputs: %w", path, err)
	}

	opts, err := onnx.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("ort: session options: %w", err)
	}
	defer opts.Destroy()
	if e.threads > 0 {
		if err := opts.SetIntraOpNumThreads(e.threads); err != nil {
			return nil, fmt.Errorf("ort: set threads: %w", err)
		}
	}

	if data != nil {
		p.session, err = onnx.NewAdvancedSessionWithONNXData(data, inNames, outNames, inValues, outValues, opts)
	} else {
		p.session, err = onnx.NewAdvancedSession(path, inNames, outNames, inValues, outValues, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("ort: create session for %s: %w", path, err)
	}
	return p, nil
}

func (p *profile) bind(infos []onnx.InputOutputInfo, dst map[string]*backend.Tensor) ([]string, []onnx.Value, error) {
	names := make([]string, 0, len(infos))
	values := make([]onnx.Value, 0, len(infos))
	for _, info := range infos {
		dtype, err := fromONNX(info.DataType)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", info.Name, err)
		}
		shape := make([]int64, len(info.Dimensions))
		for i, d := range info.Dimensions {
			if d <= 0 {
				return nil, nil, fmt.Errorf("%s: dynamic dimension %d in %v", info.Name, i, info.Dimensions)
			}
			shape[i] = d
		}
		t := backend.NewTensor(info.Name, dtype, shape...)
		v, err := onnx.NewCustomDataTensor(onnx.NewShape(shape...), t.Data, info.DataType)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", info.Name, err)
		}
		p.values = append(p.values, v)
		dst[info.Name] = t
		names = append(names, info.Name)
		values = append(values, v)
	}
	return names, values, nil
}

func (p *profile) destroy() error {
	var errs []error
	if p.session != nil {
		errs = append(errs, p.session.Destroy())
		p.session = nil
	}
	for _, v := range p.values {
		errs = append(errs, v.Destroy())
	}
	p.values = nil
	return errors.Join(errs...)
}

func (e *Executor) Profiles() int { return len(e.profiles) }

func (e *Executor) Input(p backend.Profile, name string) (*backend.Tensor, error) {
	prof, err := e.profile(p)
	if err != nil {
		return nil, err
	}
	t, ok := prof.inputs[name]
	if !ok {
		return nil, fmt.Errorf("ort: %s profile has no input %q", p, name)
	}
	return t, nil
}

func (e *Executor) Output(p backend.Profile, name string) (*backend.Tensor, error) {
	prof, err := e.profile(p)
	if err != nil {
		return nil, err
	}
	t, ok := prof.outputs[name]
	if !ok {
		return nil, fmt.Errorf("ort: %s profile has no output %q", p, name)
	}
	return t, nil
}

func (e *Executor) profile(p backend.Profile) (*profile, error) {
	if int(p) < 0 || int(p) >= len(e.profiles) {
		return nil, fmt.Errorf("ort: %s profile not loaded", p)
	}
	return e.profiles[p], nil
}

func (e *Executor) Infer(ctx context.Context, p backend.Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prof, err := e.profile(p)
	if err != nil {
		return err
	}
	return prof.session.Run()
}

func (e *Executor) Release() error {
	var errs []error
	for _, p := range e.profiles {
		errs = append(errs, p.destroy())
	}
	e.profiles = nil
	return errors.Join(errs...)
}

func fromONNX(t onnx.TensorElementDataType) (backend.DType, error) {
	switch t {
	case onnx.TensorElementDataTypeBFloat16:
		return backend.BF16, nil
	case onnx.TensorElementDataTypeFloat16:
		return backend.F16, nil
	case onnx.TensorElementDataTypeFloat:
		return backend.F32, nil
	case onnx.TensorElementDataTypeUint8:
		return backend.U8, nil
	case onnx.TensorElementDataTypeInt32:
		return backend.I32, nil
	case onnx.TensorElementDataTypeUint32:
		return backend.U32, nil
	case onnx.TensorElementDataTypeInt64:
		return backend.I64, nil
	default:
		return backend.DTypeUnknown, fmt.Errorf("unsupported element type %v", t)
	}
}
