// Package ort runs compiled model units with ONNX Runtime.
//
// Each unit is one .onnx graph per profile: the decode graph at the configured
// path and, when present, a prefill graph next to it named <stem>_prefill.onnx.
// Every input and output is bound once to a fixed host buffer so the runtime
// can write inputs in place between calls.
//
// The backend needs cgo. Builds without cgo do not register it.
package ort
