//go:build !linux

package iface

import "errors"

var errUnsupported = errors.New("raw packet injection not supported on this platform")

// RawInjector is unavailable on this platform.
type RawInjector struct{}

func NewRawInjector(string) (*RawInjector, error) {
	return nil, errUnsupported
}

func (r *RawInjector) Inject([]byte) error { return errUnsupported }

func (r *RawInjector) Close() error { return nil }
