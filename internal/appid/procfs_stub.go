//go:build !linux

package appid

import (
	"errors"

	"multitun/internal/engine"
)

var errUnsupported = errors.New("flow attribution not supported on this platform")

func queryFlowPID(engine.FlowKey) (int, error) {
	return 0, errUnsupported
}

func queryProcessPath(int) (string, error) {
	return "", errUnsupported
}
