package service

import (
	"errors"
	"fmt"

	"github.com/dshills/pyringe/internal/engine"
	"github.com/dshills/pyringe/internal/wire"
)

var (
	errChainTooLong = errors.New("chain exceeds step limit")
	errNoInterp     = errors.New("interpreter state not found, load a symbol file")
)

func positionUnavailable(format string, args ...any) *wire.Fault {
	return &wire.Fault{Kind: wire.FaultPositionUnavailable, Message: fmt.Sprintf(format, args...)}
}

func rpcFault(format string, args ...any) *wire.Fault {
	return &wire.Fault{Kind: wire.FaultRPC, Message: fmt.Sprintf(format, args...)}
}

func configurationFault(format string, args ...any) *wire.Fault {
	return &wire.Fault{Kind: wire.FaultConfiguration, Message: fmt.Sprintf(format, args...)}
}

func proxyFault(format string, args ...any) *wire.Fault {
	return &wire.Fault{Kind: wire.FaultProxy, Message: fmt.Sprintf(format, args...)}
}

// toFault maps any handler error onto the wire taxonomy.
func toFault(err error) *wire.Fault {
	var f *wire.Fault
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, engine.ErrEngineDead) {
		return &wire.Fault{Kind: wire.FaultEngine, Message: err.Error()}
	}
	if errors.Is(err, engine.ErrNotAttached) {
		return &wire.Fault{Kind: wire.FaultPositionUnavailable, Message: err.Error()}
	}
	return &wire.Fault{Kind: wire.FaultProxy, Message: err.Error()}
}
