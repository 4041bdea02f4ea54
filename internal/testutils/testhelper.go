package testutils

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/pkg/config"
	"github.com/srg/blemgr/pkg/stack"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Config returns the default configuration with the given adjustments applied.
func (h *TestHelper) Config(adjust ...func(*config.Config)) *config.Config {
	cfg := config.DefaultConfig()
	for _, fn := range adjust {
		fn(cfg)
	}
	if err := cfg.Validate(); err != nil {
		h.T.Fatalf("invalid test config: %v", err)
	}
	return cfg
}

// PublicAddr returns a public address ending in last.
func PublicAddr(last byte) stack.Address {
	return stack.Address{Type: stack.AddrPublic, Bytes: [6]byte{0x00, 0x1b, 0xdc, 0x00, 0x00, last}}
}

// ResolvableAddr returns a resolvable private address ending in last.
func ResolvableAddr(last byte) stack.Address {
	return stack.Address{Type: stack.AddrRandomPrivateResolvable, Bytes: [6]byte{0x4c, 0x11, 0x22, 0x33, 0x44, last}}
}

// StaticAddr returns a random static address ending in last.
func StaticAddr(last byte) stack.Address {
	return stack.Address{Type: stack.AddrRandomStatic, Bytes: [6]byte{0xc0, 0xde, 0x00, 0x00, 0x00, last}}
}

// IRK returns a recognisable identity resolving key.
func IRK(seed byte) stack.Key {
	var k stack.Key
	for i := range k {
		k[i] = seed + byte(i)
	}
	return k
}
