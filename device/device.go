// Package device runs the local CSR multiply as an OCCA kernel. Kernel
// implements sparse.LocalKernel, so a matrix built with
// sparse.WithKernel(device.NewKernel(dev)) multiplies on the device while the
// exchange of remote entries still happens on the host.
package device

import (
	"fmt"

	"github.com/notargets/gocca"
	"go.uber.org/zap"
)

// backends are tried in order when no mode is requested.
var backends = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

// Open creates an OCCA device. An empty mode picks the first backend that
// initialises, preferring parallel ones; otherwise mode is an OCCA mode name
// such as "Serial", "OpenMP" or "CUDA".
func Open(mode string, logger *zap.Logger) (*gocca.OCCADevice, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	candidates := backends
	if mode != "" {
		props := fmt.Sprintf(`{"mode": %q}`, mode)
		if mode == "CUDA" {
			props = `{"mode": "CUDA", "device_id": 0}`
		}
		candidates = []string{props}
	}

	var lastErr error
	for _, props := range candidates {
		dev, err := gocca.NewDevice(props)
		if err == nil {
			logger.Info("created OCCA device", zap.String("mode", dev.Mode()))
			return dev, nil
		}
		lastErr = err
		logger.Debug("OCCA backend unavailable", zap.String("props", props), zap.Error(err))
	}
	return nil, fmt.Errorf("no OCCA device available: %w", lastErr)
}
