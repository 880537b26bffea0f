package tpm2

import (
	"io"
	"log/slog"
	"os"

	"github.com/google/go-tpm-tools/simulator"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/jeremyhahn/go-tpm-utility/pkg/logging"
)

// OpenTransport opens the TPM described by config: the in-process
// simulator when UseSimulator is set, otherwise the character device.
// The returned closer releases the underlying device or simulator.
func OpenTransport(logger *logging.Logger, config *Config) (transport.TPM, io.Closer, error) {

	config.applyDefaults()

	if config.UseSimulator {
		logger.Info(infoOpeningSimulator)
		sim, err := simulator.GetWithFixedSeedInsecure(config.SimulatorSeed)
		if err != nil {
			logger.Error(err)
			return nil, nil, err
		}
		return transport.FromReadWriter(sim), sim, nil
	}

	logger.Info(infoOpeningDevice, slog.String("device", config.Device))
	f, err := os.OpenFile(config.Device, os.O_RDWR, 0)
	if err != nil {
		logger.Error(err)
		return nil, nil, ErrOpeningDevice
	}
	return transport.FromReadWriter(f), f, nil
}
