package pipeline

import (
	"os"
	"strconv"
	"strings"

	"github.com/dan-strohschein/clusterbatch/logging"
)

// BufferConfig holds the socket buffer sizes applied to pipelined
// connections. A zero size leaves the system default in place.
type BufferConfig struct {
	Send int
	Recv int
}

// ProbeBufferSizes determines the socket buffer sizes once. Where the kernel
// limits can be read, a desired size above the limit is dropped rather than
// silently truncated.
func ProbeBufferSizes(logger logging.Logger) BufferConfig {
	logger = logging.OrNoop(logger)
	return BufferConfig{
		Send: probeLimit(logger, sendLimitPath, pipeWriteBufferSize),
		Recv: probeLimit(logger, recvLimitPath, pipeReadBufferSize),
	}
}

func probeLimit(logger logging.Logger, path string, size int) int {
	if path == "" {
		return size
	}

	limit, err := readInteger(path)
	if err != nil {
		logger.Warn("failed to read socket buffer limit",
			logging.String("path", path),
			logging.Int("desired", size),
			logging.Error("error", err),
		)
		return size
	}
	if limit < size {
		logger.Debug("socket buffer limit below pipeline size",
			logging.String("path", path),
			logging.Int("limit", limit),
			logging.Int("desired", size),
		)
		return 0
	}
	return size
}

func readInteger(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}
