package internal

import (
	"fmt"
	"io"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// CloseWithErrLogf closes the given closer and logs when the close fails,
// for use in defers where the close error cannot be returned.
func CloseWithErrLogf(logger log.Logger, closer io.Closer, format string, a ...interface{}) {
	if err := closer.Close(); err != nil {
		level.Warn(logger).Log("msg", fmt.Sprintf(format, a...), "err", err)
	}
}
