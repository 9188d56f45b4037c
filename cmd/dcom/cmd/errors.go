package cmd

import (
	"errors"
	"fmt"

	"github.com/1ureka/dcom/internal/correlate"
	"github.com/1ureka/dcom/internal/dispatch"
	"github.com/1ureka/dcom/internal/engine"
)

// describeError turns a request failure into a one-line explanation.
func describeError(err error) string {
	var rst *correlate.RstError
	switch {
	case errors.As(err, &rst):
		return fmt.Sprintf("peer answered RST %s (0x%02x)", rst.Code, uint8(rst.Code))
	case errors.Is(err, correlate.ErrTimeout):
		return "no reply: all attempts timed out"
	case errors.Is(err, dispatch.ErrLink):
		return fmt.Sprintf("link failure: %v", err)
	case errors.Is(err, engine.ErrClosed):
		return "engine closed"
	default:
		return err.Error()
	}
}
