package coordinator

import (
	"context"

	"github.com/focux/alchemy-sub001/transport"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Config struct {
	Context context.Context
	Logger  *zap.Logger
	// Token is the bearer credential both peers present when connecting.
	Token string
	// Debug logs every public request.
	Debug bool
	// MaxBodySize caps public request bodies; larger requests get 413.
	// Zero means transport.MaxBodySize.
	MaxBodySize int64
}

func (c *Config) validate() error {
	if c.Context == nil {
		return errors.New("nil context is invalid")
	}
	if c.Logger == nil {
		return errors.New("nil logger is invalid")
	}
	if c.Token == "" {
		return errors.New("empty token is invalid")
	}
	if c.MaxBodySize < 0 {
		return errors.New("negative body size is invalid")
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = transport.MaxBodySize
	}
	return nil
}
