package app

import (
	"context"

	"github.com/1ureka/rtcmsg/internal/config"
	"github.com/1ureka/rtcmsg/internal/engine"
	"github.com/1ureka/rtcmsg/internal/transport"
	"github.com/1ureka/rtcmsg/internal/util"
)

// RunClient connects to a host's association server and runs one sender
// batch against its echo peer.
func RunClient(ctx context.Context, url string, cfg config.Config, opts RunOptions) (Result, error) {
	assoc, err := transport.Dial(ctx, url, cfg.MaxMessageSize)
	if err != nil {
		return Result{}, err
	}
	defer assoc.Close()
	util.LogDebug("connected to %s", url)

	cfg.Role = config.RoleClient
	e, err := engine.New(assoc, cfg)
	if err != nil {
		return Result{}, err
	}
	defer e.Close()

	return Exercise(ctx, e, opts)
}
