package manager

import (
	"context"

	"github.com/nerrad567/instrumentd/internal/errs"
	"github.com/nerrad567/instrumentd/internal/location"
	"github.com/nerrad567/instrumentd/internal/rpc"
)

// Locate returns a proxy to the manager serving host:port. It fails with
// errs.ErrNotFound when the endpoint is unreachable or serves no manager.
func Locate(ctx context.Context, host string, port int, dialer rpc.Dialer) (*rpc.Proxy, error) {
	p := rpc.NewProxy(location.ManagerAt(host, port), dialer)
	if err := p.Ping(ctx); err != nil {
		_ = p.Close()
		return nil, errs.NotFoundf("no manager at %s: %v", p.Location(), err)
	}
	if _, err := p.Call(ctx, "Port"); err != nil {
		_ = p.Close()
		return nil, errs.NotFoundf("no manager at %s: %v", p.Location(), err)
	}
	return p, nil
}
