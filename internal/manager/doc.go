// Package manager owns the managed objects of one endpoint.
//
// A Manager holds the resource registry and an rpc.Server bound to its
// host:port. It constructs objects from classes, applies their configuration,
// and drives the lifecycle of each one:
//
//	add ──► STOPPED ──start──► RUNNING ──stop──► STOPPED ──remove──► gone
//
// Start runs the pre-start hook and then the Main hook in a dedicated control
// loop. Stop aborts the loop, joins it, and runs the stop hook. Shutdown stops
// every resource in reverse creation order and then the server.
//
// Every manager registers itself at /Manager/manager on its own endpoint, so
// remote consoles can list and resolve resources and Locate can find it.
//
// # Usage
//
//	m, err := manager.New(ctx, cfg, manager.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	m.Catalog().Register(sim.Class)
//	if _, err := m.AddLocation(ctx, location.MustParse("/Sim/sim0"), nil, true); err != nil {
//	    return err
//	}
//	return m.Wait(ctx)
package manager
