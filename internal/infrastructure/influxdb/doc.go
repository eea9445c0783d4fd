// Package influxdb writes call telemetry to InfluxDB.
//
// A Client wraps the influxdb-client-go v2 non-blocking write API. It
// implements rpc.Recorder, so a server reports every dispatched call as an
// rpc_calls point:
//
//	rpc_calls,class=Sim,location=/Sim/sim0,method=Reset,outcome=ok duration_ms=0.42
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	m, err := manager.New(ctx, cfg, manager.WithRecorder(client))
//
// Writes are batched per batch_size and flush_interval. Write failures arrive
// asynchronously on the SetOnError callback.
package influxdb
