// Package object defines managed objects: the lifecycle contract, the per-type
// method descriptor table, and the per-instance concurrency primitives.
//
// A managed object is a struct that embeds Base and is registered once with
// Define:
//
//	type Sim struct {
//	    object.Base
//	    count int
//	}
//
//	var SimClass = object.MustDefine[Sim]("Sim",
//	    object.Exclusive("Reset"),
//	    object.Events("tick"),
//	    object.Defaults(map[string]any{"interval": time.Second}),
//	)
//
// Define inspects the type once and classifies every exported method as
// plain, exclusive (run inside the instance Monitor) or event (fires a
// dispatcher). Calls never introspect the type again.
//
// # Thread Safety
//
// Config is guarded by a read-write lock, exclusive methods are serialized by
// the re-entrant Monitor, and Event handler tables are guarded internally.
// Other fields of user types are the object's own responsibility.
package object
