// Package location provides the structured addresses of managed objects.
//
// A Location names one object as host:port/Class/name, optionally carrying
// configuration in query form:
//
//	127.0.0.1:7666/Sim/sim0?interval=2s
//	/Sim/sim0
//	/Sim/0          (index form: the first Sim created)
//
// Identity is (host, port, class, name); configuration never takes part in
// equality. Locations are immutable values and safe to share between
// goroutines.
package location
