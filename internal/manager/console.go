package manager

import (
	"github.com/nerrad567/instrumentd/internal/location"
	"github.com/nerrad567/instrumentd/internal/object"
)

// console is the remotely callable face of a Manager, registered at
// /Manager/manager.
type console struct {
	object.Base
	m *Manager
}

var consoleClass = object.MustDefine[console](location.ManagerClass)

// GetResources lists every registered location in creation order.
func (c *console) GetResources() []string {
	all := c.m.registry.All()
	out := make([]string, 0, len(all))
	for _, res := range all {
		out = append(out, res.Location.String())
	}
	return out
}

// GetResourcesByClass lists the locations of class cls, subclasses included.
func (c *console) GetResourcesByClass(cls string) []string {
	matches := c.m.registry.GetByClass(cls, true)
	out := make([]string, 0, len(matches))
	for _, res := range matches {
		out = append(out, res.Location.String())
	}
	return out
}

// Resolve maps a path, index form included, to the registered location.
func (c *console) Resolve(path string) (location.Location, error) {
	loc, err := location.Parse(path)
	if err != nil {
		return location.Location{}, err
	}
	resolved, err := c.m.registry.Resolve(loc)
	if err != nil {
		return location.Location{}, err
	}
	return c.m.resolve(resolved), nil
}

func (c *console) Hostname() string { return c.m.Hostname() }

func (c *console) Port() int { return c.m.Port() }

// Snapshot describes every resource.
func (c *console) Snapshot() []Status { return c.m.Snapshot() }

// StartResource starts the resource at path.
func (c *console) StartResource(path string) error {
	loc, err := location.Parse(path)
	if err != nil {
		return err
	}
	return c.m.Start(c.m.ctx, loc)
}

// StopResource stops the resource at path.
func (c *console) StopResource(path string) error {
	loc, err := location.Parse(path)
	if err != nil {
		return err
	}
	return c.m.Stop(c.m.ctx, loc)
}

// Shutdown shuts the manager down after the reply has been sent.
func (c *console) Shutdown() {
	go func() { _ = c.m.Shutdown(c.m.ctx) }()
}
