package object

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/instrumentd/internal/errs"
)

// Catalog resolves class names to classes. It is the class loader used when
// objects are added by location text.
type Catalog struct {
	mu      sync.RWMutex
	classes map[string]*Class
}

// NewCatalog returns a catalog holding classes.
func NewCatalog(classes ...*Class) *Catalog {
	c := &Catalog{classes: make(map[string]*Class)}
	for _, cls := range classes {
		c.Register(cls)
	}
	return c
}

// Register adds cls under its name. Qualified names such as
// "instruments.Sim" may be registered with RegisterAs.
func (c *Catalog) Register(cls *Class) {
	c.RegisterAs(cls.Name(), cls)
}

// RegisterAs adds cls under name.
func (c *Catalog) RegisterAs(name string, cls *Class) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.classes[name] = cls
}

// Load resolves name, trying it verbatim and then prefixed by each search
// path entry ("<path>.<name>").
func (c *Catalog) Load(name string, path []string) (*Class, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if cls, ok := c.classes[name]; ok {
		return cls, nil
	}
	for _, p := range path {
		if cls, ok := c.classes[p+"."+name]; ok {
			return cls, nil
		}
	}
	return nil, fmt.Errorf("%w: class %q (search path %v)", errs.ErrNotFound, name, path)
}

// Names lists the registered names.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.classes))
	for name := range c.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
