package location

import (
	"fmt"
	"maps"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Key is the comparable identity of a Location. It is usable as a map key.
type Key struct {
	Host  string
	Port  int
	Class string
	Name  string
}

// Location is the address of one managed object.
type Location struct {
	host   string
	port   int
	class  string
	name   string
	config map[string]any
}

// New builds a host-less location from explicit fields.
// The config map is copied.
func New(class, name string, config map[string]any) (Location, error) {
	if err := ValidateSegment("class", class); err != nil {
		return Location{}, err
	}
	if err := ValidateSegment("name", name); err != nil {
		return Location{}, err
	}
	return Location{class: class, name: name, config: copyConfig(config)}, nil
}

// Parse reads the text form [scheme://][host:port]/Class/name[?k=v&...].
func Parse(s string) (Location, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Location{}, fmt.Errorf("%w: empty", ErrInvalidLocation)
	}

	if i := strings.Index(raw, "://"); i >= 0 {
		raw = raw[i+3:]
	}

	var query string
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw, query = raw[:i], raw[i+1:]
	}

	var loc Location
	if !strings.HasPrefix(raw, "/") {
		slash := strings.IndexByte(raw, '/')
		if slash < 0 {
			return Location{}, fmt.Errorf("%w: %q has no /Class/name path", ErrInvalidLocation, s)
		}
		host, port, err := splitHostPort(raw[:slash])
		if err != nil {
			return Location{}, fmt.Errorf("%w: %q: %v", ErrInvalidLocation, s, err)
		}
		loc.host, loc.port = host, port
		raw = raw[slash:]
	}

	parts := strings.Split(strings.TrimPrefix(raw, "/"), "/")
	if len(parts) != 2 {
		return Location{}, fmt.Errorf("%w: %q must have exactly /Class/name", ErrInvalidLocation, s)
	}
	if err := ValidateSegment("class", parts[0]); err != nil {
		return Location{}, err
	}
	if err := ValidateSegment("name", parts[1]); err != nil {
		return Location{}, err
	}
	loc.class, loc.name = parts[0], parts[1]

	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return Location{}, fmt.Errorf("%w: %q: bad config: %v", ErrInvalidLocation, s, err)
		}
		loc.config = make(map[string]any, len(values))
		for k, v := range values {
			if len(v) == 1 {
				loc.config[k] = v[0]
			} else {
				loc.config[k] = v
			}
		}
	}

	return loc, nil
}

// MustParse is Parse that panics, for static locations.
func MustParse(s string) Location {
	loc, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return loc
}

func splitHostPort(hp string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hp)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("bad port %q", portStr)
	}
	return host, port, nil
}

// Host returns the host part, empty when unresolved.
func (l Location) Host() string { return l.host }

// Port returns the port part, zero when unresolved.
func (l Location) Port() int { return l.port }

// Class returns the class name.
func (l Location) Class() string { return l.class }

// Name returns the instance name.
func (l Location) Name() string { return l.name }

// Config returns a copy of the configuration carried by the location.
func (l Location) Config() map[string]any { return copyConfig(l.config) }

// Get returns one configuration value.
func (l Location) Get(key string) (any, bool) {
	v, ok := l.config[key]
	return v, ok
}

// Key returns the identity of the location.
func (l Location) Key() Key {
	return Key{Host: l.host, Port: l.port, Class: l.class, Name: l.name}
}

// Equal compares identities, ignoring configuration.
func (l Location) Equal(other Location) bool { return l.Key() == other.Key() }

// IsZero reports whether l is the zero Location.
func (l Location) IsZero() bool { return l.class == "" && l.name == "" }

// HasHost reports whether host or port is set.
func (l Location) HasHost() bool { return l.host != "" || l.port != 0 }

// Resolve fills a missing host and port. Parts already set are kept.
func (l Location) Resolve(host string, port int) Location {
	out := l
	if out.host == "" {
		out.host = host
	}
	if out.port == 0 {
		out.port = port
	}
	return out
}

// WithoutHost strips host and port.
func (l Location) WithoutHost() Location {
	out := l
	out.host, out.port = "", 0
	return out
}

// WithName returns a copy with another instance name.
func (l Location) WithName(name string) Location {
	out := l
	out.name = name
	return out
}

// WithConfig returns a copy carrying config instead of the current configuration.
func (l Location) WithConfig(config map[string]any) Location {
	out := l
	out.config = copyConfig(config)
	return out
}

// Index reports the numeric value of an index-form name such as /Class/1.
func (l Location) Index() (int, bool) {
	if l.name == "" {
		return 0, false
	}
	for i := 0; i < len(l.name); i++ {
		if l.name[i] < '0' || l.name[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(l.name)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Path returns the host-less /Class/name form.
func (l Location) Path() string {
	return "/" + l.class + "/" + l.name
}

// String returns the canonical form host:port/Class/name, without configuration.
func (l Location) String() string {
	if !l.HasHost() {
		return l.Path()
	}
	return net.JoinHostPort(l.host, strconv.Itoa(l.port)) + l.Path()
}

// URI returns the canonical form followed by the configuration as a sorted query.
func (l Location) URI() string {
	s := l.String()
	if len(l.config) == 0 {
		return s
	}
	keys := make([]string, 0, len(l.config))
	for k := range l.config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		switch v := l.config[k].(type) {
		case []string:
			for j, item := range v {
				if j > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k) + "=" + url.QueryEscape(item))
			}
		default:
			b.WriteString(url.QueryEscape(k) + "=" + url.QueryEscape(fmt.Sprint(v)))
		}
	}
	return s + "?" + b.String()
}

// MarshalText encodes the location in URI form.
func (l Location) MarshalText() ([]byte, error) {
	if l.IsZero() {
		return []byte{}, nil
	}
	return []byte(l.URI()), nil
}

// UnmarshalText parses the URI form.
func (l *Location) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*l = Location{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

func copyConfig(config map[string]any) map[string]any {
	if len(config) == 0 {
		return nil
	}
	return maps.Clone(config)
}

// Identity of the manager every endpoint registers for itself.
const (
	ManagerClass = "Manager"
	ManagerName  = "manager"
)

// ManagerAt returns the location of the manager serving host:port.
func ManagerAt(host string, port int) Location {
	return Location{host: host, port: port, class: ManagerClass, name: ManagerName}
}
