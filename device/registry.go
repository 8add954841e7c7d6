package device

import (
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Hint narrows device selection. Empty strings and KindAny match anything.
// ID is matched exactly unless it is negative, so the zero Hint selects
// device 0 of each backend; use AnyDevice to match every device.
type Hint struct {
	Backend string
	Name    string
	Kind    Kind
	ID      int // -1 matches any device ID
}

// AnyDevice matches the first available device of any backend
var AnyDevice = Hint{ID: -1}

// Matches reports whether info satisfies the hint
func (h Hint) Matches(info Info) bool {
	if h.Backend != "" && !strings.EqualFold(h.Backend, info.Backend) {
		return false
	}
	if h.Name != "" && !strings.Contains(strings.ToLower(info.Name), strings.ToLower(h.Name)) {
		return false
	}
	if h.Kind != KindAny && h.Kind != info.Kind {
		return false
	}
	if h.ID >= 0 && h.ID != info.ID {
		return false
	}
	return true
}

// Registry holds the backends available to a process in priority order
type Registry struct {
	backends []Backend
}

// NewRegistry creates a registry searching backends in the given order
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register appends a backend with the lowest priority
func (r *Registry) Register(b Backend) {
	if b == nil {
		return
	}
	r.backends = append(r.backends, b)
}

// Backends returns the registered backend names in priority order
func (r *Registry) Backends() []string {
	names := make([]string, len(r.backends))
	for i, b := range r.backends {
		names[i] = b.Name()
	}
	return names
}

// Enumerate lists every device of every backend. Backends that fail to
// enumerate are skipped; the order is stable for a process run.
func (r *Registry) Enumerate() []Info {
	var all []Info
	for _, b := range r.backends {
		devices, err := b.Devices()
		if err != nil {
			klog.V(1).Infof("backend %s: no devices: %v", b.Name(), err)
			continue
		}
		all = append(all, devices...)
	}
	return all
}

// Select returns the first device matching the hint together with its backend
func (r *Registry) Select(h Hint) (Backend, Info, error) {
	for _, b := range r.backends {
		if h.Backend != "" && !strings.EqualFold(h.Backend, b.Name()) {
			continue
		}
		devices, err := b.Devices()
		if err != nil {
			klog.V(1).Infof("backend %s: no devices: %v", b.Name(), err)
			continue
		}
		for _, info := range devices {
			if h.Matches(info) {
				return b, info, nil
			}
		}
	}
	return nil, Info{}, errors.Wrapf(ErrDeviceUnavailable,
		"no device matches backend=%q name=%q kind=%s among backends %v",
		h.Backend, h.Name, h.Kind, r.Backends())
}

// Open selects a device and establishes an execution context on it
func (r *Registry) Open(h Hint) (Context, error) {
	b, info, err := r.Select(h)
	if err != nil {
		return nil, err
	}
	ctx, err := b.Open(info)
	if err != nil {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "failed to open %s: %v", info, err)
	}
	klog.V(1).Infof("opened device %s", info)
	return ctx, nil
}
