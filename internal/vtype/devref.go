package vtype

// DeviceRefType validates a device name string by resolving it
// through an injected lookup capability, mirroring VObject's
// get_device callback. Labels, when non-nil, additionally restrict
// the set of acceptable names the way VObject does when constructed
// with an explicit label list.
type DeviceRefType struct {
	Labels  []string
	Resolve func(name string) (any, bool)
}

// NewDeviceRefType builds a DeviceRefType backed by resolve. labels
// may be nil to accept any name resolve recognises.
func NewDeviceRefType(resolve func(name string) (any, bool), labels ...string) *DeviceRefType {
	return &DeviceRefType{Labels: labels, Resolve: resolve}
}

// Schema implements VType.
func (d *DeviceRefType) Schema() map[string]any {
	s := map[string]any{"name": "deviceref", "version": "2"}
	if d.Labels != nil {
		s["labels"] = d.Labels
	}
	return s
}

// Equal implements VType.
func (d *DeviceRefType) Equal(other VType) bool {
	o, ok := other.(*DeviceRefType)
	if !ok || len(o.Labels) != len(d.Labels) {
		return false
	}
	for i, l := range d.Labels {
		if o.Labels[i] != l {
			return false
		}
	}
	return true
}

// Validate implements VType: value must be a device name string that
// both the label set (if any) and the resolver accept.
func (d *DeviceRefType) Validate(value any) (any, error) {
	name, ok := value.(string)
	if !ok {
		return nil, mismatch("deviceref", value)
	}
	if d.Labels != nil {
		found := false
		for _, l := range d.Labels {
			if l == name {
				found = true
				break
			}
		}
		if !found {
			return nil, mismatch("deviceref", value)
		}
	}
	if d.Resolve != nil {
		if _, ok := d.Resolve(name); !ok {
			return nil, mismatch("deviceref", value)
		}
	}
	return name, nil
}
