package do

import "fmt"

// Property identifies a per-download setting.
type Property int

const (
	PropID Property = iota
	PropURI
	PropLocalPath
	PropCallerName
	PropIntegrityCheckMandatory
	PropIntegrityCheckInfo
	PropCorrelationVector
	PropHTTPCustomHeaders
	PropCallbackInterface
	PropUseForegroundPriority
	PropNoProgressTimeoutSeconds

	propCount
)

type propertyInfo struct {
	name     string
	kind     Kind
	readOnly bool
	live     bool // may change while the download is transferring
}

var properties = [propCount]propertyInfo{
	PropID:                       {name: "id", kind: KindString, readOnly: true},
	PropURI:                      {name: "uri", kind: KindString},
	PropLocalPath:                {name: "local_path", kind: KindString},
	PropCallerName:               {name: "caller_name", kind: KindString},
	PropIntegrityCheckMandatory:  {name: "integrity_check_mandatory", kind: KindBool},
	PropIntegrityCheckInfo:       {name: "integrity_check_info", kind: KindString},
	PropCorrelationVector:        {name: "correlation_vector", kind: KindString},
	PropHTTPCustomHeaders:        {name: "http_custom_headers", kind: KindString},
	PropCallbackInterface:        {name: "callback_interface", kind: KindCallback, live: true},
	PropUseForegroundPriority:    {name: "use_foreground_priority", kind: KindBool, live: true},
	PropNoProgressTimeoutSeconds: {name: "no_progress_timeout_seconds", kind: KindUint},
}

// Valid reports whether p is a property this SDK knows about. A service may
// still reject a valid property with ErrUnknownPropertyID.
func (p Property) Valid() bool {
	return p >= 0 && p < propCount
}

func (p Property) String() string {
	if !p.Valid() {
		return fmt.Sprintf("property(%d)", int(p))
	}

	return properties[p].name
}

// Kind is the value kind the property accepts.
func (p Property) Kind() Kind {
	if !p.Valid() {
		return KindInvalid
	}

	return properties[p].kind
}

// ReadOnly reports whether the property can only be read.
func (p Property) ReadOnly() bool {
	return p.Valid() && properties[p].readOnly
}

// Live reports whether the property may be changed while transferring.
func (p Property) Live() bool {
	return p.Valid() && properties[p].live
}

// ParseProperty maps a wire name such as "caller_name" back to its Property.
func ParseProperty(name string) (Property, error) {
	for i := range properties {
		if properties[i].name == name {
			return Property(i), nil
		}
	}

	return 0, Errorf("parse_property", ErrUnknownPropertyID, "unknown property %q", name)
}

// Properties lists every property known to the SDK.
func Properties() []Property {
	out := make([]Property, 0, propCount)
	for p := Property(0); p < propCount; p++ {
		out = append(out, p)
	}

	return out
}

// ValidateProperty checks that v can be assigned to p. It is the single
// validation routine behind both SetProperty and SetPropertyCode.
func ValidateProperty(p Property, v PropertyValue) error {
	if !p.Valid() {
		return Errorf("set_property", ErrUnknownPropertyID, "unknown property id %d", int(p))
	}

	if p.ReadOnly() {
		return Errorf("set_property", ErrInvalidArg, "property %s is read-only", p)
	}

	if v.Kind() != p.Kind() {
		return Errorf("set_property", ErrInvalidArg, "property %s expects %s, got %s", p, p.Kind(), v.Kind())
	}

	return nil
}
