package do

import "fmt"

// Kind tags the payload held by a PropertyValue.
type Kind int

const (
	KindInvalid Kind = iota
	KindBool
	KindString
	KindUint
	KindCallback
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindUint:
		return "uint"
	case KindCallback:
		return "callback"
	default:
		return "invalid"
	}
}

// StatusCallback observes a download. It runs on a goroutine owned by the SDK,
// never concurrently with itself for the same Download, and may call back into
// d (Pause, Status, even SetProperty to replace itself).
type StatusCallback func(d *Download, s Status)

// PropertyValue is a closed sum over the payload kinds a property can take.
// The zero value is KindInvalid and is rejected by every property.
type PropertyValue struct {
	kind Kind
	b    bool
	s    string
	u    uint32
	cb   StatusCallback
}

func BoolValue(v bool) PropertyValue {
	return PropertyValue{kind: KindBool, b: v}
}

func StringValue(v string) PropertyValue {
	return PropertyValue{kind: KindString, s: v}
}

func UintValue(v uint32) PropertyValue {
	return PropertyValue{kind: KindUint, u: v}
}

// CallbackValue wraps fn. A nil fn unregisters the current callback.
func CallbackValue(fn StatusCallback) PropertyValue {
	return PropertyValue{kind: KindCallback, cb: fn}
}

func (v PropertyValue) Kind() Kind {
	return v.kind
}

func (v PropertyValue) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, v.mismatch(KindBool)
	}

	return v.b, nil
}

func (v PropertyValue) AsString() (string, error) {
	if v.kind != KindString {
		return "", v.mismatch(KindString)
	}

	return v.s, nil
}

func (v PropertyValue) AsUint() (uint32, error) {
	if v.kind != KindUint {
		return 0, v.mismatch(KindUint)
	}

	return v.u, nil
}

func (v PropertyValue) AsCallback() (StatusCallback, error) {
	if v.kind != KindCallback {
		return nil, v.mismatch(KindCallback)
	}

	return v.cb, nil
}

func (v PropertyValue) GoString() string {
	switch v.kind {
	case KindBool:
		return fmt.Sprintf("do.BoolValue(%t)", v.b)
	case KindString:
		return fmt.Sprintf("do.StringValue(%q)", v.s)
	case KindUint:
		return fmt.Sprintf("do.UintValue(%d)", v.u)
	case KindCallback:
		return "do.CallbackValue(...)"
	default:
		return "do.PropertyValue{}"
	}
}

func (v PropertyValue) mismatch(want Kind) error {
	return Errorf("property_value", ErrInvalidArg, "value holds %s, not %s", v.kind, want)
}
