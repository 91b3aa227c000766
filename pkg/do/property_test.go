package do

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProperty(t *testing.T) {
	for _, p := range Properties() {
		got, err := ParseProperty(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := ParseProperty("blah")
	assert.True(t, IsUnknownProperty(err))

	assert.Equal(t, "property(99)", Property(99).String())
	assert.Equal(t, KindInvalid, Property(-1).Kind())
}

func TestProperty_Flags(t *testing.T) {
	assert.True(t, PropID.ReadOnly())
	assert.False(t, PropURI.ReadOnly())

	assert.True(t, PropCallbackInterface.Live())
	assert.True(t, PropUseForegroundPriority.Live())
	assert.False(t, PropCallerName.Live())
	assert.False(t, Property(42).Live())
}

func TestValidateProperty(t *testing.T) {
	tests := []struct {
		name string
		prop Property
		val  PropertyValue
		want Errc
	}{
		{"string", PropCallerName, StringValue("tests"), OK},
		{"bool", PropUseForegroundPriority, BoolValue(true), OK},
		{"uint", PropNoProgressTimeoutSeconds, UintValue(60), OK},
		{"nil callback", PropCallbackInterface, CallbackValue(nil), OK},
		{"kind mismatch", PropNoProgressTimeoutSeconds, StringValue("60"), ErrInvalidArg},
		{"zero value", PropURI, PropertyValue{}, ErrInvalidArg},
		{"read only", PropID, StringValue("x"), ErrInvalidArg},
		{"unknown", Property(99), BoolValue(true), ErrUnknownPropertyID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(ValidateProperty(tt.prop, tt.val)))
		})
	}
}

func TestPropertyValue_Accessors(t *testing.T) {
	s, err := StringValue("abc").AsString()
	require.NoError(t, err)
	assert.Equal(t, "abc", s)

	b, err := BoolValue(true).AsBool()
	require.NoError(t, err)
	assert.True(t, b)

	u, err := UintValue(7).AsUint()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), u)

	_, err = UintValue(7).AsString()
	assert.ErrorIs(t, err, ErrInvalidArg)

	_, err = PropertyValue{}.AsBool()
	assert.ErrorIs(t, err, ErrInvalidArg)

	assert.Equal(t, `do.StringValue("abc")`, StringValue("abc").GoString())
	assert.Equal(t, "do.PropertyValue{}", PropertyValue{}.GoString())
}

func TestStatus(t *testing.T) {
	s := NewStatus(10, 100, ErrNoProgress, OK, StatePaused)
	assert.True(t, s.IsError())
	assert.True(t, s.IsTerminal())
	assert.False(t, s.IsComplete())
	assert.Equal(t, "10/100, 0x80d02002, 0x00000000, paused", s.String())

	paused := NewStatus(10, 100, OK, OK, StatePaused)
	assert.False(t, paused.IsError())
	assert.False(t, paused.IsTerminal())

	assert.True(t, NewStatus(100, 100, OK, OK, StateTransferred).IsComplete())
	assert.True(t, NewStatus(0, 0, OK, OK, StateAborted).IsTerminal())

	var zero Status
	assert.Equal(t, StateCreated, zero.State())

	st, err := ParseState("transferring")
	require.NoError(t, err)
	assert.Equal(t, StateTransferring, st)

	_, err = ParseState("running")
	assert.ErrorIs(t, err, ErrInvalidArg)
}
