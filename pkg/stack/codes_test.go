package stack

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventCodeRangesAreContiguous(t *testing.T) {
	assert.Equal(t, EventCode(19), EventPrimaryServiceFound)
	assert.Equal(t, EventPrimaryServiceFound+10, EventNotificationConfirmed)
	assert.Equal(t, EventNotificationConfirmed+10, EventLECBConnRequest)
	assert.Equal(t, EventLECBConnRequest+6, EventHTPTCreateDBConfirm)
	assert.Equal(t, EventHTPTCreateDBConfirm+9, EventLETestStatus)
	assert.Equal(t, EventLETestStatus+2, EventCustom)
	assert.Equal(t, EventCustom+2, EventCodeCount)
}

func TestEventCodeNames(t *testing.T) {
	for c := EventUndefined; c < EventCodeCount; c++ {
		name := c.String()
		assert.NotEmpty(t, name, "code %d has no name", c)

		parsed, ok := ParseEventCode(name)
		assert.True(t, ok)
		assert.Equal(t, c, parsed)
	}

	assert.Equal(t, "event(999)", EventCode(999).String())
	_, ok := ParseEventCode("nope")
	assert.False(t, ok)
}

func TestIOCapabilityRoundTrip(t *testing.T) {
	for c := IODisplayOnly; c <= IOKeyboardDisplay; c++ {
		parsed, err := ParseIOCapability(c.String())
		assert.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
	_, err := ParseIOCapability("telepathy")
	assert.Error(t, err)
}
