package listener

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceIDFromTopic(t *testing.T) {
	testCases := []struct {
		name  string
		topic string
		want  string
	}{
		{name: "short form", topic: "devices/ABC123/telemetry", want: "ABC123"},
		{name: "legacy long form", topic: "legacy/devices/XYZ/telemetry", want: "XYZ"},
		{name: "no match", topic: "foo/bar", want: "unknown"},
		{name: "empty", topic: "", want: "unknown"},
		{name: "empty id", topic: "devices//telemetry", want: "unknown"},
		{name: "wrong suffix", topic: "devices/ABC/status", want: "unknown"},
		{name: "wrong root", topic: "things/ABC/telemetry", want: "unknown"},
		{name: "too deep", topic: "a/b/devices/ABC/telemetry", want: "unknown"},
		{name: "empty prefix", topic: "/devices/ABC/telemetry", want: "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeviceIDFromTopic(tc.topic))
		})
	}
}
