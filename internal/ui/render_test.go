package ui

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withoutColors(t *testing.T) {
	t.Helper()
	prev := colorEnabled
	colorEnabled = false
	t.Cleanup(func() { colorEnabled = prev })
}

func TestRenderStatus(t *testing.T) {
	withoutColors(t)

	out := RenderStatus(map[string]interface{}{
		"guid":       "abc",
		"service_id": "e9a24e10-b190-11e0-a00b-0800200c9a66",
		"state":      "IDLE",
		"pending":    float64(0),
		"advertised": []interface{}{"org.a", "org.b"},
		"records": []interface{}{
			map[string]interface{}{"addr": "peer-1", "service_id": "s1", "last_seen": "t"},
		},
		"endpoints": []interface{}{
			map[string]interface{}{"id": "ep-1", "remote": "peer-1", "channel": float64(3),
				"local_addr": "127.0.0.1:9527", "connected": true, "spec": ""},
		},
	})

	assert.Contains(t, out, "GUID: abc")
	assert.Contains(t, out, "Advertised: org.a, org.b")
	assert.Contains(t, out, "peer-1")
	assert.Contains(t, out, "attached")
	assert.Contains(t, out, "accepted")

	// Every panel row has the same visible width
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for _, line := range lines[:6] {
		assert.Equal(t, panelWidth, visibleLength(line), line)
	}
}

func TestRenderStatusEmpty(t *testing.T) {
	withoutColors(t)

	out := RenderStatus(map[string]interface{}{"state": "QUERYING"})
	assert.Contains(t, out, "Advertised: none")
	assert.NotContains(t, out, "Endpoints")
}

func TestRenderEvent(t *testing.T) {
	withoutColors(t)

	found := RenderEvent(map[string]interface{}{
		"seq": float64(1), "time": "t", "kind": "found_name",
		"names": "foo.bar;foo.baz", "guid": "g", "addr": "peer", "port": "3",
	})
	assert.Equal(t, "#1 t found foo.bar;foo.baz guid=g addr=peer port=3", found)

	accepted := RenderEvent(map[string]interface{}{"seq": float64(2), "time": "t", "kind": "accepted", "endpoint_id": "ep"})
	assert.Equal(t, "#2 t accepted endpoint=ep", accepted)

	other := RenderEvent(map[string]interface{}{"seq": float64(3), "time": "t", "kind": "x", "b": 1, "a": 2})
	assert.Equal(t, "#3 t a=2 b=1 kind=x seq=3 time=t", other)
}

func TestVisibleLengthIgnoresEscapes(t *testing.T) {
	assert.Equal(t, 5, visibleLength(Cyan+"hello"+Reset))
	assert.Equal(t, "Error: boom", RenderError(errors.New("boom")))
}

func TestSetColors(t *testing.T) {
	prev := colorEnabled
	t.Cleanup(func() { colorEnabled = prev })

	on := true
	SetColors(&on)
	assert.Equal(t, Green+"ok"+Reset, RenderSuccess("ok"))
	SetColors(nil)
	assert.True(t, IsColorEnabled())
	SetNoColor(true)
	assert.Equal(t, "ok", RenderSuccess("ok"))
}

func TestDetectColor(t *testing.T) {
	t.Setenv("NO_COLOR", "")
	assert.True(t, detectColor(true))
	assert.False(t, detectColor(false))

	t.Setenv("NO_COLOR", "1")
	assert.False(t, detectColor(true))
}
