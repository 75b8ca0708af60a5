package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteConfig_Destination(t *testing.T) {
	live := "https://live.example"
	empty := ""

	tests := []struct {
		name  string
		route RouteConfig
		want  string
	}{
		{
			name:  "forwarder when not live",
			route: RouteConfig{ForwarderBaseURL: "https://fwd.example", LiveBaseURL: &live},
			want:  "https://fwd.example",
		},
		{
			name:  "live url when live",
			route: RouteConfig{IsLive: true, ForwarderBaseURL: "https://fwd.example", LiveBaseURL: &live},
			want:  "https://live.example",
		},
		{
			name:  "live without app",
			route: RouteConfig{IsLive: true, ForwarderBaseURL: "https://fwd.example"},
			want:  "",
		},
		{
			name:  "live with empty app url",
			route: RouteConfig{IsLive: true, LiveBaseURL: &empty},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.route.Destination())
		})
	}
}
