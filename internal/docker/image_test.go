package docker

import (
	"strings"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBuildStream(t *testing.T) {
	stream := `{"stream":"Step 1/4 : FROM node:20\n"}
{"status":"Pulling","id":"abc","progress":"[==>   ]"}
{"aux":{"ID":"sha256:123"}}
`
	var lines []string
	require.NoError(t, decodeBuildStream(strings.NewReader(stream), func(l string) { lines = append(lines, l) }))
	assert.Equal(t, []string{"Step 1/4 : FROM node:20", "abc Pulling [==>   ]", "image id: sha256:123"}, lines)
}

func TestDecodeBuildStreamError(t *testing.T) {
	stream := `{"stream":"Step 1/2"}
{"errorDetail":{"message":"npm ERR! missing script: build"}}
`
	err := decodeBuildStream(strings.NewReader(stream), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing script")
}

func TestURL(t *testing.T) {
	c := &Client{publishHost: "preview.local"}
	ctr := Container{Ports: nat.PortMap{"3000/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "49153"}}}}
	assert.Equal(t, "http://preview.local:49153", c.URL(ctr, 3000))
	assert.Empty(t, c.URL(ctr, 8080))
}
