package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunHelp(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"--help"}, &out))
	assert.Contains(t, out.String(), "usage: feedlanectl")
}

func TestRunRequiresCommand(t *testing.T) {
	var out bytes.Buffer
	err := run(nil, &out)
	assert.EqualError(t, err, "exactly one command required")
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, run([]string{"--bogus", "inspect"}, &out))
}
