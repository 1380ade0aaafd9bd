package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubcommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	assert.True(t, names["decide"], "decide command missing")
	assert.True(t, names["serve"], "serve command missing")
	assert.True(t, names["calibration"], "calibration command missing")
	assert.True(t, names["import"], "import command missing")
	assert.True(t, names["metrics"], "metrics command missing")
}

func TestDecideFlagDefaults(t *testing.T) {
	flag := decideCmd.Flags().Lookup("doc-id")
	if assert.NotNil(t, flag) {
		assert.Equal(t, "", flag.DefValue)
	}
}

func TestServeFlagDefaults(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	if assert.NotNil(t, flag) {
		assert.Equal(t, "0", flag.DefValue)
	}
}
