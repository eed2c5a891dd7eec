package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslateArgsLeavesPositionalPathsAlone(t *testing.T) {
	got := translateArgs([]string{"/home/user/src", "/home/user/dst"})
	assert.Equal(t, []string{"/home/user/src", "/home/user/dst"}, got)
}

func TestTranslateArgsBoolFlags(t *testing.T) {
	got := translateArgs([]string{"src", "dst", "/MIR", "/PURGE"})
	assert.Equal(t, []string{"src", "dst", "--mir", "--purge"}, got)
}

func TestTranslateArgsColonValueFlags(t *testing.T) {
	got := translateArgs([]string{"/LEV:3", "/MT:16"})
	assert.Equal(t, []string{"--lev=3", "--mt=16"}, got)
}

func TestTranslateArgsSpaceValueFlag(t *testing.T) {
	got := translateArgs([]string{"/SERVERADDR", "fileserver.example.com", "/MIR"})
	assert.Equal(t, []string{"--serveraddr", "fileserver.example.com", "--mir"}, got)
}

func TestTranslateArgsListFlagCapturesUntilNextFlag(t *testing.T) {
	got := translateArgs([]string{"/XF", "*.tmp", "*.log", "/PURGE"})
	assert.Equal(t, []string{"--xf", "*.tmp", "--xf", "*.log", "--purge"}, got)
}

func TestTranslateArgsListFlagAtEndOfArgs(t *testing.T) {
	got := translateArgs([]string{"/XD", "build", "dist"})
	assert.Equal(t, []string{"--xd", "build", "--xd", "dist"}, got)
}
