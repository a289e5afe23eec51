package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ajnotify/internal/ns"
	"ajnotify/internal/storage"
)

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "nsd dev")
}

func TestSubcommandsRegistered(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "send", "history", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestSendRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown category", []string{"send", "--category", "loud", "hi"}, "loud"},
		{"malformed text", []string{"send", "--text", "nolang", "hi"}, "want lang=text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRootCmd()
			root.SetOut(&bytes.Buffer{})
			root.SetErr(&bytes.Buffer{})
			root.SetArgs(tt.args)
			err := root.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPrintHistory(t *testing.T) {
	var out bytes.Buffer
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	require.NoError(t, printHistory(&out, []storage.HistoryEntry{
		{At: at, Kind: storage.KindReceived, MsgID: 7, Category: ns.Warning, AppName: "oven", DeviceName: "Kitchen", Text: "hot"},
	}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "CATEGORY")
	assert.Contains(t, lines[1], "2026-03-01 12:00:00")
	assert.Contains(t, lines[1], "warning")
	assert.Contains(t, lines[1], "hot")
}
