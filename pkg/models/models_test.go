package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaseByID(t *testing.T) {
	run := &TestRun{
		TestCases: map[string]*TestCase{
			"Ns.T1": {TCID: "0-1", FullName: "Ns.T1"},
			"Ns.T2": {TCID: "0-2", FullName: "Ns.T2"},
		},
	}
	run.RegisterCase("0-1", "Ns.T1")

	// Registered handle resolves through the index.
	tc := run.CaseByID("0-1")
	require.NotNil(t, tc)
	assert.Equal(t, "Ns.T1", tc.FullName)

	// Unregistered handle (sidecar reload) falls back to the scan.
	tc = run.CaseByID("0-2")
	require.NotNil(t, tc)
	assert.Equal(t, "Ns.T2", tc.FullName)

	assert.Nil(t, run.CaseByID("0-9"))
}
