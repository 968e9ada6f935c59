package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGate(t *testing.T) {
	reg := testRegistry(t, newOpCalls(), nil)
	gate := RegistryGate{}
	assert.Equal(t, "registry", gate.Name())

	violations, err := gate.Check(context.Background(), PlanContext{Steps: []string{opSearch, opEnergy}, Registry: reg})
	require.NoError(t, err)
	assert.Empty(t, violations)

	violations, err = gate.Check(context.Background(), PlanContext{
		Steps:    []string{opSearch, "md_run", "teleport", "md_run"},
		Registry: reg,
	})
	require.NoError(t, err)
	require.Len(t, violations, 2)
	assert.Equal(t, "md_run", violations[0].Operation)
	assert.Equal(t, 1, violations[0].Position)
	assert.Equal(t, SeverityCritical, violations[0].Severity)
	assert.Equal(t, "teleport", violations[1].Operation)
	assert.Len(t, filterSeverity(violations, SeverityCritical), 2)
}

func TestLengthGate(t *testing.T) {
	gate := LengthGate{Max: 2}

	violations, err := gate.Check(context.Background(), PlanContext{Steps: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Empty(t, violations)

	violations, err = gate.Check(context.Background(), PlanContext{Steps: []string{"a", "b", "c"}})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, SeverityCritical, violations[0].Severity)
	assert.Contains(t, violations[0].Description, "3 steps")

	unlimited := LengthGate{}
	violations, err = unlimited.Check(context.Background(), PlanContext{Steps: make([]string, 100)})
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestDependencyGate(t *testing.T) {
	reg := testRegistry(t, newOpCalls(), nil)
	gate := DependencyGate{}

	tests := []struct {
		name     string
		steps    []string
		request  RunRequest
		warnings int
	}{
		{"search provides structure", []string{opSearch, opOptimize, opEnergy}, RunRequest{Text: "x"}, 0},
		{"request provides structure", []string{opEnergy}, RunRequest{Text: "x", StructurePath: "/a.cif"}, 0},
		{"nothing provides structure", []string{opEnergy}, RunRequest{Text: "x"}, 1},
		{"wrong order", []string{opOptimize, opSearch, opEnergy}, RunRequest{Text: "x"}, 1},
		{"unknown ops ignored", []string{"md_run"}, RunRequest{Text: "x"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations, err := gate.Check(context.Background(), PlanContext{Request: tt.request, Steps: tt.steps, Registry: reg})
			require.NoError(t, err)
			assert.Len(t, violations, tt.warnings)
			for _, v := range violations {
				assert.Equal(t, SeverityWarning, v.Severity)
			}
			assert.Empty(t, filterSeverity(violations, SeverityCritical))
		})
	}
}

func TestDescribeViolations(t *testing.T) {
	assert.Equal(t, "", describeViolations(nil))
	got := describeViolations([]Violation{
		{Gate: "registry", Description: "unknown operation: md_run"},
		{Gate: "plan-length", Description: "too long"},
	})
	assert.Equal(t, "[registry] unknown operation: md_run; [plan-length] too long", got)
}

func TestDefaultGates(t *testing.T) {
	gates := DefaultGates(4)
	require.Len(t, gates, 3)
	assert.Equal(t, "registry", gates[0].Name())
	assert.Equal(t, "plan-length", gates[1].Name())
	assert.Equal(t, "dependency", gates[2].Name())
}
