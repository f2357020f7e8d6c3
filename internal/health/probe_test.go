package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_HealthyWithinThreshold(t *testing.T) {
	r := Report{ConnectionOK: true, QueryOK: true, LatencyMS: 50}
	assert.Equal(t, StatusHealthy, classify(r, 1000))
}

func TestClassify_DegradedOverThreshold(t *testing.T) {
	r := Report{ConnectionOK: true, QueryOK: true, LatencyMS: 1500}
	assert.Equal(t, StatusDegraded, classify(r, 1000))
}

func TestClassify_DegradedQueryFails(t *testing.T) {
	r := Report{ConnectionOK: true, QueryOK: false, LatencyMS: 10}
	assert.Equal(t, StatusDegraded, classify(r, 1000))
}

func TestClassify_UnhealthyNoConnection(t *testing.T) {
	r := Report{ConnectionOK: false}
	assert.Equal(t, StatusUnhealthy, classify(r, 1000))
}

func TestClassify_DegradedPendingMigration(t *testing.T) {
	r := Report{ConnectionOK: true, QueryOK: true, LatencyMS: 10, PendingMigration: true}
	assert.Equal(t, StatusDegraded, classify(r, 1000))
}

func TestClassify_PendingMigrationDoesNotMaskUnhealthy(t *testing.T) {
	r := Report{ConnectionOK: false, PendingMigration: true}
	assert.Equal(t, StatusUnhealthy, classify(r, 1000))
}

func TestReadiness_ReadyWhenHealthyAndBelowThreshold(t *testing.T) {
	health := Report{Status: StatusHealthy}
	r := Readiness(health, 10, 1000)
	assert.True(t, r.Ready)
	assert.Equal(t, 1000, r.Threshold)
}

func TestReadiness_NotReadyWhenDegraded(t *testing.T) {
	health := Report{Status: StatusDegraded}
	r := Readiness(health, 0, 1000)
	assert.False(t, r.Ready)
}

func TestReadiness_NotReadyWhenLocalQueueAtThreshold(t *testing.T) {
	health := Report{Status: StatusHealthy}
	r := Readiness(health, 1000, 1000)
	assert.False(t, r.Ready)
}

func TestReadiness_DefaultThresholdWhenUnset(t *testing.T) {
	health := Report{Status: StatusHealthy}
	r := Readiness(health, 999, 0)
	assert.True(t, r.Ready)
	assert.Equal(t, DefaultReadinessLocalQueueThreshold, r.Threshold)

	r = Readiness(health, DefaultReadinessLocalQueueThreshold, 0)
	assert.False(t, r.Ready)
}

func TestSum_OverallIsWorstStatus(t *testing.T) {
	summary := Sum([]Report{
		{DBName: "a", Status: StatusHealthy},
		{DBName: "b", Status: StatusDegraded},
		{DBName: "c", Status: StatusUnhealthy, Error: "connection refused"},
	})

	assert.Equal(t, StatusUnhealthy, summary.Overall)
	assert.Len(t, summary.Alerts, 1)
	assert.Contains(t, summary.Alerts[0], "c")
}

func TestSum_AllHealthy(t *testing.T) {
	summary := Sum([]Report{
		{DBName: "a", Status: StatusHealthy},
		{DBName: "b", Status: StatusHealthy},
	})
	assert.Equal(t, StatusHealthy, summary.Overall)
	assert.Empty(t, summary.Alerts)
}
