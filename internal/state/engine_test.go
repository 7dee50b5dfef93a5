package state

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/dwango/mizumochi/clock"
	"github.com/dwango/mizumochi/internal/config"
	"github.com/dwango/mizumochi/internal/metrics"
)

func TestEngine_AlwaysCondition(t *testing.T) {
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	engine := NewEngine(clk, metrics.NewRegistry())

	assert.Equal(t, config.ModeUnstable, engine.OnOperation(config.AlwaysCondition(config.ModeUnstable)))

	clk.AdvanceTime(time.Hour)
	assert.Equal(t, config.ModeUnstable, engine.OnOperation(config.AlwaysCondition(config.ModeUnstable)))

	assert.Equal(t, config.ModeStable, engine.OnOperation(config.AlwaysCondition(config.ModeStable)))
}

func TestEngine_PeriodicCondition_StaysStableWithinFrequency(t *testing.T) {
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	registry := metrics.NewRegistry()
	engine := NewEngine(clk, registry)

	condition := config.PeriodicCondition(10*time.Minute, 30*time.Minute)
	assert.Equal(t, config.ModeStable, engine.OnOperation(condition))

	clk.AdvanceTime(29 * time.Minute)
	assert.Equal(t, config.ModeStable, engine.OnOperation(condition))
	assert.Equal(t, float64(0), testutil.ToFloat64(registry.SpeedLimitEnabled))
}

func TestEngine_PeriodicCondition_TogglesIntoUnstableWindow(t *testing.T) {
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	registry := metrics.NewRegistry()
	engine := NewEngine(clk, registry)

	condition := config.PeriodicCondition(10*time.Minute, 30*time.Minute)
	assert.Equal(t, config.ModeStable, engine.OnOperation(condition))

	clk.AdvanceTime(31 * time.Minute)
	assert.Equal(t, config.ModeUnstable, engine.OnOperation(condition))
	assert.Equal(t, float64(1), testutil.ToFloat64(registry.SpeedLimitEnabled))

	clk.AdvanceTime(9 * time.Minute)
	assert.Equal(t, config.ModeUnstable, engine.OnOperation(condition))

	clk.AdvanceTime(time.Minute)
	assert.Equal(t, config.ModeStable, engine.OnOperation(condition))
	assert.Equal(t, float64(1), testutil.ToFloat64(registry.SpeedLimitDisabled))
}

func TestEngine_ConditionChangeResetsTerm(t *testing.T) {
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	engine := NewEngine(clk, metrics.NewRegistry())

	periodic := config.PeriodicCondition(10*time.Minute, 30*time.Minute)
	clk.AdvanceTime(25 * time.Minute)
	assert.Equal(t, config.ModeStable, engine.OnOperation(periodic))

	// Switching to an Always condition reinitializes the term rather than
	// carrying over elapsed time from the periodic schedule.
	always := config.AlwaysCondition(config.ModeUnstable)
	assert.Equal(t, config.ModeUnstable, engine.OnOperation(always))

	// Switching back to the same periodic schedule starts a fresh term too.
	clk.AdvanceTime(5 * time.Minute)
	assert.Equal(t, config.ModeStable, engine.OnOperation(periodic))
}
