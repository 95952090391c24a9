package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionflow/internal/models"
)

func TestFitRiskPassThrough(t *testing.T) {
	env, _ := testEnv(t, testConfig())
	s, err := New(env)
	require.NoError(t, err)

	p := &Portfolio{
		Account:   &models.Account{Equity: 100000, Cash: 100000},
		OpenGross: 0,
	}
	fit, rej := s.FitRisk(p, 100, 100)
	require.Nil(t, rej)
	assert.Equal(t, int64(100), fit, "an order well inside both limits is unchanged")
}

func TestFitRiskLeverageScalesDown(t *testing.T) {
	env, _ := testEnv(t, testConfig())
	s, err := New(env)
	require.NoError(t, err)

	// 80k already deployed against a 1.0x leverage cap on 100k equity:
	// only 20k of headroom, so 500 requested shares at 100 become 200.
	p := &Portfolio{
		Account:   &models.Account{Equity: 100000, Cash: 100000},
		OpenGross: 80000,
	}
	fit, rej := s.FitRisk(p, 500, 100)
	require.Nil(t, rej)
	assert.Equal(t, int64(200), fit)
}

func TestFitRiskCashFloorScalesDown(t *testing.T) {
	env, _ := testEnv(t, testConfig())
	s, err := New(env)
	require.NoError(t, err)

	// Cash 10k with a 5% floor on 100k equity leaves ~5k to spend.
	p := &Portfolio{
		Account:   &models.Account{Equity: 100000, Cash: 10000},
		OpenGross: 0,
	}
	fit, rej := s.FitRisk(p, 500, 100)
	require.Nil(t, rej)
	assert.Less(t, fit, int64(51))
	assert.GreaterOrEqual(t, fit, int64(45))
}

func TestFitRiskRejects(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.MinShares = 10
	env, _ := testEnv(t, cfg)
	s, err := New(env)
	require.NoError(t, err)

	// Fully levered book admits nothing.
	p := &Portfolio{
		Account:   &models.Account{Equity: 100000, Cash: 100000},
		OpenGross: 100000,
	}
	_, rej := s.FitRisk(p, 100, 100)
	require.NotNil(t, rej)
	assert.Contains(t, rej.Reason, "leverage")

	// Cash at the floor admits nothing.
	p = &Portfolio{
		Account:   &models.Account{Equity: 100000, Cash: 5000},
		OpenGross: 0,
	}
	_, rej = s.FitRisk(p, 100, 100)
	require.NotNil(t, rej)
	assert.Contains(t, rej.Reason, "cash ratio")

	// Headroom exists but below the minimum share count.
	p = &Portfolio{
		Account:   &models.Account{Equity: 100000, Cash: 100000},
		OpenGross: 99500, // 500 of headroom = 5 shares at 100
	}
	_, rej = s.FitRisk(p, 100, 100)
	require.NotNil(t, rej)
	assert.Contains(t, rej.Reason, "below minimum")
}
