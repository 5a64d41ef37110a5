package sampler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRejectsNegativeTemperature(t *testing.T) {
	p := Default()
	p.Temperature = -1
	require.Error(t, p.Validate())
}

func TestValidateRejectsOutOfRangeTopP(t *testing.T) {
	p := Default()
	p.TopP = 1.5
	require.Error(t, p.Validate())
}

func TestValidateRejectsZeroMaxTokens(t *testing.T) {
	p := Default()
	p.MaxTokens = 0
	require.Error(t, p.Validate())
}

func TestValidateRejectsBadMirostat(t *testing.T) {
	p := Default()
	p.Mirostat = 3
	require.Error(t, p.Validate())
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestGreedySamplingPicksArgmax(t *testing.T) {
	p := Default()
	p.Temperature = 0
	c := New(p, 1)

	logits := make([]float32, 8)
	logits[5] = 10
	got := c.Sample(logits, -1)
	require.Equal(t, int32(5), got)
}

func TestDeriveSeedIsDeterministic(t *testing.T) {
	require.Equal(t, DeriveSeed(100, 7), DeriveSeed(100, 7))
	require.NotEqual(t, DeriveSeed(100, 7), DeriveSeed(100, 8))
}

func TestRepeatPenaltyDiscouragesRecentToken(t *testing.T) {
	p := Default()
	p.Temperature = 0
	p.RepeatPenalty = 1.5
	c := New(p, 1)
	c.Accept(5)

	logits := make([]float32, 8)
	logits[5] = 10
	logits[3] = 9
	got := c.Sample(logits, -1)
	require.Equal(t, int32(3), got)
}
