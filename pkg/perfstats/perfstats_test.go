package perfstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAccumulator(t *testing.T) {
	a := Accumulator{}
	require.Equal(t, float64(0), a.Average())
	a.AddSample(2)
	a.AddSample(4)
	require.Equal(t, int64(2), a.Samples)
	require.Equal(t, float64(3), a.Average())
	a.Reset()
	require.Equal(t, float64(0), a.Average())
}

func TestTimeAccumulator(t *testing.T) {
	a := TimeAccumulator{}
	require.Equal(t, time.Duration(0), a.Average())
	a.AddSample(10 * time.Millisecond)
	a.AddSample(30 * time.Millisecond)
	require.Equal(t, 20*time.Millisecond, a.Average())
}
