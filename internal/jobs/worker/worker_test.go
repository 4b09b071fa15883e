package worker

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/config"
)

func newTestWorker() *Worker {
	return &Worker{concurrency: make(map[domain.JobType]int)}
}

func TestConcurrencyFor_ExplicitOverrideWins(t *testing.T) {
	w := newTestWorker().WithConcurrency(domain.JobLLMGeneration, 9)
	require.Equal(t, 9, w.concurrencyFor(domain.JobLLMGeneration))
}

func TestConcurrencyFor_IgnoresNonPositiveOverride(t *testing.T) {
	w := newTestWorker().WithConcurrency(domain.JobLLMGeneration, 0)
	require.Equal(t, 4, w.concurrencyFor(domain.JobLLMGeneration), "a zero override must fall through to the default")
}

func TestConcurrencyFor_PerTypeEnvVarWins(t *testing.T) {
	key := config.EnvWorkerConcurrencyPrefix + string(domain.JobImageDescription)
	prev, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, "7"))
	t.Cleanup(func() {
		if had {
			os.Setenv(key, prev)
		} else {
			os.Unsetenv(key)
		}
	})

	w := newTestWorker()
	require.Equal(t, 7, w.concurrencyFor(domain.JobImageDescription))
}

func TestConcurrencyFor_FallsBackToConfiguredDefault(t *testing.T) {
	prev, had := os.LookupEnv(config.EnvWorkerConcurrencyDefault)
	require.NoError(t, os.Setenv(config.EnvWorkerConcurrencyDefault, "11"))
	t.Cleanup(func() {
		if had {
			os.Setenv(config.EnvWorkerConcurrencyDefault, prev)
		} else {
			os.Unsetenv(config.EnvWorkerConcurrencyDefault)
		}
	})

	w := newTestWorker()
	require.Equal(t, 11, w.concurrencyFor(domain.JobAudioTranscription))
}
