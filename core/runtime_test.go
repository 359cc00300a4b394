package core

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/corert/internal/corebarrier"
	"github.com/kolkov/corert/internal/corepool"
	"github.com/kolkov/corert/internal/coresstm"
)

func TestDefaultConfigMatchesSubsystemDefaults(t *testing.T) {
	want := Config{
		ReclaimedEpochsLimit: corepool.DefaultReclaimedEpochsLimit,
		CommitBarrierTimeout: coresstm.DefaultCommitBarrierTimeout,
		BarrierPeriod:        corebarrier.DefaultPeriod,
	}
	got := DefaultConfig()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("DefaultConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestNewWiresEverySubsystem(t *testing.T) {
	rt := New(DefaultConfig(), nil)
	require.NotNil(t, rt.Registry)
	require.NotNil(t, rt.Clock)
	require.NotNil(t, rt.Barrier)
	require.NotNil(t, rt.SMR)
	require.NotNil(t, rt.Pool)
	require.NotNil(t, rt.STM)
}

func TestRegisterWorkerThenDeregister(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BarrierPeriod = 10 * time.Millisecond
	rt := New(cfg, nil)

	th, timer, err := rt.RegisterWorker(true)
	require.NoError(t, err)
	require.NotNil(t, th)
	require.NotNil(t, timer)

	timer.Stop()
	rt.DeregisterWorker(th)
}

func TestGetInfoReportsCurrentVersion(t *testing.T) {
	info := GetInfo()
	require.Equal(t, Version, info.Version)
	require.NotEmpty(t, info.Component)
}
