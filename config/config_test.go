package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/mesh/compaction"
	"goa.design/mesh/faults"
	"goa.design/mesh/plan"
)

func TestParseAppliesDefaults(t *testing.T) {
	f, err := Parse([]byte("cluster:\n  clusterId: prod\n"))
	require.NoError(t, err)
	require.Equal(t, ModeLocalhost, f.Cluster.Mode)
	require.Equal(t, "prod", f.Cluster.ClusterID)
	require.Equal(t, "prod", f.Cluster.ServiceID)
	require.Equal(t, DefaultConnectionRetryCount, f.Client.ConnectionRetryCount)
	require.Equal(t, DefaultConnectionRetryDelay, f.Client.ConnectionRetryDelay.Std())
	require.Equal(t, DefaultResponseTimeout, f.Client.ResponseTimeout.Std())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("cluster:\n  clusterid: typo\n"))
	require.Error(t, err)
	require.Equal(t, faults.KindInvalidConfiguration, faults.KindOf(err))
}

func TestParseRejectsModeWithoutConnection(t *testing.T) {
	_, err := Parse([]byte("cluster:\n  mode: Relational\n"))
	require.Error(t, err)
	require.Equal(t, faults.KindInvalidConfiguration, faults.KindOf(err))
}

func TestParseRejectsUnknownMode(t *testing.T) {
	_, err := Parse([]byte("cluster:\n  mode: Quantum\n"))
	require.Error(t, err)
	require.Equal(t, faults.KindInvalidConfiguration, faults.KindOf(err))
}

func TestLoadRoundTrip(t *testing.T) {
	doc := `cluster:
  clusterId: demo
  mode: Relational
  connectionString: postgres://localhost/mesh
client:
  connectionRetryCount: 2
  connectionRetryDelay: 500ms
  responseTimeout: 10s
`
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ModeRelational, f.Cluster.Mode)
	require.Equal(t, "postgres://localhost/mesh", f.Cluster.ConnectionString)
	require.Equal(t, 2, f.Client.ConnectionRetryCount)
	require.Equal(t, 500*time.Millisecond, f.Client.ConnectionRetryDelay.Std())
	require.Equal(t, 10*time.Second, f.Client.ResponseTimeout.Std())
	require.Equal(t, DefaultGatewayListRefresh, f.Client.GatewayListRefreshPeriod.Std(), "unset fields still default")
}

func TestCompactionFromArgs(t *testing.T) {
	cfg, err := CompactionFromArgs(map[string]string{
		ArgCompactionEnabled:          "true",
		ArgCompactionKeepLastN:        "10",
		ArgCompactionMaxContextTokens: "8000",
		ArgCompactionThreshold:        "0.8",
	})
	require.NoError(t, err)
	require.Equal(t, compaction.Config{
		Enabled:          true,
		KeepLastN:        10,
		MaxContextTokens: 8000,
		Threshold:        0.8,
	}, cfg)
}

func TestCompactionFromArgsIgnoresAbsentKeys(t *testing.T) {
	cfg, err := CompactionFromArgs(nil)
	require.NoError(t, err)
	require.Equal(t, compaction.Config{}, cfg)
}

func TestCompactionFromArgsRejectsMalformedValues(t *testing.T) {
	_, err := CompactionFromArgs(map[string]string{ArgCompactionKeepLastN: "ten"})
	require.Error(t, err)
	require.Equal(t, faults.KindInvalidConfiguration, faults.KindOf(err))
}

func TestEffortFromArgs(t *testing.T) {
	got, err := EffortFromArgs(nil)
	require.NoError(t, err)
	require.Equal(t, plan.EffortStandard, got)

	got, err = EffortFromArgs(map[string]string{ArgPlannerEffort: "Thorough"})
	require.NoError(t, err)
	require.Equal(t, plan.EffortThorough, got)

	_, err = EffortFromArgs(map[string]string{ArgPlannerEffort: "Heroic"})
	require.Error(t, err)
}
