package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/srilakshmi/nexus/control"
	"github.com/srilakshmi/nexus/nvmeof"
)

const sampleYAML = `
node_name: node-a
advertise: 10.0.0.5
listen:
  control: ":9900"
pools:
  - name: p1
    devices: ["%s"]
    capacity_bytes: 8388608
replicas:
  - pool: p1
    uuid: r1
    size_bytes: 32768
    block_size: 512
    share: true
nexuses:
  - uuid: nx1
    size_bytes: 32768
    block_size: 512
    children: ["bdev:///p1/r1"]
    publish: nvmf
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nexus.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Full document", func(t *testing.T) {
		dev := filepath.Join(t.TempDir(), "dev.img")
		raw := writeConfig(t, fmt.Sprintf(sampleYAML, dev))
		cfg, err := Load(raw)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.NodeName != "node-a" || cfg.Advertise != "10.0.0.5" {
			t.Errorf("identity: %q %q", cfg.NodeName, cfg.Advertise)
		}
		if cfg.Listen.Control != ":9900" {
			t.Errorf("control addr = %s", cfg.Listen.Control)
		}
		// Unset listeners fall back to defaults.
		if cfg.Listen.NvmfNexus != DefaultNvmfAddr || cfg.Listen.Iscsi != DefaultIscsiAddr {
			t.Errorf("defaults not applied: %+v", cfg.Listen)
		}
		if len(cfg.Pools) != 1 || len(cfg.Replicas) != 1 || len(cfg.Nexuses) != 1 {
			t.Errorf("object counts: %d %d %d", len(cfg.Pools), len(cfg.Replicas), len(cfg.Nexuses))
		}
		if !cfg.Replicas[0].Share || cfg.Nexuses[0].Publish != "nvmf" {
			t.Error("share/publish flags lost")
		}
	})

	t.Run("Empty path yields defaults", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Listen.Control != DefaultControlAddr {
			t.Errorf("control addr = %s", cfg.Listen.Control)
		}
	})

	t.Run("Validation failures", func(t *testing.T) {
		bad := []string{
			"replicas:\n  - pool: ghost\n    uuid: r\n    size_bytes: 512\n    block_size: 512\n",
			"pools:\n  - name: p\n    devices: [/x]\n    capacity_bytes: 1024\n  - name: p\n    devices: [/y]\n    capacity_bytes: 1024\n",
			"nexuses:\n  - uuid: n\n    size_bytes: 512\n    block_size: 512\n    children: [a]\n    publish: carrier-pigeon\n",
			"nexuses:\n  - uuid: n\n    size_bytes: 512\n    block_size: 512\n",
		}
		for _, doc := range bad {
			if _, err := Load(writeConfig(t, doc)); err == nil {
				t.Errorf("expected validation failure for:\n%s", doc)
			}
		}
	})
}

func TestFromEnvOverlay(t *testing.T) {
	t.Setenv("NEXUS_CONFIG", "")
	t.Setenv("NEXUS_NODE_NAME", "env-node")
	t.Setenv("NEXUS_CONTROL_ADDR", ":7700")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.NodeName != "env-node" {
		t.Errorf("node name = %s", cfg.NodeName)
	}
	if cfg.Listen.Control != ":7700" {
		t.Errorf("control addr = %s", cfg.Listen.Control)
	}
	if cfg.Listen.NvmfReplica != DefaultReplicaAddr {
		t.Errorf("replica addr = %s", cfg.Listen.NvmfReplica)
	}
}

// TestApply replays a bootstrap document through a live control core.
func TestApply(t *testing.T) {
	nexusTgt := nvmeof.NewTarget("127.0.0.1:0", "", nil)
	replicaTgt := nvmeof.NewTarget("127.0.0.1:0", "", nil)
	for _, tg := range []*nvmeof.Target{nexusTgt, replicaTgt} {
		if err := tg.Start(); err != nil {
			t.Fatalf("target Start failed: %v", err)
		}
		t.Cleanup(func() { tg.Stop() })
	}
	svc := control.NewService(control.Options{
		Targets: control.Targets{NexusNvmf: nexusTgt, Replica: replicaTgt},
	})
	t.Cleanup(svc.Shutdown)

	dev := filepath.Join(t.TempDir(), "dev.img")
	cfg, err := Load(writeConfig(t, fmt.Sprintf(sampleYAML, dev)))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := Apply(context.Background(), cfg, svc); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	pools := svc.ListPools()
	if len(pools) != 1 || pools[0].Name != "p1" || len(pools[0].Replicas) != 1 {
		t.Errorf("pools = %+v", pools)
	}
	st, err := svc.NexusStatus("nx1")
	if err != nil {
		t.Fatalf("NexusStatus failed: %v", err)
	}
	if st.State != "published" || st.Session == nil {
		t.Errorf("bootstrap nexus status: %+v", st)
	}

	// Replays against existing state fail fast instead of corrupting it.
	if err := Apply(context.Background(), cfg, svc); err == nil {
		t.Error("second Apply over live state should fail")
	}
}
