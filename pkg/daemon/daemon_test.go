package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/psaab/vrhost/pkg/csum"
	"github.com/psaab/vrhost/pkg/hostif"
	"github.com/psaab/vrhost/pkg/packet"
)

const testConfig = `
checksum:
  strategy: software
fabric:
  backend: afpacket
events:
  buffer_size: 16
interfaces:
  - name: eth0
    kind: physical
    id: 1
    mtu: 1500
    port: 1
  - name: vhost0
    kind: virtual
    id: 2
    mtu: 1500
    bridge: eth0
    xconnect: true
  - name: pkt0
    kind: agent
    id: 3
`

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vrhost.yaml")
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSetupDryRun(t *testing.T) {
	d := New(Options{ConfigFile: writeConfig(t, testConfig), DryRun: true})
	if err := d.Setup(); err != nil {
		t.Fatal(err)
	}
	defer d.close()

	h := d.Host()
	if h.Strategy() != csum.StrategySoftware {
		t.Errorf("strategy = %q", h.Strategy())
	}
	if h.Registry().Len() != 3 || h.Registry().PassthroughEnabled() {
		t.Errorf("registry: %d interfaces, passthrough %v", h.Registry().Len(), h.Registry().PassthroughEnabled())
	}
	v, _ := h.Registry().Lookup("vhost0")
	if v.Bridge == nil || v.Bridge.Name != "eth0" || !v.XConnect {
		t.Errorf("vhost0 = %+v", v)
	}
	if e, _ := h.Registry().Lookup("eth0"); !e.XConnect {
		t.Error("bridge of a cross-connected interface must be cross-connected")
	}
	if d.Events().Total() != 3 {
		t.Errorf("events = %d", d.Events().Total())
	}
}

func TestSetupInvalidConfig(t *testing.T) {
	d := New(Options{ConfigFile: writeConfig(t, "checksum: {strategy: magic}\n")})
	if err := d.Setup(); err == nil {
		t.Fatal("expected config error")
	}
	d = New(Options{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})
	if err := d.Setup(); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestRunUntilCancelled(t *testing.T) {
	d := New(Options{})
	if err := d.Setup(); err != nil {
		t.Fatal(err)
	}
	if err := d.Host().Add(nil); err == nil {
		t.Fatal("nil add must fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Agent packets are drained and freed by the daemon.
	p := packet.New(packet.TypeIP, packet.NewChain(make([]byte, 64)))
	if err := d.agent.Deliver(p); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for !p.Released() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !p.Released() {
		t.Error("agent packet not consumed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAPIAuthFromConfig(t *testing.T) {
	doc := `
api:
  listen: 127.0.0.1:0
  users:
    admin: s3cret
  api_keys: [0123456789abcdef0123]
`
	d := New(Options{ConfigFile: writeConfig(t, doc), DryRun: true})
	if err := d.Setup(); err != nil {
		t.Fatal(err)
	}
	defer d.close()

	a := d.apiAuth()
	if a == nil || a.Users["admin"] != "s3cret" || len(a.APIKeys) != 1 {
		t.Errorf("auth = %+v", a)
	}

	open := New(Options{DryRun: true})
	if err := open.Setup(); err != nil {
		t.Fatal(err)
	}
	defer open.close()
	if a := open.apiAuth(); a != nil {
		t.Errorf("auth without credentials = %+v, want nil", a)
	}
}

func TestFabricCheck(t *testing.T) {
	var cur hostif.Stats
	check := fabricCheck(func() hostif.Stats { return cur })

	if err := check(); err != nil {
		t.Errorf("idle fabric: %v", err)
	}
	cur.DropSubmit = 3
	if err := check(); !errors.Is(err, errFabricRejecting) {
		t.Errorf("only failures: err = %v", err)
	}
	cur.DropSubmit, cur.TxPackets = 4, 10
	if err := check(); err != nil {
		t.Errorf("some units delivered: %v", err)
	}
	if err := check(); err != nil {
		t.Errorf("no traffic since last round: %v", err)
	}
}

func TestAgentCheck(t *testing.T) {
	q := hostif.NewAgentQueue(1)
	check := agentCheck(q)
	if err := check(); err != nil {
		t.Errorf("empty queue: %v", err)
	}
	if err := q.Deliver(packet.New(packet.TypeIP, packet.NewChain(make([]byte, 64)))); err != nil {
		t.Fatal(err)
	}
	if err := check(); !errors.Is(err, errAgentSaturated) {
		t.Errorf("full queue: err = %v", err)
	}
}
