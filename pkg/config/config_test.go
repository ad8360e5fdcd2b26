package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/psaab/vrhost/pkg/csum"
	"github.com/psaab/vrhost/pkg/iface"
)

const sample = `
log:
  level: debug
checksum:
  strategy: software
fabric:
  backend: afpacket
  max_copy: 4096
  port_map_pin: /sys/fs/bpf/vrhost
split:
  max_segments: 32
api:
  listen: 127.0.0.1:8085
  users:
    admin: s3cret
  api_keys:
    - 0123456789abcdef0123
grpc:
  listen: 127.0.0.1:50051
  check_interval: 2s
events:
  buffer_size: 500
  file: /var/log/vrhost/events.log
  max_size_mb: 5
  max_files: 3
syslog:
  - host: 192.0.2.10
    facility: local3
    severity: warning
interfaces:
  - name: eth0
    kind: physical
    id: 1
    port: 1
  - name: vhost0
    kind: virtual
    id: 2
    mtu: 1500
    vrf: 0
    bridge: eth0
  - name: pkt0
    kind: agent
    id: 3
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vrhost.yaml")
	if err := os.WriteFile(path, []byte(sample), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Checksum.Strategy != string(csum.StrategySoftware) {
		t.Errorf("strategy = %q", c.Checksum.Strategy)
	}
	if c.Fabric.Backend != BackendAFPacket || c.Fabric.MaxCopy != 4096 {
		t.Errorf("fabric = %+v", c.Fabric)
	}
	if c.Split.MaxSegments != 32 {
		t.Errorf("max segments = %d", c.Split.MaxSegments)
	}
	if len(c.Syslog) != 1 || c.Syslog[0].Port != 514 {
		t.Errorf("syslog = %+v", c.Syslog)
	}
	if c.API.Users["admin"] != "s3cret" || len(c.API.APIKeys) != 1 {
		t.Errorf("api = %+v", c.API)
	}
	if c.GRPC.Listen != "127.0.0.1:50051" || c.GRPC.CheckInterval != 2*time.Second {
		t.Errorf("grpc = %+v", c.GRPC)
	}
	if c.Agent.QueueSize != 256 {
		t.Errorf("agent queue default = %d", c.Agent.QueueSize)
	}
	if len(c.Interfaces) != 3 || c.Interfaces[1].Bridge != "eth0" {
		t.Errorf("interfaces = %+v", c.Interfaces)
	}

	fs, ok := c.Events.FileSinkConfig()
	if !ok || fs.MaxSize != 5<<20 || fs.MaxFiles != 3 {
		t.Errorf("file sink = %+v, %v", fs, ok)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	d := Default()
	if c.Checksum != d.Checksum || c.Fabric != d.Fabric || c.Events != d.Events {
		t.Errorf("parsed = %+v, default = %+v", c, d)
	}
	if c.Fabric.Backend != BackendMemory || c.Checksum.Strategy != string(csum.StrategyFixup) {
		t.Errorf("defaults = %+v", c)
	}
	if _, ok := c.Events.FileSinkConfig(); ok {
		t.Error("no event file by default")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("checksum:\n  stratgy: software\n")); err == nil {
		t.Fatal("expected error for misspelled key")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"bad strategy", "checksum: {strategy: hardware}", "checksum strategy"},
		{"bad backend", "fabric: {backend: dpdk}", "fabric backend"},
		{"bad level", "log: {level: verbose}", "log level"},
		{"negative segments", "split: {max_segments: -1}", "max_segments"},
		{"bad listen", "api: {listen: localhost}", "api listen"},
		{"user without password", "api: {users: {admin: \"\"}}", "without password"},
		{"user with colon", "api: {users: {\"a:b\": pw}}", "api user"},
		{"short api key", "api: {api_keys: [short]}", "shorter than"},
		{"duplicate api key", "api: {api_keys: [0123456789abcdef, 0123456789abcdef]}", "listed twice"},
		{"bad grpc listen", "grpc: {listen: nowhere}", "grpc listen"},
		{"negative grpc interval", "grpc: {listen: ':50051', check_interval: -1s}", "check_interval"},
		{"syslog host", "syslog: [{port: 514}]", "without host"},
		{"syslog severity", "syslog: [{host: h, severity: loud}]", "syslog severity"},
		{"unnamed interface", "interfaces: [{kind: tap}]", "without name"},
		{"bad kind", "interfaces: [{name: x, kind: wifi}]", "kind"},
		{"duplicate name", "interfaces: [{name: x, kind: tap, id: 1}, {name: x, kind: tap, id: 2}]", "defined twice"},
		{"duplicate id", "interfaces: [{name: x, kind: tap, id: 1}, {name: y, kind: tap, id: 1}]", "reuses id"},
		{"two physical", "interfaces: [{name: a, kind: physical, id: 1}, {name: b, kind: physical, id: 2}]", "both physical"},
		{"unknown bridge", "interfaces: [{name: a, kind: tap, bridge: br0}]", "unknown br0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestInterfaceConversion(t *testing.T) {
	ic := InterfaceConfig{Name: "vhost0", Kind: "virtual", ID: 2, MTU: 1500, Port: 7, NIC: 1, VRF: 3, XConnect: true}
	i, err := ic.Interface()
	if err != nil {
		t.Fatal(err)
	}
	if i.Kind() != iface.KindVirtual || i.Spec.(iface.Virtual).VRF != 3 {
		t.Errorf("spec = %+v", i.Spec)
	}
	if i.Name != "vhost0" || i.MTU != 1500 || i.Port != 7 || i.NIC != 1 || !i.XConnect {
		t.Errorf("interface = %+v", i)
	}
	if _, err := (InterfaceConfig{Name: "x", Kind: "wifi"}).Interface(); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v", err)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	again, err := Parse(out)
	if err != nil {
		t.Fatalf("re-parse: %v\n%s", err, out)
	}
	if len(again.Interfaces) != len(c.Interfaces) || !reflect.DeepEqual(again.API, c.API) || again.GRPC != c.GRPC {
		t.Errorf("round trip changed config:\n%s", out)
	}
}
