package jail

import (
	"encoding/json"
	"testing"
)

func TestDeviceUnmarshalString(t *testing.T) {
	var d Device
	if err := json.Unmarshal([]byte(`"/dev/null,char,1,3,0666"`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Pathname != "/dev/null" || d.Type != "char" || d.Major != 1 || d.Minor != 3 || d.Perm != 0o666 {
		t.Fatalf("got %+v", d)
	}
}

func TestDeviceUnmarshalStringPathnameWithCommas(t *testing.T) {
	var d Device
	if err := json.Unmarshal([]byte(`"/dev/a,b,char,1,3,0644"`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Pathname != "/dev/a,b" {
		t.Fatalf("pathname = %q, want %q", d.Pathname, "/dev/a,b")
	}
}

func TestDeviceUnmarshalMapping(t *testing.T) {
	var d Device
	doc := `{"pathname":"/dev/zero","type":"char","major":1,"minor":5,"perm":"0666"}`
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Pathname != "/dev/zero" || d.Major != 1 || d.Minor != 5 || d.Perm != 0o666 {
		t.Fatalf("got %+v", d)
	}
}

func TestDeviceUnmarshalRejectsShortString(t *testing.T) {
	var d Device
	if err := json.Unmarshal([]byte(`"/dev/null,char"`), &d); err == nil {
		t.Fatalf("expected error for too few fields")
	}
}

func TestBindUnmarshalStringDefaults(t *testing.T) {
	var b Bind
	if err := json.Unmarshal([]byte(`"/bin"`), &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if b.Source != "/bin" || b.Target != "/bin" || b.Mode != BindRO {
		t.Fatalf("got %+v", b)
	}
}

func TestBindUnmarshalStringTargetAndMode(t *testing.T) {
	var b Bind
	if err := json.Unmarshal([]byte(`"/data:/mnt/data,rw"`), &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if b.Source != "/data" || b.Target != "/mnt/data" || b.Mode != BindRW {
		t.Fatalf("got %+v", b)
	}
}

func TestBindUnmarshalMapping(t *testing.T) {
	var b Bind
	doc := `{"source":"/lib","mode":"rw"}`
	if err := json.Unmarshal([]byte(doc), &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if b.Source != "/lib" || b.Target != "/lib" || b.Mode != BindRW {
		t.Fatalf("got %+v", b)
	}
}

func TestParseConfigFull(t *testing.T) {
	doc := `{
		"stdio": "fifo:///tmp/j.%d",
		"keep_capability": ["CAP_CHOWN"],
		"filesystem": {"devtmpfs": true, "procfs": true, "sysfs": false},
		"directory": ["/tmp"],
		"device": ["/dev/null,char,1,3,0666"],
		"bind": ["/bin", "/lib:/lib,rw"],
		"environment": {"FOO": "bar"}
	}`
	cfg, err := ParseConfig([]byte(doc))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Stdio != "fifo:///tmp/j.%d" {
		t.Errorf("stdio = %q", cfg.Stdio)
	}
	if !cfg.Filesystem.Devtmpfs || !cfg.Filesystem.Procfs || cfg.Filesystem.Sysfs {
		t.Errorf("filesystem = %+v", cfg.Filesystem)
	}
	if len(cfg.Device) != 1 || len(cfg.Bind) != 2 {
		t.Errorf("device/bind lengths = %d/%d", len(cfg.Device), len(cfg.Bind))
	}
	if cfg.Environment["FOO"] != "bar" {
		t.Errorf("environment[FOO] = %q", cfg.Environment["FOO"])
	}
}

func TestParseConfigRejectsMalformed(t *testing.T) {
	if _, err := ParseConfig([]byte(`not json`)); err == nil {
		t.Fatalf("expected a parse error")
	}
}
