package config

import (
	"io"
	"io/ioutil"
	"os"
	"testing"

	"github.com/Pyxxilated-Studios/empath/internal/log"
	"github.com/Pyxxilated-Studios/empath/internal/testlib"
)

func mustCreateConfig(t *testing.T, contents string) (string, string) {
	tmpDir := testlib.MustTempDir(t)
	err := ioutil.WriteFile(tmpDir+"/empathd.toml", []byte(contents), 0600)
	if err != nil {
		t.Fatalf("Failed to write tmp config: %v", err)
	}

	return tmpDir, tmpDir + "/empathd.toml"
}

func TestEmptyConfig(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, `
dsn.enabled = false
`)
	defer testlib.RemoveIfOk(t, tmpDir)
	c, err := Load(path, "")
	if err != nil {
		t.Fatalf("error loading empty config: %v", err)
	}

	hostname, _ := os.Hostname()
	if c.Hostname == "" || c.Hostname != hostname {
		t.Errorf("invalid hostname %q, should be: %q", c.Hostname, hostname)
	}

	if c.Receiver.MaxMessageSize != defaultConfig.Receiver.MaxMessageSize {
		t.Errorf("max message size != default: %d", c.Receiver.MaxMessageSize)
	}

	if c.Delivery.MaxAttempts != 25 {
		t.Errorf("max attempts != 25: %d", c.Delivery.MaxAttempts)
	}

	testLogConfig(c)
}

func TestFullConfig(t *testing.T) {
	confStr := `
hostname = "joust"
data_dir = "/var/lib/joust"

[receiver]
bind_address = ":1234"
max_message_size = 26000000

[delivery]
max_attempts = 7

[dsn]
enabled = true
reporting_mta = "joust"
postmaster = "postmaster@joust"
`

	tmpDir, path := mustCreateConfig(t, confStr)
	defer testlib.RemoveIfOk(t, tmpDir)

	c, err := Load(path, "")
	if err != nil {
		t.Fatalf("error loading config: %v", err)
	}

	if c.Hostname != "joust" {
		t.Errorf("hostname %q != 'joust'", c.Hostname)
	}
	if c.Receiver.MaxMessageSize != 26000000 {
		t.Errorf("max message size != 26000000: %d", c.Receiver.MaxMessageSize)
	}
	if c.Receiver.BindAddress != ":1234" {
		t.Errorf("bind address %q != ':1234'", c.Receiver.BindAddress)
	}
	if c.Delivery.MaxAttempts != 7 {
		t.Errorf("max attempts != 7: %d", c.Delivery.MaxAttempts)
	}

	testLogConfig(c)
}

func TestOverridesLayer(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, `
[dsn]
enabled = true
postmaster = "postmaster@example.com"
`)
	defer testlib.RemoveIfOk(t, tmpDir)

	c, err := Load(path, `hostname = "override-host"`)
	if err != nil {
		t.Fatalf("error loading config with overrides: %v", err)
	}
	if c.Hostname != "override-host" {
		t.Errorf("hostname %q != 'override-host'", c.Hostname)
	}
}

func TestErrorLoading(t *testing.T) {
	_, err := Load("/does/not/exist", "")
	if err == nil {
		t.Fatal("loaded a non-existent config")
	}
}

func TestBrokenConfig(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, "this = is not [valid toml")
	defer testlib.RemoveIfOk(t, tmpDir)

	_, err := Load(path, "")
	if err == nil {
		t.Fatal("loaded an invalid config")
	}
}

func TestDsnEnabledWithoutPostmasterFails(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, `
[dsn]
enabled = true
`)
	defer testlib.RemoveIfOk(t, tmpDir)

	_, err := Load(path, "")
	if err == nil {
		t.Fatal("expected error when dsn.enabled without a postmaster")
	}
}

// Run LogConfig, overriding the default logger first. This exercises the
// code; we don't validate the output, but it is a useful sanity check.
func testLogConfig(c *Config) {
	l := log.New(nopWCloser{ioutil.Discard})
	log.Default = l
	LogConfig(c)
}

type nopWCloser struct {
	io.Writer
}

func (nopWCloser) Close() error { return nil }
