package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/assertions"

	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

const minimal = `
device:
  join_eui: 70B3D57ED00000DC
  dev_eui: 00AFEE7CF5ED6F1E
  nwk_key: B6B53F4A168A7A88BDF7EA135CE9CFCA
driver:
  server: 127.0.0.1:1700
  gateway_eui: 0102030405060708
`

func TestParseDefaults(t *testing.T) {
	a := New(t)

	cfg, err := Parse([]byte(minimal))
	a.So(err, ShouldBeNil)

	a.So(cfg.Device.MACVersion, ShouldEqual, "1.0.3")
	a.So(cfg.Device.AppKey, ShouldEqual, cfg.Device.NwkKey)
	a.So(cfg.Radio.SwitchMode, ShouldEqual, "internal-dio")
	a.So(cfg.Radio.Bus.Type, ShouldEqual, "none")
	a.So(cfg.Driver.Type, ShouldEqual, "semtech-udp")
	a.So(cfg.Driver.Band, ShouldEqual, "EU868")
	a.So(cfg.Uplink.Interval, ShouldEqual, 60*time.Second)
	a.So(cfg.Uplink.Payload, ShouldEqual, "48656C6C6F")
	a.So(cfg.Uplink.FPort, ShouldEqual, 1)
	a.So(cfg.Join.RetryInterval, ShouldEqual, time.Duration(0))
	a.So(cfg.Log.Level, ShouldEqual, "info")
	a.So(cfg.API.Port, ShouldEqual, 8090)

	payload, err := cfg.Uplink.PayloadBytes()
	a.So(err, ShouldBeNil)
	a.So(payload, ShouldResemble, []byte("Hello"))

	id, version, err := cfg.Device.Identity()
	a.So(err, ShouldBeNil)
	a.So(version, ShouldEqual, lorawan.MACVersion1_0_3)
	a.So(id.DevEUI.String(), ShouldEqual, "00afee7cf5ed6f1e")
	a.So(id.AppKey, ShouldResemble, id.NwkKey)
}

func TestParseRejects(t *testing.T) {
	a := New(t)

	t.Run("bad version", func(t *testing.T) {
		t.Setenv("NODE_MAC_VERSION", "1.2")
		_, err := Parse([]byte(minimal))
		New(t).So(err, ShouldNotBeNil)
	})
	t.Run("1.1 without database", func(t *testing.T) {
		t.Setenv("NODE_MAC_VERSION", "1.1")
		_, err := Parse([]byte(minimal))
		a := New(t)
		a.So(err, ShouldNotBeNil)
		a.So(err.Error(), ShouldContainSubstring, "database.dsn")

		_, err = Parse([]byte(minimal + "database:\n  dsn: postgres://localhost/node\n  session_key: 00112233445566778899AABBCCDDEEFF\n"))
		a.So(err, ShouldBeNil)
	})
	t.Run("short key", func(t *testing.T) {
		t.Setenv("NODE_APP_KEY", "0102")
		_, err := Parse([]byte(minimal))
		New(t).So(err, ShouldNotBeNil)
	})

	_, err := Parse([]byte(minimal + "database:\n  dsn: postgres://localhost/node\n"))
	a.So(err, ShouldNotBeNil)
	a.So(err.Error(), ShouldContainSubstring, "session_key")

	_, err = Parse([]byte(minimal + "radio:\n  bus:\n    type: serial\n"))
	a.So(err, ShouldNotBeNil)

	_, err = Parse([]byte(minimal + "unknown_section: 1\n"))
	a.So(err, ShouldNotBeNil)
}

func TestRetryBackoffDefault(t *testing.T) {
	a := New(t)

	cfg, err := Parse([]byte(minimal + "join:\n  retry_interval: 10s\n"))
	a.So(err, ShouldBeNil)
	a.So(cfg.Join.RetryMaxInterval, ShouldEqual, 320*time.Second)
}

func TestEnvOverrides(t *testing.T) {
	a := New(t)

	t.Setenv("NODE_MAC_VERSION", "1.1")
	t.Setenv("NODE_APP_KEY", "00112233445566778899AABBCCDDEEFF")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Parse([]byte(minimal))
	a.So(err, ShouldBeNil)
	a.So(cfg.Device.MACVersion, ShouldEqual, "1.1")
	a.So(cfg.Log.Level, ShouldEqual, "debug")

	_, version, err := cfg.Device.Identity()
	a.So(err, ShouldBeNil)
	a.So(version.Is11(), ShouldBeTrue)
}

func TestLoad(t *testing.T) {
	a := New(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	a.So(err, ShouldNotBeNil)

	path := filepath.Join(t.TempDir(), "node.yml")
	a.So(os.WriteFile(path, []byte(minimal), 0o600), ShouldBeNil)
	cfg, err := Load(path)
	a.So(err, ShouldBeNil)
	a.So(cfg.Driver.Server, ShouldEqual, "127.0.0.1:1700")
}

func TestMask(t *testing.T) {
	a := New(t)
	a.So(mask("B6B53F4A"), ShouldEqual, "B6B5****")
	a.So(mask("ab"), ShouldEqual, "****")
}
