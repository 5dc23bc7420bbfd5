package main

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/assertions"

	"github.com/lorawan-server/lorawan-node/internal/config"
	"github.com/lorawan-server/lorawan-node/internal/node"
)

const dryRun = `
device:
  join_eui: 70B3D57ED00000DC
  dev_eui: 00AFEE7CF5ED6F1E
  nwk_key: B6B53F4A168A7A88BDF7EA135CE9CFCA
radio:
  dry_run: true
driver:
  server: 127.0.0.1:99999
  gateway_eui: 0102030405060708
`

func TestRunReturnsOnHalt(t *testing.T) {
	a := New(t)

	cfg, err := config.Parse([]byte(dryRun))
	a.So(err, ShouldBeNil)

	// An unreachable network server fails radio init, which halts the
	// node. run hands the error back instead of exiting.
	done := make(chan error, 1)
	go func() { done <- run(context.Background(), cfg) }()

	select {
	case err := <-done:
		a.So(errors.Is(err, node.ErrHalted), ShouldBeTrue)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after the node halted")
	}
}

func TestRunRejectsBadDriverConfig(t *testing.T) {
	a := New(t)

	cfg, err := config.Parse([]byte(dryRun))
	a.So(err, ShouldBeNil)
	cfg.Driver.Band = "XX000"

	err = run(context.Background(), cfg)
	a.So(err, ShouldNotBeNil)
	a.So(errors.Is(err, node.ErrHalted), ShouldBeFalse)
}
