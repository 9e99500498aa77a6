// Command ntl-harness runs both protocol roles in-process over the loopback
// fabric: it generates a throwaway registry pair, feeds the responder one
// scripted fix, and exits 0 once the responder validates a record.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nitelink/ntl-go/identity"
	"github.com/nitelink/ntl-go/initiator"
	"github.com/nitelink/ntl-go/responder"
	"github.com/nitelink/ntl-go/transport/loopback"
	"github.com/nitelink/ntl-go/wire"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("ntl-harness", flag.ContinueOnError)
	fs.SetOutput(stderr)
	timeout := fs.Duration("timeout", 10*time.Second, "give up after this long")
	debug := fs.Bool("debug", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	log := zap.NewNop()
	if *debug {
		l, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		log = l
		defer func() { _ = log.Sync() }()
	}

	initReg, respReg, err := buildRegistries()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	fab := loopback.NewFabric()
	initPort := fab.NewPort("initiator")
	respPort := fab.NewPort("responder")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	validated := make(chan wire.SensorRecord, 1)
	sink := responder.SinkFunc(func(rec wire.SensorRecord, from uint32) error {
		select {
		case validated <- rec:
		default:
		}
		return nil
	})

	respCfg := responder.DefaultConfig()
	respCfg.ResumeDelay = 50 * time.Millisecond
	respEng := responder.New(respReg, respPort, sink, respCfg,
		responder.WithLogger(log.Named("responder")))

	initCfg := initiator.DefaultConfig()
	initCfg.RetryCooldown = 100 * time.Millisecond
	initEng := initiator.New(initReg, initPort, initCfg,
		initiator.WithLogger(log.Named("initiator")))

	go func() { _ = respEng.Run(ctx) }()
	go func() { _ = initEng.Run(ctx) }()
	defer func() {
		cancel()
		_ = initEng.Close()
		_ = respEng.Close()
	}()

	respEng.UpdateFix(1000, -450000, 1700000)

	select {
	case rec := <-validated:
		fmt.Printf("validated record: epoch=%d lat_e4=%d lon_e4=%d\n",
			rec.EpochSeconds, rec.LatitudeE4, rec.LongitudeE4)
		return 0
	case <-ctx.Done():
		fmt.Fprintln(stderr, "timed out before a record was validated")
		return 1
	}
}

// buildRegistries returns mirrored in-memory registries for one initiator
// (id 1) and one responder (id 2).
func buildRegistries() (*identity.Registry, *identity.Registry, error) {
	initPrivB64, initPubB64, err := identity.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	respPrivB64, respPubB64, err := identity.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	initPriv, err := identity.ParsePrivateKey(initPrivB64)
	if err != nil {
		return nil, nil, err
	}
	initPub, err := identity.ParsePublicKey(initPubB64)
	if err != nil {
		return nil, nil, err
	}
	respPriv, err := identity.ParsePrivateKey(respPrivB64)
	if err != nil {
		return nil, nil, err
	}
	respPub, err := identity.ParsePublicKey(respPubB64)
	if err != nil {
		return nil, nil, err
	}
	svc, readChar, writeChar := uuid.New(), uuid.New(), uuid.New()

	respInfo := identity.DeviceInfo{
		DeviceID:      2,
		PublicKey:     respPub,
		ServiceUUID:   svc,
		ReadCharUUID:  readChar,
		WriteCharUUID: writeChar,
	}
	initSelf := identity.DeviceInfo{DeviceID: 1, PrivateKey: initPriv, PublicKey: initPub}
	initReg, err := identity.New(initSelf, []identity.DeviceInfo{respInfo})
	if err != nil {
		return nil, nil, err
	}

	respSelf := respInfo
	respSelf.PrivateKey = respPriv
	initInfo := identity.DeviceInfo{DeviceID: 1, PublicKey: initPub}
	respReg, err := identity.New(respSelf, []identity.DeviceInfo{initInfo})
	if err != nil {
		return nil, nil, err
	}
	return initReg, respReg, nil
}
