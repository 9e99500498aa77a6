// Command ntl-keygen generates a mirrored pair of registry files for one
// initiator and one responder: fresh P-256 key pairs, fresh characteristic
// identifiers, each file holding its own private key plus the other side's
// public material.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/nitelink/ntl-go/identity"
	"github.com/nitelink/ntl-go/internal/cmdutil"
	"github.com/nitelink/ntl-go/internal/securefile"
	ntlversion "github.com/nitelink/ntl-go/internal/version"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type ready struct {
	InitiatorFile string `json:"initiator_file"`
	ResponderFile string `json:"responder_file"`
	InitiatorID   uint32 `json:"initiator_id"`
	ResponderID   uint32 `json:"responder_id"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	outDir := cmdutil.EnvString("NTL_KEYGEN_OUT_DIR", ".")
	initiatorID, err := cmdutil.EnvUint32("NTL_INITIATOR_ID", 1)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	responderID, err := cmdutil.EnvUint32("NTL_RESPONDER_ID", 2)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	var overwrite bool

	fs := flag.NewFlagSet("ntl-keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.StringVar(&outDir, "out-dir", outDir, "output directory for registry files (env: NTL_KEYGEN_OUT_DIR)")
	initID := fs.Uint("initiator-id", uint(initiatorID), "initiator device id (env: NTL_INITIATOR_ID)")
	respID := fs.Uint("responder-id", uint(responderID), "responder device id (env: NTL_RESPONDER_ID)")
	fs.BoolVar(&overwrite, "overwrite", false, "overwrite existing files")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *showVersion {
		fmt.Fprintln(stdout, ntlversion.String(version, commit, date))
		return 0
	}
	if *initID > 0xFFFFFFFF || *respID > 0xFFFFFFFF || *initID == *respID {
		fmt.Fprintln(stderr, "device ids must be distinct uint32 values")
		return 2
	}

	if err := securefile.MkdirAllOwnerOnly(outDir); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	initFile := filepath.Join(outDir, "initiator.json")
	respFile := filepath.Join(outDir, "responder.json")
	for _, p := range []string{initFile, respFile} {
		if err := cmdutil.RefuseOverwrite(p, overwrite); err != nil {
			fmt.Fprintln(stderr, err)
			if cmdutil.IsUsage(err) {
				return 2
			}
			return 1
		}
	}

	initPriv, initPub, err := identity.GenerateKeyPair()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	respPriv, respPub, err := identity.GenerateKeyPair()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	svc := uuid.NewString()
	readChar := uuid.NewString()
	writeChar := uuid.NewString()

	initiator := identity.DeviceExport{
		DeviceID:      uint32(*initID),
		PrivateKeyB64: initPriv,
		PublicKeyB64:  initPub,
	}
	responder := identity.DeviceExport{
		DeviceID:      uint32(*respID),
		PrivateKeyB64: respPriv,
		PublicKeyB64:  respPub,
		ServiceUUID:   svc,
		ReadCharUUID:  readChar,
		WriteCharUUID: writeChar,
	}

	initDoc, err := identity.Export(initiator, []identity.DeviceExport{responder})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	respDoc, err := identity.Export(responder, []identity.DeviceExport{initiator})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := securefile.WriteFileAtomic(initFile, initDoc, 0o600); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := securefile.WriteFileAtomic(respFile, respDoc, 0o600); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	_ = cmdutil.WriteJSON(stdout, ready{
		InitiatorFile: initFile,
		ResponderFile: respFile,
		InitiatorID:   uint32(*initID),
		ResponderID:   uint32(*respID),
	}, true)
	return 0
}
