package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docopt/docopt-go"
	"github.com/sirupsen/logrus"

	"github.com/caravel-store/caravel/internal/device"
	"github.com/caravel-store/caravel/internal/gateway"
	"github.com/caravel-store/caravel/internal/index"
	"github.com/caravel-store/caravel/internal/store"
	"github.com/caravel-store/caravel/internal/swarm"
	"github.com/caravel-store/caravel/internal/transport"
)

const usage = `caravel - content-addressed multi-device replicating data store.

Usage:
  caravel save <basedir> <file>... [--namespace=<ns>] [--devices=<n>] [--p2p]
  caravel get <basedir> <id> [--namespace=<ns>] [--out=<path>] [--devices=<n>] [--p2p]
  caravel sync <basedir> [--devices=<n>]
  caravel -h | --help

Options:
  --namespace=<ns>  Optional namespace suffix for item ids.
  --devices=<n>     Number of local devices [default: 2].
  --out=<path>      Write retrieved bytes to a file instead of stdout.
  --p2p             Attach the peer-to-peer overlay.
  -h --help         Show this help.`

func main() {
	opts, err := docopt.ParseDoc(usage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	baseDir, _ := opts.String("<basedir>")
	namespace, _ := opts.String("--namespace")
	nDevices, err := opts.Int("--devices")
	if err != nil || nDevices < 1 {
		fmt.Fprintln(os.Stderr, "Error: --devices must be a positive integer")
		os.Exit(1)
	}
	p2p, _ := opts.Bool("--p2p")

	st, closeAll, err := buildStore(baseDir, nDevices, p2p)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeAll()

	switch {
	case mustBool(opts, "save"):
		files, _ := opts["<file>"].([]string)
		if err := cmdSave(st, files, namespace); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case mustBool(opts, "get"):
		id, _ := opts.String("<id>")
		out, _ := opts.String("--out")
		if err := cmdGet(st, id, namespace, out); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case mustBool(opts, "sync"):
		if err := st.Sync(""); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

func mustBool(opts docopt.Opts, key string) bool {
	v, _ := opts.Bool(key)
	return v
}

// buildStore wires an index, N local devices, and optionally the
// peer-to-peer overlay (gateway + messenger + network index + network
// device) under one base directory.
func buildStore(baseDir string, nDevices int, p2p bool) (*store.DataStore, func(), error) {
	local, err := index.OpenLocal(baseDir)
	if err != nil {
		return nil, nil, err
	}

	var devices []device.Device
	for i := 0; i < nDevices; i++ {
		id := fmt.Sprintf("local-%d", i)
		devices = append(devices, device.NewLocal(id, filepath.Join(baseDir, id)))
	}

	var idx index.Index = local
	closers := []func(){func() { local.Close() }}

	if p2p {
		gw := gateway.New(gateway.Config{Namespace: "caravel"})
		if err := gw.Discover(); err != nil {
			logrus.WithError(err).Warn("no gateway; staying on the local network")
		}

		sw, err := swarm.Open(baseDir)
		if err != nil {
			return nil, nil, err
		}
		msgr, err := transport.NewMessenger(sw.LocalNode(), transport.Config{})
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { msgr.Close() })
		if err := sw.SetLocalPort(msgr.LocalPeer().Port); err != nil {
			return nil, nil, err
		}

		nidx, err := index.OpenNetwork(local, sw, msgr, gw)
		if err != nil {
			return nil, nil, err
		}
		idx = nidx

		p2pDev := device.NewLocal("p2p", filepath.Join(baseDir, "p2p"))
		ndev, err := device.NewNetwork(p2pDev, nidx, msgr, gw)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { ndev.Close() })
		devices = append(devices, ndev)
	}

	st := store.New(store.Config{
		Index:   idx,
		Devices: devices,
		OnError: func(err error, id, namespace, op string) {
			logrus.WithError(err).WithFields(logrus.Fields{
				"item": id,
				"op":   op,
			}).Warn("store error")
		},
	})

	closeAll := func() {
		st.Close()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return st, closeAll, nil
}

func cmdSave(st *store.DataStore, files []string, namespace string) error {
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		it, err := st.Save(f, namespace, map[string]any{"name": filepath.Base(path)})
		f.Close()
		if err != nil && it == nil {
			return err
		}
		if err != nil {
			logrus.WithError(err).WithField("item", it.ID).Warn("partial replication")
		}
		fmt.Printf("%s  %s\n", it.ID, path)
	}
	return nil
}

func cmdGet(st *store.DataStore, id, namespace, out string) error {
	it, err := st.Get(id, namespace)
	if err != nil {
		return err
	}
	src, err := it.Source()
	if err != nil {
		return err
	}
	defer src.Close()

	dst := io.Writer(os.Stdout)
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		dst = f
	}
	_, err = io.Copy(dst, src)
	return err
}
