package main

import (
	"fmt"
	"time"

	"github.com/ham-lab-isu/K2craft/internal/config"
	"github.com/ham-lab-isu/K2craft/internal/mirror"
	"github.com/ham-lab-isu/K2craft/internal/outputs"
	"github.com/ham-lab-isu/K2craft/internal/panel"
	"github.com/ham-lab-isu/K2craft/internal/station"
	"github.com/ham-lab-isu/K2craft/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// app is a running station: transport, bridge, panel and their stores.
type app struct {
	tr      transport.Transport
	station *station.Station
	panel   *panel.Panel
	store   *outputs.Store
	mirror  mirror.Publisher
}

// openApp wires the station together from cfg and starts it.
func openApp(cfg *config.Config) (*app, error) {
	layout, err := cfg.Layout()
	if err != nil {
		return nil, err
	}
	store, err := outputs.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	var pub mirror.Publisher = mirror.Nop{}
	if mc, ok := cfg.MirrorConfig(); ok {
		m, err := mirror.NewMQTT(mc)
		if err != nil {
			log.Warn("mirror disabled", "broker", mc.Broker, "err", err)
		} else {
			pub = m
		}
	}

	tr, err := transport.NewTCP(cfg.TCPConfig())
	if err != nil {
		pub.Close()
		store.Close()
		return nil, err
	}
	a, err := newApp(tr, layout, store, pub)
	if err != nil {
		pub.Close()
		store.Close()
		return nil, err
	}
	return a, nil
}

// newApp builds the station on top of tr and starts it. store may be nil.
func newApp(tr transport.Transport, layout panel.Layout, store *outputs.Store, pub mirror.Publisher) (*app, error) {
	st, err := station.New(station.Config{Transport: tr, Mirror: pub})
	if err != nil {
		return nil, err
	}
	pcfg := panel.Config{Layout: layout, Sender: st, Mirror: pub}
	if store != nil {
		pcfg.Journal = store
	}
	p, err := panel.New(pcfg)
	if err != nil {
		return nil, err
	}

	st.OnReceive(p.Receive)
	st.OnPeerOpened(func(peer station.Peer) {
		if err := p.Replay(); err != nil {
			log.Warn("replay to new controller failed", "peer", peer, "err", err)
		}
	})
	if err := st.Start(); err != nil {
		return nil, err
	}
	// No controller is connected yet; the latched pins go out again on the
	// first connect.
	p.AssertLatched() //nolint:errcheck

	return &app{tr: tr, station: st, panel: p, store: store, mirror: pub}, nil
}

// Close shuts the station down and closes its stores.
func (a *app) Close() error {
	a.station.Shutdown()
	select {
	case <-a.station.Done():
	case <-time.After(shutdownTimeout):
		log.Warn("station did not stop in time")
	}
	if err := a.mirror.Close(); err != nil {
		log.Warn("mirror close", "err", err)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			return fmt.Errorf("close outputs journal: %w", err)
		}
	}
	return nil
}
