// Copyright (C) 2014 Nippon Telegraph and Telephone Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command bgpd is the thin wiring entrypoint: it loads a ServerConfig,
// builds the shared registries, and starts one listener.Listener plus
// one session.Session per configured peer.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/lucazulian/bgp/config"
	"github.com/lucazulian/bgp/fsm"
	"github.com/lucazulian/bgp/listener"
	"github.com/lucazulian/bgp/peerhandle"
	"github.com/lucazulian/bgp/rde"
	"github.com/lucazulian/bgp/registry"
	"github.com/lucazulian/bgp/session"
	"github.com/lucazulian/bgp/transport"
)

func main() {
	configPath := flag.String("config", "/etc/bgpd/bgpd.yaml", "path to the server configuration file")
	serverName := flag.String("server", "default", "logical server name used as the registry key prefix")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{})

	if err := run(*serverName, *configPath); err != nil {
		log.WithError(err).Fatal("bgpd exited")
	}
}

func run(serverName, configPath string) error {
	sc, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	localBGPID := net.ParseIP(sc.BGPID).To4()
	if localBGPID == nil {
		return fmt.Errorf("invalid server bgp_id %q", sc.BGPID)
	}

	peers := make(map[string]fsm.PeerConfig, len(sc.Peers))
	for _, wire := range sc.Peers {
		resolved, err := wire.Resolve()
		if err != nil {
			return fmt.Errorf("resolve peer %s: %w", wire.Host, err)
		}
		peers[resolved.Host] = resolved
	}

	sessions := registry.New[peerhandle.Peer]()
	listeners := registry.New[peerhandle.Peer]()
	processor := rde.Discard{}
	connector := transport.NewTCP()

	lookup := func(remoteHost string) (fsm.PeerConfig, bool) {
		p, ok := peers[remoteHost]
		return p, ok
	}

	ln := listener.New(serverName, sc.ASN, localBGPID, lookup, processor, sessions, listeners)
	if err := ln.Serve(fmt.Sprintf(":%d", sc.Port)); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	defer ln.Stop()

	var active []*session.Session
	for _, peer := range peers {
		s := session.New(serverName, sc.ASN, localBGPID, peer, connector, processor, sessions, listeners)
		if err := s.Start(); err != nil {
			log.WithError(err).WithField("peer", peer.Host).Error("failed to start session")
			continue
		}
		active = append(active, s)
	}

	log.WithFields(log.Fields{"server": serverName, "peers": len(active)}).Info("bgpd running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	for _, s := range active {
		s.Stop()
	}
	return nil
}
