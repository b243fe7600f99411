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

// Package config loads the speaker configuration:
// ServerConfig/PeerConfig through Viper, with defaults applied for
// every field callers may omit.
package config

import (
	"fmt"
	"net"

	"github.com/spf13/viper"

	"github.com/lucazulian/bgp/fsm"
)

// PeerConfig is the on-disk/etcd shape of one peer entry; Resolve
// converts it into the fsm.PeerConfig the core actually consumes.
type PeerConfig struct {
	ASN                     uint32 `mapstructure:"asn"`
	BGPID                   string `mapstructure:"bgp_id"`
	Host                    string `mapstructure:"host"`
	Port                    uint16 `mapstructure:"port"`
	Mode                    string `mapstructure:"mode"`
	Automatic               *bool  `mapstructure:"automatic"`
	ConnectRetrySeconds     int    `mapstructure:"connect_retry_seconds"`
	HoldTimeSeconds         int    `mapstructure:"hold_time_seconds"`
	KeepAliveSeconds        int    `mapstructure:"keep_alive_seconds"`
	DelayOpenEnabled        *bool  `mapstructure:"delay_open_enabled"`
	DelayOpenSeconds        int    `mapstructure:"delay_open_seconds"`
	ASOriginationSeconds    int    `mapstructure:"as_origination_seconds"`
	RouteAdvertisementSecs  int    `mapstructure:"route_advertisement_seconds"`
	NotificationWithoutOpen *bool  `mapstructure:"notification_without_open"`
}

// ServerConfig is the on-disk/etcd shape of the whole speaker
// configuration.
type ServerConfig struct {
	ASN      uint32       `mapstructure:"asn"`
	BGPID    string       `mapstructure:"bgp_id"`
	Networks []string     `mapstructure:"networks"`
	Port     uint16       `mapstructure:"port"`
	Peers    []PeerConfig `mapstructure:"peers"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func intOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// Resolve converts a wire PeerConfig into an fsm.PeerConfig, filling
// in every field the caller left at its zero value with its protocol
// default.
func (p PeerConfig) Resolve() (fsm.PeerConfig, error) {
	out := fsm.DefaultPeerConfig()

	if p.ASN != 0 {
		out.ASN = p.ASN
	}
	if p.BGPID != "" {
		id := net.ParseIP(p.BGPID).To4()
		if id == nil {
			return fsm.PeerConfig{}, fmt.Errorf("config: invalid peer bgp_id %q", p.BGPID)
		}
		out.BGPID = id
	}
	out.Host = p.Host
	out.Port = uint16(intOr(int(p.Port), int(out.Port)))

	switch p.Mode {
	case "", "active":
		out.Mode = fsm.ModeActive
	case "passive":
		out.Mode = fsm.ModePassive
	default:
		return fsm.PeerConfig{}, fmt.Errorf("config: invalid peer mode %q", p.Mode)
	}

	out.Automatic = boolOr(p.Automatic, out.Automatic)
	out.ConnectRetrySeconds = intOr(p.ConnectRetrySeconds, out.ConnectRetrySeconds)
	out.HoldTimeSeconds = intOr(p.HoldTimeSeconds, out.HoldTimeSeconds)
	out.KeepAliveSeconds = intOr(p.KeepAliveSeconds, out.KeepAliveSeconds)
	out.DelayOpen.Enabled = boolOr(p.DelayOpenEnabled, out.DelayOpen.Enabled)
	out.DelayOpen.Seconds = intOr(p.DelayOpenSeconds, out.DelayOpen.Seconds)
	out.ASOriginationSeconds = intOr(p.ASOriginationSeconds, out.ASOriginationSeconds)
	out.RouteAdvertisementSecs = intOr(p.RouteAdvertisementSecs, out.RouteAdvertisementSecs)
	out.NotificationWithoutOpen = boolOr(p.NotificationWithoutOpen, out.NotificationWithoutOpen)

	return out, nil
}

// Load reads a ServerConfig from path via Viper, inferring the file
// format from its extension the same way WatchEtcd does for an
// etcd-delivered snapshot.
func Load(path string) (*ServerConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var sc ServerConfig
	if err := v.Unmarshal(&sc); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	if sc.Port == 0 {
		sc.Port = 179
	}
	return &sc, nil
}
