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

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// WatchEtcd watches key under an etcd cluster reachable at endpoints
// and pushes a freshly parsed ServerConfig to the returned channel on
// every update, until ctx is cancelled. A malformed update is logged
// and skipped rather than tearing the watch down.
func WatchEtcd(ctx context.Context, endpoints []string, key string) (<-chan *ServerConfig, error) {
	client, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, fmt.Errorf("config: connect to etcd: %w", err)
	}

	out := make(chan *ServerConfig)
	watchCh := client.Watch(ctx, key)

	go func() {
		defer close(out)
		defer client.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case rsp, ok := <-watchCh:
				if !ok {
					return
				}
				for _, ev := range rsp.Events {
					sc, err := parseEtcdValue(string(ev.Kv.Key), ev.Kv.Value)
					if err != nil {
						log.WithError(err).WithField("key", string(ev.Kv.Key)).Error("failed to parse etcd config update")
						continue
					}
					select {
					case out <- sc:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, nil
}

func parseEtcdValue(key string, value []byte) (*ServerConfig, error) {
	dir, err := os.MkdirTemp("", "bgp-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	tmpPath := filepath.Join(dir, filepath.Base(key))
	if err := os.WriteFile(tmpPath, value, 0600); err != nil {
		return nil, fmt.Errorf("write temp config: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(tmpPath)
	ext := filepath.Ext(tmpPath)
	if len(ext) > 1 {
		v.SetConfigType(ext[1:])
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var sc ServerConfig
	if err := v.Unmarshal(&sc); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if sc.Port == 0 {
		sc.Port = 179
	}
	return &sc, nil
}
