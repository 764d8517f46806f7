// Copyright 2023 The gnatmq-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package main is the entrypoint for the gnatmq-go broker.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/turtacn/gnatmq-go/pkg/broker"
	"github.com/turtacn/gnatmq-go/pkg/config"
	"github.com/turtacn/gnatmq-go/pkg/inflight"
	"github.com/turtacn/gnatmq-go/pkg/metrics"
	"github.com/turtacn/gnatmq-go/pkg/retainer"
	"github.com/turtacn/gnatmq-go/pkg/storage"
	badgerstore "github.com/turtacn/gnatmq-go/pkg/storage/badger"
	"github.com/turtacn/gnatmq-go/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to broker configuration file (.yaml or .json)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	bc := cfg.Broker

	log.Printf("Starting gnatmq-go broker (node: %s)...", bc.NodeID)

	var store storage.Store
	switch bc.Storage.Backend {
	case "badger":
		store, err = badgerstore.Open(bc.Storage.Dir)
		if err != nil {
			log.Fatalf("Failed to open badger store at %s: %v", bc.Storage.Dir, err)
		}
	default:
		store = storage.NewMemStore()
	}
	defer store.Close()

	b := broker.New(bc.NodeID, store, broker.Options{
		Inflight: inflight.Config{
			RetryTimeout: bc.Inflight.RetryInterval(),
			MaxRetries:   bc.Inflight.MaxRetries,
			MaxInflight:  bc.Inflight.MaxInflight,
		},
		MaxOfflineMessages: bc.MaxOfflineMessages,
		Retainer: &retainer.Config{
			MaxPayloadSize:      bc.MaxRetainedPayload,
			MaxRetainedMessages: bc.MaxRetainedMessages,
		},
	})

	tcpServer := transport.NewServer(b)
	if err := tcpServer.Start(bc.TCPAddr); err != nil {
		log.Fatalf("Failed to start TCP server: %v", err)
	}

	var wsServer *transport.WSServer
	if bc.WSAddr != "" {
		wsServer = transport.NewWSServer(b)
		if err := wsServer.Start(bc.WSAddr); err != nil {
			log.Fatalf("Failed to start WebSocket server: %v", err)
		}
	}

	if bc.MetricsAddr != "" {
		go metrics.Serve(bc.MetricsAddr)
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	<-shutdownChan

	log.Println("Shutdown signal received. Shutting down...")
	tcpServer.Stop()
	if wsServer != nil {
		wsServer.Stop()
	}
	b.Shutdown()
}
