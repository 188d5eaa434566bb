// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"crypto/tls"
	"strings"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/construct/setup/config"
	"github.com/element-hq/construct/setup/process"
)

// NATSInstance contains the embedded NATS server, if one is running, and is
// shared across the whole process so that Prepare is idempotent.
type NATSInstance struct {
	*natsserver.Server
	nc *natsclient.Conn
	js natsclient.JetStreamContext
	sync.Mutex
}

var natsLock sync.Mutex

// Prepare starts the embedded NATS server if no external addresses were
// configured, connects to it and ensures that all of the streams exist.
func (s *NATSInstance) Prepare(process *process.ProcessContext, cfg *config.JetStream) (natsclient.JetStreamContext, *natsclient.Conn) {
	natsLock.Lock()
	defer natsLock.Unlock()
	// check if we need an in-process NATS Server
	if len(cfg.Addresses) != 0 {
		// reuse existing connections
		if s.nc != nil {
			return s.js, s.nc
		}
		js, nc := setupNATS(process, cfg, nil)
		s.js = js
		s.nc = nc
		return js, nc
	}
	if s.Server == nil {
		opts := &natsserver.Options{
			ServerName:      "construct",
			DontListen:      true,
			JetStream:       true,
			StoreDir:        string(cfg.StoragePath),
			NoSystemAccount: true,
			MaxPayload:      16 * 1024 * 1024,
			NoSigs:          true,
			NoLog:           cfg.NoLog,
			SyncAlways:      true,
		}
		server, err := natsserver.NewServer(opts)
		if err != nil {
			panic(err)
		}
		if !cfg.NoLog {
			server.SetLogger(NewLogAdapter(), opts.Debug, opts.Trace)
		}
		go func() {
			process.ComponentStarted()
			server.Start()
		}()
		if !server.ReadyForConnections(time.Second * 60) {
			logrus.Fatalln("NATS did not start in time")
		}
		// reuse the same NATS server across all prepare calls
		s.Server = server
		go func(server *natsserver.Server) {
			<-process.WaitForShutdown()
			server.Shutdown()
			server.WaitForShutdown()
			process.ComponentFinished()
		}(server)
	}
	if s.nc == nil {
		nc, err := natsclient.Connect("", natsclient.InProcessServer(s))
		if err != nil {
			logrus.Fatalln("Failed to create NATS client")
		}
		js, _ := setupNATS(process, cfg, nc)
		s.js = js
		s.nc = nc
	}
	return s.js, s.nc
}

// nolint:gocyclo
func setupNATS(process *process.ProcessContext, cfg *config.JetStream, nc *natsclient.Conn) (natsclient.JetStreamContext, *natsclient.Conn) {
	if nc == nil {
		var err error
		opts := []natsclient.Option{}
		if cfg.DisableTLSValidation {
			opts = append(opts, natsclient.Secure(&tls.Config{
				InsecureSkipVerify: true, // nolint:gosec
			}))
		}
		nc, err = natsclient.Connect(strings.Join(cfg.Addresses, ","), opts...)
		if err != nil {
			logrus.WithError(err).Panic("Unable to connect to NATS")
			return nil, nil
		}
	}

	js, err := nc.JetStream()
	if err != nil {
		logrus.WithError(err).Panic("Unable to get JetStream context")
		return nil, nil
	}

	for _, stream := range streams { // streams are defined in streams.go
		name := cfg.Prefixed(stream.Name)
		info, err := js.StreamInfo(name)
		if err != nil && err != natsclient.ErrStreamNotFound {
			logrus.WithError(err).Fatal("Unable to get stream info")
		}
		subjects := stream.Subjects
		if len(subjects) == 0 {
			// By default we want each stream to listen for the subjects
			// that are either an exact match for the stream name, or where
			// the first part of the subject is the stream name.
			subjects = []string{name, name + ".>"}
		}
		if info != nil {
			// If the stream config doesn't match what we expect, try to
			// update it to bring it into line.
			switch {
			case info.Config.Retention != stream.Retention:
				fallthrough
			case info.Config.Storage != stream.Storage:
				fallthrough
			case !subjectsMatch(info.Config.Subjects, subjects):
				namespaced := *stream
				namespaced.Name = name
				namespaced.Subjects = subjects
				if _, err = js.UpdateStream(&namespaced); err != nil {
					logrus.WithError(err).WithField("stream", name).Warn("Unable to update stream, recreating...")
					if err = js.DeleteStream(name); err != nil {
						logrus.WithError(err).WithField("stream", name).Fatal("Unable to delete stream")
					}
					info = nil
				}
			}
		}
		if info == nil {
			// Namespace the streams without modifying the originals, as
			// the stream configs are shared across all of the virtual hosts.
			namespaced := *stream
			namespaced.Name = name
			namespaced.Subjects = subjects
			if cfg.InMemory {
				namespaced.Storage = natsclient.MemoryStorage
			}
			if _, err = js.AddStream(&namespaced); err != nil {
				logrus.WithError(err).WithField("stream", name).Fatal("Unable to add stream")
			}
		}
	}

	return js, nc
}

func subjectsMatch(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
