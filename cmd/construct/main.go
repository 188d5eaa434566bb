// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ed25519"

	"github.com/element-hq/construct/federationapi"
	"github.com/element-hq/construct/internal"
	"github.com/element-hq/construct/internal/caching"
	"github.com/element-hq/construct/internal/sqlutil"
	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver"
	"github.com/element-hq/construct/setup"
	"github.com/element-hq/construct/setup/jetstream"
	"github.com/element-hq/construct/setup/process"
)

var resetBlacklist = flag.Bool("reset-blacklist", false, "Forgets all blacklisted federation destinations on startup")

func main() {
	cfg := setup.ParseFlags()

	internal.SetupStdLogging()
	internal.SetupHookLogging(cfg.Logging)

	logrus.Infof("Construct version %s", internal.VersionString())

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			Environment:      cfg.Global.Sentry.Environment,
			ServerName:       cfg.Global.ServerName,
			Release:          "construct@" + internal.VersionString(),
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
		defer sentry.Flush(time.Second * 5)
	}

	processCtx := process.NewProcessContext()
	cm := sqlutil.NewConnectionManager(processCtx, cfg.Global.DatabaseOptions)
	natsInstance := &jetstream.NATSInstance{}
	caches := caching.NewRistrettoCache(
		cfg.Global.Cache.EstimatedMaxSize,
		cfg.Global.Cache.MaxAge,
		cfg.Global.Cache.EnablePrometheus,
	)

	rsAPI := roomserver.NewInternalAPI(processCtx, cfg, cm, natsInstance, caches, cfg.Global.Metrics.Enabled)

	// No federation transport is compiled into this binary, so the process
	// runs standalone: local rooms work, remote traffic stays disabled.
	if !cfg.Global.DisableFederation {
		logrus.Warn("No federation transport available, forcing standalone mode")
		cfg.Global.DisableFederation = true
	}

	// Trust our own signing identities so locally originated events verify.
	keyRing := &matrix.StaticKeyRing{
		PublicKeys: map[string]map[matrix.KeyID]ed25519.PublicKey{},
	}
	for _, identity := range cfg.Global.SigningIdentities() {
		keyRing.PublicKeys[identity.ServerName] = map[matrix.KeyID]ed25519.PublicKey{
			identity.KeyID: identity.PrivateKey.Public().(ed25519.PublicKey),
		}
	}

	fsAPI := federationapi.NewInternalAPI(
		processCtx, cfg, cm, natsInstance, nil, rsAPI, keyRing, *resetBlacklist,
	)
	rsAPI.SetFederationAPI(fsAPI, keyRing)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logrus.Warn("Shutdown signal received")

	processCtx.ShutdownConstruct()
	processCtx.WaitForComponentsToFinish()

	logrus.Warn("Construct is exiting now")
}
