// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"golang.org/x/crypto/ed25519"

	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/setup/config"
)

const usage = `Usage: %s

Generates the signing key the server needs to sign events.

Arguments:

`

var privateKeyPath = flag.String("private-key", "", "The path where the private key should be written")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *privateKeyPath == "" {
		flag.Usage()
		os.Exit(1)
	}
	if _, err := os.Stat(*privateKeyPath); err == nil {
		fmt.Printf("Skipping generation of %q: file already exists\n", *privateKeyPath)
		os.Exit(0)
	}

	var random [3]byte
	if _, err := rand.Read(random[:]); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate key ID: %s\n", err)
		os.Exit(1)
	}
	keyID := matrix.KeyID("ed25519:" + base64.RawStdEncoding.EncodeToString(random[:]))

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate signing key: %s\n", err)
		os.Exit(1)
	}
	if err = config.SaveMatrixKey(*privateKeyPath, keyID, privateKey); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write %q: %s\n", *privateKeyPath, err)
		os.Exit(1)
	}
	fmt.Printf("Created signing key %s in %s\n", keyID, *privateKeyPath)
}
