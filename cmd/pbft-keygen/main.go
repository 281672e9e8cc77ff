// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// pbft-keygen writes Ed25519 key pairs of nodes and clients to a JSON file read by pbftd
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/myl7/pbft-smr/internal/keyfile"
)

func main() {
	n := flag.Int("n", 4, "the number of nodes")
	clients := flag.Int("clients", 1, "the number of clients")
	out := flag.String("out", "keys.json", "the output file")
	flag.Parse()
	if *n < 1 || *clients < 0 {
		fmt.Fprintln(os.Stderr, "invalid n or clients")
		os.Exit(2)
	}

	kf, err := keyfile.Generate(*n, *clients)
	if err == nil {
		err = kf.Save(*out)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d node and %d client key pairs to %s\n", len(kf.Nodes), len(kf.Clients), *out)
}
