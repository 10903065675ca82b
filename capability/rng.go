// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"encoding/binary"
	"math/rand/v2"

	"github.com/zeebo/blake3"
)

// rngDomainKey separates RNG seed derivation from every other hash
// domain in the runtime. ASCII name zero-padded to 32 bytes.
var rngDomainKey = [32]byte{
	't', 'e', 's', 's', 'e', 'r', 'a', '.', 'r', 'n', 'g', '.',
	's', 'e', 'e', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// scopedRNG derives the deterministic random source activated for one
// plugin's call frames. The seed hashes the run seed together with
// the plugin id, so two plugins in the same run draw independent
// sequences and the same plugin reproduces its sequence across runs
// with the same run seed.
func scopedRNG(runSeed []byte, pluginID string) *rand.Rand {
	hasher, err := blake3.NewKeyed(rngDomainKey[:])
	if err != nil {
		panic("capability: blake3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(runSeed)
	hasher.Write([]byte{0})
	hasher.Write([]byte(pluginID))
	digest := hasher.Sum(nil)

	return rand.New(rand.NewPCG(
		binary.LittleEndian.Uint64(digest[0:8]),
		binary.LittleEndian.Uint64(digest[8:16]),
	))
}
