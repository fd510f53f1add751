// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

//go:build profile

// Command profile measures the cryptosystem and the membership filter.
//
// Usage:
//
//	go build -tags profile -o profile ./cmd/profile
//	./profile -cpu=cpu.prof -mem=mem.prof -iterations=100 -bits=1024
//
// Analyze profiles:
//
//	go tool pprof -http=:8080 cpu.prof
package main

import (
	"flag"
	"fmt"
	"math/big"
	"os"
	"runtime"
	"strconv"

	"github.com/luxfi/phe"
	"github.com/luxfi/phe/membership"
)

var (
	cpuProfile = flag.String("cpu", "", "write cpu profile to file")
	memProfile = flag.String("mem", "", "write memory profile to file")
	iterations = flag.Int("iterations", 100, "number of iterations for each operation")
	keyBits    = flag.Int("bits", 1024, "Paillier modulus size")
	operation  = flag.String("op", "all", "operation to profile: all, keygen, crypto, membership")
	members    = flag.Int("members", 10000, "keys inserted when measuring false positives")
)

func main() {
	flag.Parse()

	profiler := phe.NewProfiler(phe.ProfileConfig{CPUProfile: *cpuProfile, MemProfile: *memProfile})
	if err := profiler.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start profiler: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Running %d iterations of '%s'\n", *iterations, *operation)
	fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))

	var err error
	switch *operation {
	case "all":
		if err = profileKeyGen(); err == nil {
			if err = profileCrypto(); err == nil {
				err = profileMembership()
			}
		}
	case "keygen":
		err = profileKeyGen()
	case "crypto":
		err = profileCrypto()
	case "membership":
		err = profileMembership()
	default:
		err = fmt.Errorf("unknown operation: %s", *operation)
	}
	profiler.Stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	phe.PrintMemStats()
}

func params() phe.Parameters {
	p := phe.DefaultParameters
	p.KeyBits = *keyBits
	return p
}

func profileKeyGen() error {
	fmt.Println("\n=== Key Generation ===")
	n := *iterations / 20
	_, err := phe.Measure(fmt.Sprintf("KeyGen %d-bit", *keyBits), n, func() error {
		_, err := phe.NewCryptoContext(params())
		return err
	})
	return err
}

func profileCrypto() error {
	fmt.Println("\n=== Encrypt / Add / Decrypt ===")
	cc, err := phe.NewCryptoContext(params())
	if err != nil {
		return err
	}
	enc := phe.NewEncryptor(cc)
	eval := phe.NewEvaluator(cc)
	dec, err := phe.NewDecryptor(cc)
	if err != nil {
		return err
	}

	if _, err := phe.Measure("EncryptAmount", *iterations, func() error {
		_, err := enc.EncryptAmount(1234.567)
		return err
	}); err != nil {
		return err
	}

	a, err := enc.EncryptAmount(100)
	if err != nil {
		return err
	}
	b, err := enc.EncryptAmount(-25.5)
	if err != nil {
		return err
	}
	if _, err := phe.Measure("Add", *iterations, func() error {
		_, err := eval.Add(a, b)
		return err
	}); err != nil {
		return err
	}
	if _, err := phe.Measure("ScalarMultiply", *iterations, func() error {
		_, err := eval.ScalarMultiply(a, big.NewInt(7))
		return err
	}); err != nil {
		return err
	}

	sum, err := eval.Add(a, b)
	if err != nil {
		return err
	}
	var got float64
	if _, err := phe.Measure("DecryptSum", *iterations, func() error {
		got, err = dec.DecryptSum(sum)
		return err
	}); err != nil {
		return err
	}
	fmt.Printf("  100 + -25.5 = %v\n", got)
	return nil
}

func profileMembership() error {
	fmt.Println("\n=== Membership Filter ===")
	for _, family := range []membership.HashFamily{membership.SHA224, membership.BLAKE2b} {
		cfg := membership.DefaultConfig()
		cfg.Family = family
		f, err := membership.NewFilter(cfg)
		if err != nil {
			return err
		}
		i := 0
		if _, err := phe.Measure("Add "+family.String(), *members, func() error {
			err := f.Add("name", "member-"+strconv.Itoa(i))
			i++
			return err
		}); err != nil {
			return err
		}

		const probes = 10000
		fp := 0
		for j := 0; j < probes; j++ {
			if f.Lookup("name", "absent-"+strconv.Itoa(j)) {
				fp++
			}
		}
		st := f.Stats()
		fmt.Printf("  fill %.4f  estimated FP %.6f  observed FP %.6f\n",
			st.FillRatio, st.FalsePositive, float64(fp)/probes)
	}

	layered, err := membership.NewLayered(membership.DefaultLevels, membership.DefaultConfig())
	if err != nil {
		return err
	}
	for j := 0; j < *members; j++ {
		if err := layered.Add("name", "member-"+strconv.Itoa(j)); err != nil {
			return err
		}
	}
	fp := 0
	const probes = 10000
	for j := 0; j < probes; j++ {
		if layered.Lookup("name", "absent-"+strconv.Itoa(j)) {
			fp++
		}
	}
	fmt.Printf("  layered (%d levels) observed FP %.6f\n", layered.Levels(), float64(fp)/probes)
	return nil
}
