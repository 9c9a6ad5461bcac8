//go:build property
// +build property

// Package canonical_test contains property-based tests for canonical
// marshaling and hash-chain determinism.
package canonical_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/wardenlabs/warden/pkg/canonical"
)

// TestCanonicalDeterminism verifies Marshal(obj) is byte-identical across calls.
func TestCanonicalDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical encoding is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			b1, err1 := canonical.Marshal(obj)
			b2, err2 := canonical.Marshal(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestChainHashInjective verifies distinct prev hashes produce distinct links
// for the same payload.
func TestChainHashInjective(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("distinct prev yields distinct link", prop.ForAll(
		func(payload string, prevA string, prevB string) bool {
			if prevA == prevB {
				return true
			}
			b := []byte(payload)
			return canonical.ChainHash(b, prevA) != canonical.ChainHash(b, prevB)
		},
		gen.AlphaString(),
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
