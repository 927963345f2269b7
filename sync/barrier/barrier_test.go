// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package barrier

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExactlyOneLeaderPerGeneration(t *testing.T) {
	const n = 20
	b := New(n)

	var leaders int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if b.Wait() {
				atomic.AddInt32(&leaders, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, leaders)
}

func TestReleasesAllPartiesTogether(t *testing.T) {
	const n = 8
	b := New(n)

	var arrived int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		atomic.AddInt32(&arrived, 1)
		go func() {
			defer wg.Done()
			b.Wait()
			// by the time Wait returns for anyone, every party must
			// have already incremented arrived, since release happens
			// only after the last arrival.
			assert.EqualValues(t, n, atomic.LoadInt32(&arrived))
		}()
	}
	wg.Wait()
}

func TestReusableAcrossGenerations(t *testing.T) {
	const n = 4
	b := New(n)

	for gen := 0; gen < 3; gen++ {
		var wg sync.WaitGroup
		var leaders int32
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				if b.Wait() {
					atomic.AddInt32(&leaders, 1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, leaders, "generation %d", gen)
	}
}
