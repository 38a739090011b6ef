// Copyright 2026 The Probemap Authors
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

package probemap

import (
	"hash/maphash"
	"reflect"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/xxh3"
)

// StringHash hashes a string key with xxh3. It is the default hash function
// for maps whose key type is a string.
func StringHash(key *string, seed uintptr) uintptr {
	return uintptr(xxh3.HashStringSeed(*key, uint64(seed)))
}

// XXHashString hashes a string key with xxHash64 seeded with seed.
func XXHashString(key *string, seed uintptr) uintptr {
	if seed == 0 {
		return uintptr(xxhash.Sum64String(*key))
	}
	var d xxhash.Digest
	d.ResetWithSeed(uint64(seed))
	_, _ = d.WriteString(*key)
	return uintptr(d.Sum64())
}

// mix is the splitmix64 finalizer.
func mix(x uint64) uint64 {
	if x == 0 {
		return 0
	}
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// defaultHash returns the hash function a Map[K,V] uses when none is
// specified. Keys whose underlying type is string are hashed with xxh3; every
// other comparable key goes through hash/maphash with a seed chosen once per
// map.
func defaultHash[K comparable]() func(key *K, seed uintptr) uintptr {
	if reflect.TypeFor[K]().Kind() == reflect.String {
		// K has the same memory layout as string.
		hash := StringHash
		return *(*func(key *K, seed uintptr) uintptr)(unsafe.Pointer(&hash))
	}

	ms := maphash.MakeSeed()
	return func(key *K, seed uintptr) uintptr {
		return uintptr(maphash.Comparable(ms, *key) ^ mix(uint64(seed)))
	}
}
