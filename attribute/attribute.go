// Copyright 2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package attribute provides a type-safe container of custom attributes
// named Values. It is used in two places: to carry metadata on a resolved
// address, and as the bag of channel args that a channel hands to its
// load-balancing policy and that the policy in turn hands to each
// subchannel it creates.
//
// Attributes are declared using [NewKey] to create a strongly-typed key,
// and values are built with the key's Value method:
//
//	var (
//		Region = attribute.NewKey[string]()
//
//		Addr = resolver.Address{
//			HostPort:   "10.0.4.17:8443",
//			Attributes: attribute.NewValues(Region.Value("us-east1")),
//		}
//	)
//
// A policy can layer its own args on top of the ones it received using
// [Values.With]; the original Values is left untouched, so args can be
// shared freely between overlapping subchannel sets.
package attribute

// Values is an immutable collection of type-safe attribute values,
// mapping [Key] to value for any number of keys. The zero value is an
// empty collection.
type Values struct {
	data map[any]any
}

// NewValues creates a new Values holding the provided values. If the
// same key appears more than once, the last occurrence wins.
//
// Use this function in tandem with [Key.Value], like this:
//
//	var regionKey = attribute.NewKey[string]()
//	...
//	attribute.NewValues(regionKey.Value("us-west2"))
func NewValues(values ...Value) Values {
	data := make(map[any]any, len(values))
	for _, attr := range values {
		data[attr.key] = attr.value
	}
	return Values{data: data}
}

// With returns a copy of v with the given values added. Keys already
// present in v are overwritten by values given here. The receiver is
// not modified.
func (v Values) With(values ...Value) Values {
	data := make(map[any]any, len(v.data)+len(values))
	for key, value := range v.data {
		data[key] = value
	}
	for _, attr := range values {
		data[attr.key] = attr.value
	}
	return Values{data: data}
}

// Key is an attribute key. Applications should use NewKey to create
// a new key for each distinct attribute. The type T is the type of
// values this attribute can have.
type Key[T any] struct {
	// can't be empty or else pointers won't be distinct
	_ bool
}

// NewKey returns a new key that can have values of type T. Each call
// to NewKey results in a distinct attribute key, even if multiple are
// created for the same type. (Keys are identified by their address.)
func NewKey[T any]() *Key[T] {
	return new(Key[T])
}

// Value constructs a new attribute value, which can be passed to
// [NewValues] or [Values.With].
func (k *Key[T]) Value(value T) Value {
	return Value{key: k, value: value}
}

// Value is a single custom attribute, composed of a key and
// corresponding value.
type Value struct {
	key, value any
}

// GetValue retrieves a single value from the given Values. If the key is
// not present, the zero value and false are returned instead.
func GetValue[T any](values Values, key *Key[T]) (value T, ok bool) {
	val, ok := values.data[key]
	if !ok {
		var zero T
		return zero, false
	}
	tval, ok := val.(T)
	return tval, ok
}
