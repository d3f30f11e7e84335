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

package balancer

import "strings"

//nolint:gochecknoglobals
var registry = make(map[string]Builder)

// Register makes a policy available under its builder's name, folded to
// lower case. Policies call Register from an init function; it is not
// safe for use after initialization, and a later registration with the
// same name silently replaces the earlier one.
func Register(builder Builder) {
	registry[strings.ToLower(builder.Name())] = builder
}

// Get returns the builder registered under the given name
// (case-insensitive), or nil if none is registered.
func Get(name string) Builder {
	return registry[strings.ToLower(name)]
}
