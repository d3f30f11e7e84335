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

// Package balancer defines the contract between an RPC channel and its
// load-balancing policy. A policy receives resolver updates, decides
// which subchannels to create and connect, and publishes the channel's
// aggregate connectivity state together with a picker through the
// ControlHelper. Policies register themselves by name; a channel looks
// its configured policy up in the registry and builds one instance per
// channel.
//
// Channel is the production assembly of those contracts: it pairs a
// resolver task and a subchannel pool with one policy, feeding
// resolution results in and publishing state and pickers out for Pick
// to consult.
//
// All policy entry points and all subchannel connectivity notifications
// run on a single executor supplied at build time, so policy
// implementations are written as plain single-threaded code with no
// internal locking.
package balancer
