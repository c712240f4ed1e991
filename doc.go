// Copyright 2021 The Matrix.org Foundation C.I.C.
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

// Package gcoap implements a single-endpoint CoAP (RFC 7252) request/response
// engine with the Observe extension (RFC 7641), aimed at constrained
// deployments: bounded slot tables instead of unbounded maps on the hot
// path, a single goroutine owning the UDP (or DTLS) socket, and exponential
// backoff retransmission of confirmable messages.
//
// The engine runs one event loop goroutine per Engine. Application code
// submits outbound requests via ReqSend/ReqSend2 from any other goroutine;
// resource handlers registered via RegisterListener are invoked on the
// engine's own goroutine and must not block.
package gcoap
