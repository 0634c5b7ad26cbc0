// Copyright 2025 AxonFlow
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

// Package limb defines the execution backend contract the coordinator
// routes authorized commands to, plus the reference backends: terminal
// (shell via os/exec), api (HTTP client), and single- and multi-tab
// browser state machines. Production browser drivers plug in behind the
// same Limb interface.
package limb
