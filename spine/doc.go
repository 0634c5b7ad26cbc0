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

// Package spine is the coordinator's control plane. Every command from
// every transport funnels through Spine.Execute, which infers sensitivity,
// runs governance, resolves the turnstile, and only then routes to a limb.
// The package also owns the head/limb registry, inter-head mailboxes,
// workflows, consensus rounds, and session immune state.
package spine
