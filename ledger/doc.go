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

// Package ledger implements the coordinator's append-only audit store on
// SQLite, plus the cross-session key/value memory, the durable keyword
// reverse index, and the Librarian relevance search built on top of it.
//
// Every entry is stamped with the session id and an HMAC-SHA256 content
// signature (truncated to 128 bits) computed over the canonical subset
// (id, type, action, target). There is no update or delete operation:
// the only mutations the store exposes are inserts and the memory-fact
// access counter.
package ledger
