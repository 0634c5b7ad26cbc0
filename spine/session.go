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

package spine

import "sync"

// sessionState holds the scalars that evolve across requests within one
// coordinator session. The turnstile resolver stays pure; this is the only
// place the antibody load and membrane stress are mutated.
type sessionState struct {
	mu             sync.Mutex
	antibodyLoad   float64
	membraneStress float64
	quarantines    int
	denials        int
}

func (s *sessionState) snapshot() (load, stress float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.antibodyLoad, s.membraneStress
}

// apply folds a turnstile outcome back into the session scalars and counts
// adverse decisions.
func (s *sessionState) apply(decision string, outcome TurnstileOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.antibodyLoad = outcome.AntibodyLoad
	s.membraneStress = outcome.MembraneStress
	switch decision {
	case DecisionQuarantine:
		s.quarantines++
	case DecisionDeny:
		s.denials++
	}
}

func (s *sessionState) counters() (quarantines, denials int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quarantines, s.denials
}
