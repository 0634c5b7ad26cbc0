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

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"hydra/coordinator/ledger"
	"hydra/coordinator/shared/logger"
)

// ConsensusRound is one Byzantine-fault-tolerant vote among heads. The
// quorum is ceil(2n/3) of the declared voter set, so up to one third of
// the heads can be faulty or hostile without swinging the outcome.
type ConsensusRound struct {
	ID        string          `json:"round_id"`
	Proposal  string          `json:"proposal"`
	Voters    int             `json:"voters"`
	Quorum    int             `json:"quorum"`
	Ballots   map[string]bool `json:"ballots"`
	Decided   bool            `json:"decided"`
	Approved  bool            `json:"approved"`
	StartedAt time.Time       `json:"started_at"`
}

// Consensus runs voting rounds and records outcomes to the ledger.
type Consensus struct {
	mu     sync.Mutex
	rounds map[string]*ConsensusRound
	ledger *ledger.Ledger
	log    *logger.Logger
}

// NewConsensus builds an empty consensus engine.
func NewConsensus(led *ledger.Ledger) *Consensus {
	return &Consensus{
		rounds: make(map[string]*ConsensusRound),
		ledger: led,
		log:    logger.New("consensus"),
	}
}

// Propose opens a round over the given proposal with a declared voter
// count and returns the round id.
func (c *Consensus) Propose(proposal string, voters int) (string, error) {
	if voters < 1 {
		return "", fmt.Errorf("%w: consensus requires at least one voter", ErrValidation)
	}
	round := &ConsensusRound{
		ID:        uuid.NewString(),
		Proposal:  proposal,
		Voters:    voters,
		Quorum:    (2*voters + 2) / 3, // ceil(2n/3)
		Ballots:   make(map[string]bool),
		StartedAt: time.Now().UTC(),
	}
	c.mu.Lock()
	c.rounds[round.ID] = round
	c.mu.Unlock()
	return round.ID, nil
}

// Vote casts a ballot. A head votes at most once per round; re-votes are
// rejected. When approvals or rejections reach quorum the round decides
// and a CONSENSUS entry is written.
func (c *Consensus) Vote(ctx context.Context, roundID, headID string, approve bool) (*ConsensusRound, error) {
	c.mu.Lock()
	round, ok := c.rounds[roundID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: consensus round %s", ErrNotAvailable, roundID)
	}
	if round.Decided {
		c.mu.Unlock()
		return round, nil
	}
	if _, voted := round.Ballots[headID]; voted {
		c.mu.Unlock()
		return nil, fmt.Errorf("head %s already voted in round %s", headID, roundID)
	}
	round.Ballots[headID] = approve

	approvals, rejections := 0, 0
	for _, a := range round.Ballots {
		if a {
			approvals++
		} else {
			rejections++
		}
	}
	justDecided := false
	if approvals >= round.Quorum {
		round.Decided = true
		round.Approved = true
		justDecided = true
	} else if rejections > round.Voters-round.Quorum {
		// Approval quorum is now unreachable.
		round.Decided = true
		round.Approved = false
		justDecided = true
	}
	snapshot := *round
	c.mu.Unlock()

	if justDecided {
		entry := &ledger.Entry{
			ID:        uuid.NewString(),
			EntryType: ledger.EntryConsensus,
			Action:    "consensus_decided",
			Target:    snapshot.Proposal,
			Decision:  map[bool]string{true: DecisionAllow, false: DecisionDeny}[snapshot.Approved],
			Payload: map[string]interface{}{
				"round_id":   snapshot.ID,
				"approvals":  approvals,
				"rejections": rejections,
				"quorum":     snapshot.Quorum,
				"voters":     snapshot.Voters,
			},
		}
		if err := c.ledger.Write(ctx, entry); err != nil {
			c.log.Warn("", "", "failed to ledger consensus outcome", map[string]interface{}{"error": err.Error()})
		}
		c.log.Info("", "", "consensus round decided", map[string]interface{}{
			"round_id": snapshot.ID, "approved": snapshot.Approved,
		})
	}
	return &snapshot, nil
}

// QuorumOK reports whether the round has decided with approval. An
// unknown round id reports false.
func (c *Consensus) QuorumOK(roundID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	round, ok := c.rounds[roundID]
	return ok && round.Decided && round.Approved
}

// Round returns a snapshot of a round, or nil.
func (c *Consensus) Round(roundID string) *ConsensusRound {
	c.mu.Lock()
	defer c.mu.Unlock()
	round, ok := c.rounds[roundID]
	if !ok {
		return nil
	}
	snapshot := *round
	return &snapshot
}
