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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// NewRouter mounts the coordinator's HTTP surface. wsHandler serves /ws
// when non-nil; gatherer backs /metrics when non-nil.
func NewRouter(s *Spine, wsHandler http.Handler, gatherer prometheus.Gatherer) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/api/execute", s.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	if wsHandler != nil {
		r.Handle("/ws", wsHandler)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Head-ID"},
	})
	return c.Handler(r)
}

func (s *Spine) handleHealthz(w http.ResponseWriter, r *http.Request) {
	load, stress := s.SessionScalars()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"session_id":      s.ledger.SessionID(),
		"heads":           len(s.registry.Heads()),
		"limbs":           len(s.registry.Limbs()),
		"antibody_load":   load,
		"membrane_stress": stress,
	})
}

func (s *Spine) handleExecute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "failed to read body"})
		return
	}
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": fmt.Sprintf("malformed command: %v", err)})
		return
	}
	if cmd.HeadID == "" {
		cmd.HeadID = r.Header.Get("X-Head-ID")
	}
	res := s.Execute(r.Context(), &cmd)
	writeJSON(w, http.StatusOK, res)
}

func (s *Spine) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": fmt.Sprintf("storage error: %v", err)})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// StatusReport summarizes the live session for the status verb.
type StatusReport struct {
	SessionID      string            `json:"session_id"`
	Heads          []*Head           `json:"heads"`
	Limbs          []LimbStatus      `json:"limbs"`
	AntibodyLoad   float64           `json:"antibody_load"`
	MembraneStress float64           `json:"membrane_stress"`
	Counters       map[string]int64  `json:"counters"`
	Workflows      map[string]string `json:"workflows"`
}

// LimbStatus is a serializable view of an attached limb.
type LimbStatus struct {
	ID          string `json:"limb_id"`
	Type        string `json:"limb_type"`
	Active      bool   `json:"active"`
	ActionCount int64  `json:"action_count"`
}

// Status snapshots the session.
func (s *Spine) Status() *StatusReport {
	load, stress := s.session.snapshot()
	quarantines, denials := s.session.counters()

	limbs := make([]LimbStatus, 0)
	for _, l := range s.registry.Limbs() {
		limbs = append(limbs, LimbStatus{
			ID:          l.ID(),
			Type:        l.Type(),
			Active:      l.Active(),
			ActionCount: l.ActionCount(),
		})
	}
	workflows := make(map[string]string)
	for _, w := range s.workflows.list() {
		workflows[w.ID] = w.Status
	}
	return &StatusReport{
		SessionID:      s.ledger.SessionID(),
		Heads:          s.registry.Heads(),
		Limbs:          limbs,
		AntibodyLoad:   load,
		MembraneStress: stress,
		Counters:       map[string]int64{"quarantines": int64(quarantines), "denials": int64(denials)},
		Workflows:      workflows,
	}
}

// Summary renders the report as the human-readable block the status verb
// prints.
func (r *StatusReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "session: %s\n", r.SessionID)
	fmt.Fprintf(&b, "heads:   %d connected\n", len(r.Heads))
	for _, h := range r.Heads {
		fmt.Fprintf(&b, "  %s (%s/%s) %s actions=%d errors=%d\n",
			h.ID, h.AIType, h.Model, h.Status, h.ActionCount, h.ErrorCount)
	}
	fmt.Fprintf(&b, "limbs:   %d attached\n", len(r.Limbs))
	for _, l := range r.Limbs {
		fmt.Fprintf(&b, "  %s (%s) active=%v actions=%d\n", l.ID, l.Type, l.Active, l.ActionCount)
	}
	fmt.Fprintf(&b, "antibody load:   %.3f\n", r.AntibodyLoad)
	fmt.Fprintf(&b, "membrane stress: %.3f\n", r.MembraneStress)
	fmt.Fprintf(&b, "quarantines: %d  denials: %d\n",
		r.Counters["quarantines"], r.Counters["denials"])
	return b.String()
}

// RunStdin reads one JSON command per line from in and writes one JSON
// result per line to out, until EOF or ctx cancellation. The literal
// "status" prints a human summary; "stats" prints a JSON aggregate; "exit"
// terminates.
func (s *Spine) RunStdin(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "exit":
			return nil
		case "status":
			if _, err := io.WriteString(out, s.Status().Summary()); err != nil {
				return err
			}
			continue
		case "stats":
			statsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			stats, err := s.ledger.Stats(statsCtx)
			cancel()
			if err != nil {
				enc.Encode(map[string]interface{}{"error": fmt.Sprintf("storage error: %v", err)})
				continue
			}
			if err := enc.Encode(stats); err != nil {
				return err
			}
			continue
		}

		var cmd Command
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			enc.Encode(&Result{
				Success:  false,
				Decision: DecisionError,
				Error:    fmt.Sprintf("malformed command: %v", err),
			})
			continue
		}
		if err := enc.Encode(s.Execute(ctx, &cmd)); err != nil {
			return err
		}
	}
	return scanner.Err()
}
